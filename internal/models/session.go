package models

import "time"

type SessionStatus string

const (
	SessionDisconnected SessionStatus = "disconnected"
	SessionStarting     SessionStatus = "starting"
	SessionConnecting   SessionStatus = "connecting"
	SessionQRReady      SessionStatus = "qr_ready"
	SessionConnected    SessionStatus = "connected"
	SessionError        SessionStatus = "error"
	SessionRestarting   SessionStatus = "restarting"
	SessionStopping     SessionStatus = "stopping"
)

// ParseSessionStatus maps unrecognized values to disconnected.
func ParseSessionStatus(raw string) SessionStatus {
	switch status := SessionStatus(raw); status {
	case SessionDisconnected, SessionStarting, SessionConnecting, SessionQRReady,
		SessionConnected, SessionError, SessionRestarting, SessionStopping:
		return status
	default:
		return SessionDisconnected
	}
}

// Active reports whether the session holds or is acquiring an adapter connection.
func (s SessionStatus) Active() bool {
	switch s {
	case SessionStarting, SessionConnecting, SessionQRReady, SessionConnected, SessionRestarting:
		return true
	default:
		return false
	}
}

type Session struct {
	SessionID      string        `json:"session_id"`
	Name           string        `json:"name"`
	Identity       string        `json:"identity,omitempty"`
	Status         SessionStatus `json:"status"`
	QRCode         string        `json:"qr_code,omitempty"`
	DefaultQueueID *string       `json:"default_queue_id,omitempty"`
	QueueIDs       []string      `json:"queue_ids"`
	CredentialPath string        `json:"credential_path"`
	AutoReconnect  bool          `json:"auto_reconnect"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
