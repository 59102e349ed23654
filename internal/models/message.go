package models

import "time"

const (
	AckPending   = 0
	AckServer    = 1
	AckDelivered = 2
	AckRead      = 3
	AckPlayed    = 4
)

type Message struct {
	MessageID  string    `json:"message_id"`
	TicketID   string    `json:"ticket_id"`
	SessionID  string    `json:"session_id"`
	ContactID  string    `json:"contact_id"`
	FromMe     bool      `json:"from_me"`
	Body       string    `json:"body"`
	Ack        int       `json:"ack"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Contact struct {
	ContactID string    `json:"contact_id"`
	Number    string    `json:"number"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Agent struct {
	AgentID       string    `json:"agent_id"`
	Name          string    `json:"name"`
	ActiveTickets int       `json:"active_tickets"`
	CreatedAt     time.Time `json:"created_at"`
}
