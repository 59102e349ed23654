// Package adapter defines the boundary to the external messaging network.
// An open connection reports everything it observes through one bounded
// event channel; its consumer is the single worker owning the session.
package adapter

import (
	"context"
	"errors"
	"time"
)

type EventKind string

const (
	EventChallenge    EventKind = "challenge"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventLoggedOut    EventKind = "logged_out"
	EventMessage      EventKind = "message"
	EventAck          EventKind = "ack"
)

// EventBuffer bounds the event channel of every connection.
const EventBuffer = 64

var (
	ErrClosed       = errors.New("connection closed")
	ErrNotConnected = errors.New("connection not authenticated")
)

type InboundMessage struct {
	ExternalID string    `json:"external_id"`
	From       string    `json:"from"`
	Name       string    `json:"name,omitempty"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

type Ack struct {
	ExternalID string `json:"external_id"`
	Level      int    `json:"level"`
}

type Event struct {
	Kind EventKind
	// Challenge holds the QR payload of a challenge event.
	Challenge string
	// Credentials and Identity are set on connected.
	Credentials []byte
	Identity    string
	// Reason explains disconnected and logged_out.
	Reason  string
	Message *InboundMessage
	Ack     *Ack
}

type Conn interface {
	Events() <-chan Event
	// Send delivers body to the contact and returns the network's message id.
	Send(ctx context.Context, to, body string) (string, error)
	// RefreshChallenge asks for a new authentication challenge.
	RefreshChallenge(ctx context.Context) error
	Close() error
}

type Adapter interface {
	// Open starts a connection. Empty credentials begin a fresh pairing.
	Open(ctx context.Context, sessionID string, credentials []byte) (Conn, error)
}
