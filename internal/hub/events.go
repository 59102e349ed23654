package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/inbox-service/internal/models"
)

const (
	TypeSessionsUpdate      = "sessions-update"
	TypeSessionStatusUpdate = "session-status-update"
	TypeSessionQRUpdate     = "session-qr-update"
	TypeTicketQueueUpdated  = "ticket-queue-updated"
	TypeNewMessage          = "new-message"
	TypeMessageUpdate       = "message-update"
	TypeContactUpdated      = "contact-updated"
	TypeNotification        = "notification"
)

const (
	TopicTickets  = "tickets"
	TopicSessions = "sessions"
)

var ErrInvalidEvent = errors.New("invalid event")

func TicketTopic(ticketID string) string   { return "ticket:" + ticketID }
func SessionTopic(sessionID string) string { return "session:" + sessionID }

// ValidTopic accepts the global topics and the per-record forms with a non-empty id.
func ValidTopic(topic string) bool {
	switch topic {
	case TopicTickets, TopicSessions:
		return true
	}
	for _, prefix := range []string{"ticket:", "session:"} {
		if id, ok := strings.CutPrefix(topic, prefix); ok {
			return strings.TrimSpace(id) != ""
		}
	}
	return false
}

// Event is implemented only by the payload types in this file.
type Event interface {
	EventType() string
	Topics() []string
	Validate() error
}

type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	SessionsActionCreate = "create"
	SessionsActionUpdate = "update"
	SessionsActionDelete = "delete"
)

type SessionsUpdate struct {
	Action    string           `json:"action"`
	SessionID string           `json:"session_id"`
	Sessions  []models.Session `json:"sessions"`
}

func (SessionsUpdate) EventType() string { return TypeSessionsUpdate }
func (SessionsUpdate) Topics() []string  { return []string{TopicSessions} }
func (e SessionsUpdate) Validate() error {
	switch e.Action {
	case SessionsActionCreate, SessionsActionUpdate, SessionsActionDelete:
	default:
		return fmt.Errorf("%w: sessions-update action %q", ErrInvalidEvent, e.Action)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: sessions-update without session_id", ErrInvalidEvent)
	}
	return nil
}

type SessionStatusUpdate struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	LastError string               `json:"last_error,omitempty"`
}

func (SessionStatusUpdate) EventType() string { return TypeSessionStatusUpdate }
func (e SessionStatusUpdate) Topics() []string {
	return []string{TopicSessions, SessionTopic(e.SessionID)}
}
func (e SessionStatusUpdate) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("%w: session-status-update without session_id", ErrInvalidEvent)
	}
	if models.ParseSessionStatus(string(e.Status)) != e.Status {
		return fmt.Errorf("%w: unknown session status %q", ErrInvalidEvent, e.Status)
	}
	return nil
}

type SessionQRUpdate struct {
	SessionID string               `json:"session_id"`
	QRCode    string               `json:"qr_code"`
	Status    models.SessionStatus `json:"status"`
}

func (SessionQRUpdate) EventType() string { return TypeSessionQRUpdate }
func (e SessionQRUpdate) Topics() []string {
	return []string{TopicSessions, SessionTopic(e.SessionID)}
}
func (e SessionQRUpdate) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("%w: session-qr-update without session_id", ErrInvalidEvent)
	}
	if e.Status == models.SessionQRReady && e.QRCode == "" {
		return fmt.Errorf("%w: qr_ready without qr code", ErrInvalidEvent)
	}
	return nil
}

type TicketQueueUpdated struct {
	Ticket  models.Ticket `json:"ticket"`
	Outcome string        `json:"outcome,omitempty"`
}

func (TicketQueueUpdated) EventType() string { return TypeTicketQueueUpdated }
func (e TicketQueueUpdated) Topics() []string {
	return []string{TopicTickets, TicketTopic(e.Ticket.TicketID)}
}
func (e TicketQueueUpdated) Validate() error {
	return validateTicket(e.Ticket)
}

type NewMessage struct {
	Message models.Message `json:"message"`
	Ticket  models.Ticket  `json:"ticket"`
}

func (NewMessage) EventType() string { return TypeNewMessage }
func (e NewMessage) Topics() []string {
	return []string{TopicTickets, TicketTopic(e.Message.TicketID)}
}
func (e NewMessage) Validate() error {
	if e.Message.MessageID == "" || e.Message.TicketID == "" {
		return fmt.Errorf("%w: new-message without ids", ErrInvalidEvent)
	}
	if e.Ticket.TicketID != e.Message.TicketID {
		return fmt.Errorf("%w: new-message ticket mismatch", ErrInvalidEvent)
	}
	return validateTicket(e.Ticket)
}

type MessageUpdate struct {
	Message models.Message `json:"message"`
}

func (MessageUpdate) EventType() string { return TypeMessageUpdate }
func (e MessageUpdate) Topics() []string {
	return []string{TopicTickets, TicketTopic(e.Message.TicketID)}
}
func (e MessageUpdate) Validate() error {
	if e.Message.MessageID == "" || e.Message.TicketID == "" {
		return fmt.Errorf("%w: message-update without ids", ErrInvalidEvent)
	}
	if e.Message.Ack < models.AckPending || e.Message.Ack > models.AckPlayed {
		return fmt.Errorf("%w: ack %d out of range", ErrInvalidEvent, e.Message.Ack)
	}
	return nil
}

type ContactUpdated struct {
	Contact models.Contact `json:"contact"`
}

func (ContactUpdated) EventType() string { return TypeContactUpdated }
func (ContactUpdated) Topics() []string  { return []string{TopicTickets} }
func (e ContactUpdated) Validate() error {
	if e.Contact.ContactID == "" {
		return fmt.Errorf("%w: contact-updated without contact_id", ErrInvalidEvent)
	}
	return nil
}

type Notification struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	TicketID string `json:"ticket_id"`
}

func (Notification) EventType() string { return TypeNotification }
func (e Notification) Topics() []string {
	return []string{TopicTickets, TicketTopic(e.TicketID)}
}
func (e Notification) Validate() error {
	if e.Title == "" || e.TicketID == "" {
		return fmt.Errorf("%w: notification requires title and ticket_id", ErrInvalidEvent)
	}
	return nil
}

func validateTicket(ticket models.Ticket) error {
	if ticket.TicketID == "" {
		return fmt.Errorf("%w: ticket without id", ErrInvalidEvent)
	}
	if !ticket.ChatStatus.Valid() {
		return fmt.Errorf("%w: chat status %q", ErrInvalidEvent, ticket.ChatStatus)
	}
	if !ticket.Consistent() {
		return fmt.Errorf("%w: ticket %s assignment does not match status", ErrInvalidEvent, ticket.TicketID)
	}
	return nil
}

// Decode parses an envelope produced elsewhere and validates its payload
// against the event type it claims.
func Decode(data []byte) (Event, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	event, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return nil, Envelope{}, err
	}
	if err := event.Validate(); err != nil {
		return nil, Envelope{}, err
	}
	return event, env, nil
}

func decodePayload(eventType string, payload json.RawMessage) (Event, error) {
	var event Event
	var err error
	switch eventType {
	case TypeSessionsUpdate:
		event, err = unmarshalAs[SessionsUpdate](payload)
	case TypeSessionStatusUpdate:
		event, err = unmarshalAs[SessionStatusUpdate](payload)
	case TypeSessionQRUpdate:
		event, err = unmarshalAs[SessionQRUpdate](payload)
	case TypeTicketQueueUpdated:
		event, err = unmarshalAs[TicketQueueUpdated](payload)
	case TypeNewMessage:
		event, err = unmarshalAs[NewMessage](payload)
	case TypeMessageUpdate:
		event, err = unmarshalAs[MessageUpdate](payload)
	case TypeContactUpdated:
		event, err = unmarshalAs[ContactUpdated](payload)
	case TypeNotification:
		event, err = unmarshalAs[Notification](payload)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, eventType, err)
	}
	return event, nil
}

func unmarshalAs[T Event](payload json.RawMessage) (Event, error) {
	var value T
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, err
	}
	return value, nil
}
