package models

import "time"

type ChatStatus string

const (
	ChatWaiting  ChatStatus = "waiting"
	ChatAccepted ChatStatus = "accepted"
	ChatResolved ChatStatus = "resolved"
	ChatClosed   ChatStatus = "closed"
)

func (s ChatStatus) Valid() bool {
	switch s {
	case ChatWaiting, ChatAccepted, ChatResolved, ChatClosed:
		return true
	default:
		return false
	}
}

// Open reports whether new inbound messages attach to the ticket as is.
func (s ChatStatus) Open() bool {
	return s == ChatWaiting || s == ChatAccepted
}

type Ticket struct {
	TicketID    string     `json:"ticket_id"`
	ContactID   string     `json:"contact_id"`
	SessionID   string     `json:"session_id"`
	QueueID     *string    `json:"queue_id"`
	AgentID     *string    `json:"agent_id"`
	LastAgentID *string    `json:"last_agent_id,omitempty"`
	ChatStatus  ChatStatus `json:"chat_status"`
	Priority    int        `json:"priority"`
	LastMessage string     `json:"last_message,omitempty"`
	UnreadCount int        `json:"unread_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Assign hands the ticket to agentID and marks it accepted.
func (t *Ticket) Assign(agentID string) {
	id := agentID
	t.AgentID = &id
	t.ChatStatus = ChatAccepted
}

// Release clears the assignment, remembering the previous owner, and moves the
// ticket to status.
func (t *Ticket) Release(status ChatStatus) {
	if t.AgentID != nil {
		prev := *t.AgentID
		t.LastAgentID = &prev
	}
	t.AgentID = nil
	t.ChatStatus = status
}

// Consistent checks the assignment invariant.
func (t Ticket) Consistent() bool {
	return (t.AgentID != nil) == (t.ChatStatus == ChatAccepted)
}

func (t Ticket) InQueue(queueID string) bool {
	return t.QueueID != nil && *t.QueueID == queueID
}

// StringPtr returns nil for an empty string.
func StringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func StringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
