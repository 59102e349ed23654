package store

import (
	"context"
	"time"

	"qms/inbox-service/internal/models"
)

// Mutation functions run while the record is locked; returning an error
// aborts the update and leaves the record untouched.
type (
	SessionMutation func(*models.Session) error
	QueueMutation   func(*models.Queue) error
	TicketMutation  func(*models.Ticket) error
)

type TicketFilter struct {
	QueueID    string
	SessionID  string
	AgentID    string
	Statuses   []models.ChatStatus
	Unassigned bool
	Limit      int
}

// RoutingState is a queue's rotation pointer. LastAssigned holds when each
// agent last received a ticket from the queue.
type RoutingState struct {
	QueueID      string
	LastAgentID  string
	LastAssigned map[string]time.Time
}

// MemberLoad is a queue member with its current accepted ticket count.
type MemberLoad struct {
	AgentID  string
	Accepted int
}

// AgentChooser picks an agent from members, given in membership order.
// Returning "" leaves the ticket unassigned.
type AgentChooser func(state RoutingState, members []MemberLoad) string

type SessionStore interface {
	CreateSession(ctx context.Context, session models.Session) (models.Session, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	UpdateSession(ctx context.Context, sessionID string, fn SessionMutation) (models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type QueueStore interface {
	CreateQueue(ctx context.Context, queue models.Queue) (models.Queue, error)
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	ListQueues(ctx context.Context, includeArchived bool) ([]models.Queue, error)
	UpdateQueue(ctx context.Context, queueID string, fn QueueMutation) (models.Queue, error)
	DeleteQueue(ctx context.Context, queueID string) error
	AddMember(ctx context.Context, queueID, agentID string) (models.QueueMembership, error)
	RemoveMember(ctx context.Context, queueID, agentID string) error
	ListMembers(ctx context.Context, queueID string) ([]models.QueueMembership, error)
	ListAgentQueues(ctx context.Context, agentID string) ([]string, error)
}

type AgentStore interface {
	CreateAgent(ctx context.Context, agent models.Agent) (models.Agent, error)
	GetAgent(ctx context.Context, agentID string) (models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	CountAccepted(ctx context.Context, agentIDs []string) (map[string]int, error)
}

type TicketStore interface {
	CreateTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	FindLatestTicket(ctx context.Context, contactID, sessionID string) (models.Ticket, bool, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	UpdateTicket(ctx context.Context, ticketID string, fn TicketMutation) (models.Ticket, error)
}

// RoutingStore keeps rotation state next to the tickets so that every
// instance sharing the store advances the same pointer.
type RoutingStore interface {
	// AssignFromQueue locks the queue's routing state, the member agents and
	// the ticket, asks choose for an agent, and commits the assignment and the
	// new pointer together. When choose declines the ticket is returned
	// unchanged with an empty agent id. The ticket must be waiting and
	// unassigned (ErrAlreadyAssigned, ErrInvalidState).
	AssignFromQueue(ctx context.Context, ticketID, queueID string, at time.Time, choose AgentChooser) (models.Ticket, string, error)
	// TouchRoutingState records agentID's last assignment time without
	// moving the pointer.
	TouchRoutingState(ctx context.Context, queueID, agentID string, at time.Time) error
	GetRoutingState(ctx context.Context, queueID string) (RoutingState, error)
}

type MessageStore interface {
	AppendMessage(ctx context.Context, message models.Message) (models.Message, error)
	ListMessages(ctx context.Context, ticketID string, limit int) ([]models.Message, error)
	UpdateMessageAck(ctx context.Context, sessionID, externalID string, ack int) (models.Message, error)
	UpsertContact(ctx context.Context, number, name string) (models.Contact, bool, error)
	GetContact(ctx context.Context, contactID string) (models.Contact, error)
}

type Store interface {
	SessionStore
	QueueStore
	AgentStore
	TicketStore
	RoutingStore
	MessageStore
}
