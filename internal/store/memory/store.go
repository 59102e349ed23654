// Package memory is an in-process record store. It backs the service when no
// database is configured and is the store used by component tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]models.Session
	queues   map[string]models.Queue
	members  map[string][]models.QueueMembership
	agents   map[string]models.Agent
	tickets  map[string]models.Ticket
	messages map[string][]models.Message
	contacts map[string]models.Contact
	routing  map[string]store.RoutingState
	seq      int
}

func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]models.Session),
		queues:   make(map[string]models.Queue),
		members:  make(map[string][]models.QueueMembership),
		agents:   make(map[string]models.Agent),
		tickets:  make(map[string]models.Ticket),
		messages: make(map[string][]models.Message),
		contacts: make(map[string]models.Contact),
		routing:  make(map[string]store.RoutingState),
	}
}

// tick returns a strictly increasing timestamp so that ordering by creation
// time is stable even when records are created within the same clock tick.
func (s *Store) tick() time.Time {
	s.seq++
	return s.now().Add(time.Duration(s.seq) * time.Nanosecond)
}

func (s *Store) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.SessionID == "" {
		session.SessionID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = models.SessionDisconnected
	}
	now := s.tick()
	session.CreatedAt = now
	session.UpdatedAt = now
	session.QueueIDs = cloneStrings(session.QueueIDs)
	s.sessions[session.SessionID] = session
	return cloneSession(session), nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (s *Store) ListSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, cloneSession(session))
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn store.SessionMutation) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	next := cloneSession(current)
	if err := fn(&next); err != nil {
		return models.Session{}, err
	}
	next.SessionID = sessionID
	next.UpdatedAt = s.tick()
	s.sessions[sessionID] = cloneSession(next)
	return next, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return store.ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *Store) CreateQueue(ctx context.Context, queue models.Queue) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if queue.QueueID == "" {
		queue.QueueID = uuid.NewString()
	}
	now := s.tick()
	queue.CreatedAt = now
	queue.UpdatedAt = now
	s.queues[queue.QueueID] = queue
	return queue, nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[queueID]
	if !ok {
		return models.Queue{}, store.ErrQueueNotFound
	}
	return queue, nil
}

func (s *Store) ListQueues(ctx context.Context, includeArchived bool) ([]models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queues := make([]models.Queue, 0, len(s.queues))
	for _, queue := range s.queues {
		if queue.Archived && !includeArchived {
			continue
		}
		queues = append(queues, queue)
	}
	sort.Slice(queues, func(i, j int) bool {
		if queues[i].BotOrder != queues[j].BotOrder {
			return queues[i].BotOrder < queues[j].BotOrder
		}
		return queues[i].CreatedAt.Before(queues[j].CreatedAt)
	})
	return queues, nil
}

func (s *Store) UpdateQueue(ctx context.Context, queueID string, fn store.QueueMutation) (models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.queues[queueID]
	if !ok {
		return models.Queue{}, store.ErrQueueNotFound
	}
	if err := fn(&next); err != nil {
		return models.Queue{}, err
	}
	next.QueueID = queueID
	next.UpdatedAt = s.tick()
	s.queues[queueID] = next
	return next, nil
}

func (s *Store) DeleteQueue(ctx context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueID]; !ok {
		return store.ErrQueueNotFound
	}
	for _, ticket := range s.tickets {
		if ticket.InQueue(queueID) && ticket.ChatStatus.Open() {
			return store.ErrQueueInUse
		}
	}
	delete(s.queues, queueID)
	delete(s.members, queueID)
	delete(s.routing, queueID)
	for id, session := range s.sessions {
		session.QueueIDs = removeString(session.QueueIDs, queueID)
		if models.StringValue(session.DefaultQueueID) == queueID {
			session.DefaultQueueID = nil
		}
		s.sessions[id] = session
	}
	return nil
}

func (s *Store) AddMember(ctx context.Context, queueID, agentID string) (models.QueueMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueID]; !ok {
		return models.QueueMembership{}, store.ErrQueueNotFound
	}
	if _, ok := s.agents[agentID]; !ok {
		return models.QueueMembership{}, store.ErrAgentNotFound
	}
	position := 0
	for _, member := range s.members[queueID] {
		if member.AgentID == agentID {
			return member, nil
		}
		if member.Position >= position {
			position = member.Position + 1
		}
	}
	member := models.QueueMembership{QueueID: queueID, AgentID: agentID, Position: position, CreatedAt: s.tick()}
	s.members[queueID] = append(s.members[queueID], member)
	return member, nil
}

func (s *Store) RemoveMember(ctx context.Context, queueID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueID]; !ok {
		return store.ErrQueueNotFound
	}
	members := s.members[queueID]
	for i, member := range members {
		if member.AgentID == agentID {
			s.members[queueID] = append(members[:i:i], members[i+1:]...)
			return nil
		}
	}
	return store.ErrAgentNotFound
}

func (s *Store) ListMembers(ctx context.Context, queueID string) ([]models.QueueMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueID]; !ok {
		return nil, store.ErrQueueNotFound
	}
	members := append([]models.QueueMembership(nil), s.members[queueID]...)
	sort.Slice(members, func(i, j int) bool { return members[i].Position < members[j].Position })
	return members, nil
}

func (s *Store) ListAgentQueues(ctx context.Context, agentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queueIDs []string
	for queueID, members := range s.members {
		for _, member := range members {
			if member.AgentID == agentID {
				queueIDs = append(queueIDs, queueID)
				break
			}
		}
	}
	sort.Strings(queueIDs)
	return queueIDs, nil
}

func (s *Store) CreateAgent(ctx context.Context, agent models.Agent) (models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.AgentID == "" {
		agent.AgentID = uuid.NewString()
	}
	agent.CreatedAt = s.tick()
	agent.ActiveTickets = 0
	s.agents[agent.AgentID] = agent
	return agent, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return models.Agent{}, store.ErrAgentNotFound
	}
	agent.ActiveTickets = s.countAcceptedLocked(agentID)
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agents := make([]models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agent.ActiveTickets = s.countAcceptedLocked(agent.AgentID)
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	return agents, nil
}

func (s *Store) CountAccepted(ctx context.Context, agentIDs []string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(agentIDs))
	for _, id := range agentIDs {
		counts[id] = s.countAcceptedLocked(id)
	}
	return counts, nil
}

func (s *Store) countAcceptedLocked(agentID string) int {
	count := 0
	for _, ticket := range s.tickets {
		if ticket.ChatStatus == models.ChatAccepted && models.StringValue(ticket.AgentID) == agentID {
			count++
		}
	}
	return count
}

func (s *Store) CreateTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	if ticket.ChatStatus == "" {
		ticket.ChatStatus = models.ChatWaiting
	}
	if !ticket.Consistent() {
		return models.Ticket{}, store.ErrInvalidState
	}
	now := s.tick()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	s.tickets[ticket.TicketID] = ticket
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) FindLatestTicket(ctx context.Context, contactID, sessionID string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest models.Ticket
	found := false
	for _, ticket := range s.tickets {
		if ticket.ContactID != contactID || ticket.SessionID != sessionID {
			continue
		}
		if !found || ticket.CreatedAt.After(latest.CreatedAt) {
			latest = ticket
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if filter.QueueID != "" && !ticket.InQueue(filter.QueueID) {
			continue
		}
		if filter.SessionID != "" && ticket.SessionID != filter.SessionID {
			continue
		}
		if filter.AgentID != "" && models.StringValue(ticket.AgentID) != filter.AgentID {
			continue
		}
		if filter.Unassigned && ticket.AgentID != nil {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, ticket.ChatStatus) {
			continue
		}
		tickets = append(tickets, ticket)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].CreatedAt.Before(tickets[j].CreatedAt) })
	if filter.Limit > 0 && len(tickets) > filter.Limit {
		tickets = tickets[:filter.Limit]
	}
	return tickets, nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticketID string, fn store.TicketMutation) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if err := fn(&next); err != nil {
		return models.Ticket{}, err
	}
	if !next.Consistent() {
		return models.Ticket{}, store.ErrInvalidState
	}
	next.TicketID = ticketID
	next.UpdatedAt = s.tick()
	s.tickets[ticketID] = next
	return next, nil
}

func (s *Store) AssignFromQueue(ctx context.Context, ticketID, queueID string, at time.Time, choose store.AgentChooser) (models.Ticket, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueID]; !ok {
		return models.Ticket{}, "", store.ErrQueueNotFound
	}
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, "", store.ErrTicketNotFound
	}
	if ticket.AgentID != nil {
		return models.Ticket{}, "", store.ErrAlreadyAssigned
	}
	if ticket.ChatStatus != models.ChatWaiting {
		return models.Ticket{}, "", store.ErrInvalidState
	}

	members := append([]models.QueueMembership(nil), s.members[queueID]...)
	sort.Slice(members, func(i, j int) bool { return members[i].Position < members[j].Position })
	loads := make([]store.MemberLoad, 0, len(members))
	for _, member := range members {
		loads = append(loads, store.MemberLoad{AgentID: member.AgentID, Accepted: s.countAcceptedLocked(member.AgentID)})
	}
	state := s.routingLocked(queueID)
	agentID := choose(cloneRouting(state), loads)
	if agentID == "" {
		return ticket, "", nil
	}

	ticket.Assign(agentID)
	ticket.UpdatedAt = s.tick()
	s.tickets[ticketID] = ticket
	state.LastAgentID = agentID
	state.LastAssigned[agentID] = at
	s.routing[queueID] = state
	return ticket, agentID, nil
}

func (s *Store) TouchRoutingState(ctx context.Context, queueID, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueID]; !ok {
		return store.ErrQueueNotFound
	}
	state := s.routingLocked(queueID)
	state.LastAssigned[agentID] = at
	s.routing[queueID] = state
	return nil
}

func (s *Store) GetRoutingState(ctx context.Context, queueID string) (store.RoutingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueID]; !ok {
		return store.RoutingState{}, store.ErrQueueNotFound
	}
	return cloneRouting(s.routingLocked(queueID)), nil
}

func (s *Store) routingLocked(queueID string) store.RoutingState {
	state, ok := s.routing[queueID]
	if !ok {
		state = store.RoutingState{QueueID: queueID, LastAssigned: make(map[string]time.Time)}
	}
	return state
}

func cloneRouting(state store.RoutingState) store.RoutingState {
	assigned := make(map[string]time.Time, len(state.LastAssigned))
	for id, at := range state.LastAssigned {
		assigned[id] = at
	}
	state.LastAssigned = assigned
	return state
}

func (s *Store) AppendMessage(ctx context.Context, message models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[message.TicketID]; !ok {
		return models.Message{}, store.ErrTicketNotFound
	}
	if message.MessageID == "" {
		message.MessageID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.tick()
	}
	s.messages[message.TicketID] = append(s.messages[message.TicketID], message)
	return message, nil
}

func (s *Store) ListMessages(ctx context.Context, ticketID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	messages := s.messages[ticketID]
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]models.Message(nil), messages...), nil
}

func (s *Store) UpdateMessageAck(ctx context.Context, sessionID, externalID string, ack int) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ticketID, messages := range s.messages {
		for i, message := range messages {
			if message.SessionID != sessionID || message.ExternalID != externalID {
				continue
			}
			if ack > message.Ack {
				message.Ack = ack
				s.messages[ticketID][i] = message
			}
			return message, nil
		}
	}
	return models.Message{}, store.ErrMessageNotFound
}

func (s *Store) UpsertContact(ctx context.Context, number, name string) (models.Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, contact := range s.contacts {
		if contact.Number != number {
			continue
		}
		if name == "" || name == contact.Name {
			return contact, false, nil
		}
		contact.Name = name
		contact.UpdatedAt = s.tick()
		s.contacts[id] = contact
		return contact, true, nil
	}
	now := s.tick()
	contact := models.Contact{ContactID: uuid.NewString(), Number: number, Name: name, CreatedAt: now, UpdatedAt: now}
	if contact.Name == "" {
		contact.Name = number
	}
	s.contacts[contact.ContactID] = contact
	return contact, false, nil
}

func (s *Store) GetContact(ctx context.Context, contactID string) (models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contact, ok := s.contacts[contactID]
	if !ok {
		return models.Contact{}, store.ErrContactNotFound
	}
	return contact, nil
}

func cloneSession(session models.Session) models.Session {
	session.QueueIDs = cloneStrings(session.QueueIDs)
	if session.DefaultQueueID != nil {
		id := *session.DefaultQueueID
		session.DefaultQueueID = &id
	}
	return session
}

func cloneStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return append([]string{}, values...)
}

func removeString(values []string, value string) []string {
	out := values[:0:0]
	for _, item := range values {
		if item != value {
			out = append(out, item)
		}
	}
	return out
}

func containsStatus(values []models.ChatStatus, value models.ChatStatus) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}
