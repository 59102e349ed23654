// Package router decides which agent owns each ticket. Inbound messages are
// attached to the contact's open ticket or open a new one, new tickets are
// routed into a queue, and queues that auto-assign hand them to an agent
// according to the queue's rotation policy and capacity.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"qms/inbox-service/internal/adapter"
	"qms/inbox-service/internal/hub"
	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/queue"
	"qms/inbox-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	OutcomeAssigned     = "assigned"
	OutcomeNoCapacity   = "no_capacity"
	OutcomeNoMembers    = "no_members"
	OutcomeManual       = "manual"
	OutcomeOutsideHours = "outside_hours"
	OutcomeUnrouted     = "unrouted"
	OutcomeExisting     = "existing"
)

var (
	ErrNotOwner      = errors.New("ticket is owned by another agent")
	ErrInvalidTarget = errors.New("invalid transfer target")
	ErrNoSender      = errors.New("no message sender configured")
)

type Publisher interface {
	Publish(event hub.Event) error
}

// Sender delivers an outbound message through a session.
type Sender interface {
	Send(ctx context.Context, sessionID, to, body string) (string, error)
}

type Options struct {
	Now  func() time.Time
	IntN func(n int) int
}

type Result struct {
	Ticket  models.Ticket  `json:"ticket"`
	Message models.Message `json:"message"`
	Outcome string         `json:"outcome"`
	Created bool           `json:"created"`
}

// Target names a transfer destination. Both empty returns the ticket to
// waiting without rotation.
type Target struct {
	QueueID string `json:"queue_id"`
	AgentID string `json:"agent_id"`
}

type Router struct {
	store  store.Store
	queues *queue.Registry
	hub    Publisher
	now    func() time.Time
	intn   func(int) int
	tracer trace.Tracer

	senderMu sync.RWMutex
	sender   Sender

	tickets keyedMutex
}

func New(st store.Store, queues *queue.Registry, publisher Publisher, opts Options) *Router {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.IntN == nil {
		opts.IntN = rand.IntN
	}
	return &Router{
		store:     st,
		queues:    queues,
		hub:       publisher,
		now:       opts.Now,
		intn:      opts.IntN,
		tracer: otel.Tracer("inbox-service/router"),
	}
}

func (r *Router) SetSender(sender Sender) {
	r.senderMu.Lock()
	defer r.senderMu.Unlock()
	r.sender = sender
}

// HandleInbound records one inbound message. Callers deliver messages of a
// session one at a time in arrival order.
func (r *Router) HandleInbound(ctx context.Context, session models.Session, msg adapter.InboundMessage) (result Result, err error) {
	ctx, span := r.tracer.Start(ctx, "router.inbound", trace.WithAttributes(attribute.String("session.id", session.SessionID)))
	defer func() { endSpan(span, err) }()

	from := strings.TrimSpace(msg.From)
	if from == "" {
		return Result{}, errors.New("inbound message without sender")
	}
	contact, changed, err := r.store.UpsertContact(ctx, from, strings.TrimSpace(msg.Name))
	if err != nil {
		return Result{}, fmt.Errorf("upsert contact: %w", err)
	}
	if changed {
		r.publish(hub.ContactUpdated{Contact: contact})
	}

	latest, found, err := r.store.FindLatestTicket(ctx, contact.ContactID, session.SessionID)
	if err != nil {
		return Result{}, fmt.Errorf("find ticket: %w", err)
	}

	if found && latest.ChatStatus.Open() {
		unlock := r.tickets.Lock(latest.TicketID)
		ticket, message, err := r.appendInbound(ctx, latest.TicketID, session.SessionID, contact.ContactID, msg, func(t *models.Ticket) error {
			if !t.ChatStatus.Open() {
				return store.ErrInvalidState
			}
			return nil
		})
		unlock()
		if err == nil {
			span.SetAttributes(attribute.String("ticket.id", ticket.TicketID), attribute.String("outcome", OutcomeExisting))
			r.publish(hub.NewMessage{Message: message, Ticket: ticket})
			return Result{Ticket: ticket, Message: message, Outcome: OutcomeExisting}, nil
		}
		if !errors.Is(err, store.ErrInvalidState) {
			return Result{}, err
		}
		// resolved or closed between lookup and lock
		latest, err = r.store.GetTicket(ctx, latest.TicketID)
		if err != nil {
			return Result{}, err
		}
	}

	var ticketID string
	created := false
	var queueRef *models.Queue
	if found && latest.ChatStatus == models.ChatClosed {
		ticketID = latest.TicketID
		target, ok, err := r.reopenTarget(ctx, session, latest)
		if err != nil {
			return Result{}, err
		}
		if ok {
			queueRef = &target
		}
	} else {
		target, ok, err := r.queues.Target(ctx, session)
		if err != nil {
			return Result{}, fmt.Errorf("resolve queue: %w", err)
		}
		ticket := models.Ticket{ContactID: contact.ContactID, SessionID: session.SessionID, ChatStatus: models.ChatWaiting}
		if ok {
			ticket.QueueID = models.StringPtr(target.QueueID)
			queueRef = &target
		}
		ticket, err = r.store.CreateTicket(ctx, ticket)
		if err != nil {
			return Result{}, fmt.Errorf("create ticket: %w", err)
		}
		ticketID = ticket.TicketID
		created = true
	}

	unlock := r.tickets.Lock(ticketID)
	defer unlock()

	var queueID *string
	if queueRef != nil {
		queueID = models.StringPtr(queueRef.QueueID)
	}
	ticket, message, err := r.appendInbound(ctx, ticketID, session.SessionID, contact.ContactID, msg, func(t *models.Ticket) error {
		if t.ChatStatus == models.ChatClosed {
			t.Release(models.ChatWaiting)
			t.QueueID = queueID
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	ticket, outcome, err := r.route(ctx, ticket, queueRef)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("ticket.id", ticket.TicketID), attribute.String("outcome", outcome))
	log.Printf("ticket=%s queue=%s outcome=%s", ticket.TicketID, models.StringValue(ticket.QueueID), outcome)

	r.publish(hub.TicketQueueUpdated{Ticket: ticket, Outcome: outcome})
	r.publish(hub.NewMessage{Message: message, Ticket: ticket})
	r.notify(ticket, outcome, contact)

	if queueRef != nil && queueRef.Greeting != "" {
		r.greet(ctx, ticket, contact, queueRef.Greeting)
	}
	return Result{Ticket: ticket, Message: message, Outcome: outcome, Created: created}, nil
}

// reopenTarget keeps a reopened ticket in its queue while that queue is
// routable and otherwise routes it like a new ticket.
func (r *Router) reopenTarget(ctx context.Context, session models.Session, ticket models.Ticket) (models.Queue, bool, error) {
	if id := models.StringValue(ticket.QueueID); id != "" {
		q, err := r.queues.Get(ctx, id)
		if err == nil && q.Routable() {
			return q, true, nil
		}
		if err != nil && !errors.Is(err, store.ErrQueueNotFound) {
			return models.Queue{}, false, err
		}
	}
	return r.queues.Target(ctx, session)
}

func (r *Router) appendInbound(ctx context.Context, ticketID, sessionID, contactID string, msg adapter.InboundMessage, mutate func(*models.Ticket) error) (models.Ticket, models.Message, error) {
	ticket, err := r.store.UpdateTicket(ctx, ticketID, func(t *models.Ticket) error {
		if !store.ValidTransition(store.ActionInbound, t.ChatStatus) {
			return store.ErrInvalidState
		}
		if err := mutate(t); err != nil {
			return err
		}
		t.LastMessage = msg.Body
		t.UnreadCount++
		return nil
	})
	if err != nil {
		return models.Ticket{}, models.Message{}, err
	}
	createdAt := msg.Timestamp
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	message, err := r.store.AppendMessage(ctx, models.Message{
		TicketID:   ticketID,
		SessionID:  sessionID,
		ContactID:  contactID,
		Body:       msg.Body,
		ExternalID: msg.ExternalID,
		CreatedAt:  createdAt,
	})
	if err != nil {
		return models.Ticket{}, models.Message{}, fmt.Errorf("append message: %w", err)
	}
	return ticket, message, nil
}

// route runs the queue's assignment step for a waiting ticket. The caller
// holds the ticket lock.
func (r *Router) route(ctx context.Context, ticket models.Ticket, q *models.Queue) (models.Ticket, string, error) {
	if q == nil {
		return ticket, OutcomeUnrouted, nil
	}
	if !q.AutoAssign {
		return ticket, OutcomeManual, nil
	}
	if q.ActiveHours != nil && !q.ActiveHours.Contains(r.now()) {
		return ticket, OutcomeOutsideHours, nil
	}
	return r.assign(ctx, ticket, *q)
}

func (r *Router) assign(ctx context.Context, ticket models.Ticket, q models.Queue) (models.Ticket, string, error) {
	ctx, span := r.tracer.Start(ctx, "router.assign", trace.WithAttributes(
		attribute.String("ticket.id", ticket.TicketID),
		attribute.String("queue.id", q.QueueID),
		attribute.String("queue.rotation", string(q.Rotation)),
	))
	defer span.End()

	noMembers := false
	updated, agentID, err := r.store.AssignFromQueue(ctx, ticket.TicketID, q.QueueID, r.now(),
		func(state store.RoutingState, members []store.MemberLoad) string {
			noMembers = len(members) == 0
			return pick(q.Rotation, state, members, q.HasCapacity, r.intn)
		})
	if errors.Is(err, store.ErrAlreadyAssigned) {
		current, getErr := r.store.GetTicket(ctx, ticket.TicketID)
		if getErr != nil {
			return ticket, "", getErr
		}
		return current, OutcomeAssigned, nil
	}
	if err != nil {
		return ticket, "", fmt.Errorf("assign ticket: %w", err)
	}
	if agentID == "" {
		if noMembers {
			return ticket, OutcomeNoMembers, nil
		}
		return ticket, OutcomeNoCapacity, nil
	}
	span.SetAttributes(attribute.String("agent.id", agentID))
	return updated, OutcomeAssigned, nil
}

// Accept is a manual claim of a waiting ticket. Exactly one of several
// concurrent callers succeeds; the others get store.ErrAlreadyAssigned.
// Capacity is not enforced for manual claims.
func (r *Router) Accept(ctx context.Context, ticketID, agentID string) (ticket models.Ticket, err error) {
	ctx, span := r.tracer.Start(ctx, "router.accept", trace.WithAttributes(
		attribute.String("ticket.id", ticketID), attribute.String("agent.id", agentID)))
	defer func() { endSpan(span, err) }()

	if _, err := r.store.GetAgent(ctx, agentID); err != nil {
		return models.Ticket{}, err
	}
	unlock := r.tickets.Lock(ticketID)
	defer unlock()

	ticket, err = r.store.UpdateTicket(ctx, ticketID, func(t *models.Ticket) error {
		if t.AgentID != nil {
			return store.ErrAlreadyAssigned
		}
		if !store.ValidTransition(store.ActionAccept, t.ChatStatus) {
			return store.ErrInvalidState
		}
		t.Assign(agentID)
		t.UnreadCount = 0
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	if id := models.StringValue(ticket.QueueID); id != "" {
		if err := r.store.TouchRoutingState(ctx, id, agentID, r.now()); err != nil {
			log.Printf("accept ticket=%s queue=%s routing state error=%v", ticketID, id, err)
		}
	}
	r.publish(hub.TicketQueueUpdated{Ticket: ticket, Outcome: store.ActionAccept})
	return ticket, nil
}

// Transfer moves the ticket to another queue and/or agent, clearing the
// previous assignment.
func (r *Router) Transfer(ctx context.Context, ticketID string, target Target) (ticket models.Ticket, err error) {
	ctx, span := r.tracer.Start(ctx, "router.transfer", trace.WithAttributes(
		attribute.String("ticket.id", ticketID),
		attribute.String("target.queue", target.QueueID),
		attribute.String("target.agent", target.AgentID)))
	defer func() { endSpan(span, err) }()

	var destination *models.Queue
	if target.QueueID != "" {
		q, err := r.queues.Get(ctx, target.QueueID)
		if err != nil {
			return models.Ticket{}, err
		}
		if q.Archived {
			return models.Ticket{}, fmt.Errorf("%w: queue %s is archived", ErrInvalidTarget, q.QueueID)
		}
		destination = &q
	}
	if target.AgentID != "" {
		if _, err := r.store.GetAgent(ctx, target.AgentID); err != nil {
			return models.Ticket{}, err
		}
	}

	unlock := r.tickets.Lock(ticketID)
	var previous *string
	ticket, err = r.store.UpdateTicket(ctx, ticketID, func(t *models.Ticket) error {
		if !store.ValidTransition(store.ActionTransfer, t.ChatStatus) {
			return store.ErrInvalidState
		}
		previous = t.AgentID
		t.Release(models.ChatWaiting)
		if destination != nil {
			t.QueueID = models.StringPtr(destination.QueueID)
		}
		if target.AgentID != "" {
			t.Assign(target.AgentID)
		}
		return nil
	})
	if err != nil {
		unlock()
		return models.Ticket{}, err
	}

	outcome := store.ActionTransfer
	if target.AgentID == "" && destination != nil {
		ticket, outcome, err = r.route(ctx, ticket, destination)
		if err != nil {
			unlock()
			return models.Ticket{}, err
		}
	}
	unlock()

	log.Printf("ticket=%s queue=%s outcome=%s", ticket.TicketID, models.StringValue(ticket.QueueID), outcome)
	r.publish(hub.TicketQueueUpdated{Ticket: ticket, Outcome: outcome})
	if outcome == OutcomeAssigned {
		r.notifyAssigned(ticket)
	}
	if prev := models.StringValue(previous); prev != "" && prev != models.StringValue(ticket.AgentID) {
		r.drainAgent(ctx, prev)
	}
	return ticket, nil
}

func (r *Router) Resolve(ctx context.Context, ticketID string) (models.Ticket, error) {
	return r.finish(ctx, ticketID, store.ActionResolve, models.ChatResolved)
}

func (r *Router) Close(ctx context.Context, ticketID string) (models.Ticket, error) {
	return r.finish(ctx, ticketID, store.ActionClose, models.ChatClosed)
}

func (r *Router) finish(ctx context.Context, ticketID, action string, status models.ChatStatus) (ticket models.Ticket, err error) {
	ctx, span := r.tracer.Start(ctx, "router."+action, trace.WithAttributes(attribute.String("ticket.id", ticketID)))
	defer func() { endSpan(span, err) }()

	unlock := r.tickets.Lock(ticketID)
	var previous *string
	ticket, err = r.store.UpdateTicket(ctx, ticketID, func(t *models.Ticket) error {
		if !store.ValidTransition(action, t.ChatStatus) {
			return store.ErrInvalidState
		}
		previous = t.AgentID
		t.Release(status)
		t.UnreadCount = 0
		return nil
	})
	unlock()
	if err != nil {
		return models.Ticket{}, err
	}
	r.publish(hub.TicketQueueUpdated{Ticket: ticket, Outcome: action})
	if prev := models.StringValue(previous); prev != "" {
		r.drainAgent(ctx, prev)
	}
	return ticket, nil
}

// Reopen returns a resolved or closed ticket to waiting and routes it again.
func (r *Router) Reopen(ctx context.Context, ticketID string) (ticket models.Ticket, err error) {
	ctx, span := r.tracer.Start(ctx, "router.reopen", trace.WithAttributes(attribute.String("ticket.id", ticketID)))
	defer func() { endSpan(span, err) }()

	unlock := r.tickets.Lock(ticketID)
	defer unlock()
	ticket, err = r.store.UpdateTicket(ctx, ticketID, func(t *models.Ticket) error {
		if !store.ValidTransition(store.ActionReopen, t.ChatStatus) {
			return store.ErrInvalidState
		}
		t.Release(models.ChatWaiting)
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}

	var q *models.Queue
	if id := models.StringValue(ticket.QueueID); id != "" {
		found, err := r.queues.Get(ctx, id)
		if err != nil && !errors.Is(err, store.ErrQueueNotFound) {
			return models.Ticket{}, err
		}
		if err == nil && found.Routable() {
			q = &found
		}
	}
	ticket, outcome, err := r.route(ctx, ticket, q)
	if err != nil {
		return models.Ticket{}, err
	}
	r.publish(hub.TicketQueueUpdated{Ticket: ticket, Outcome: outcome})
	if outcome == OutcomeAssigned {
		r.notifyAssigned(ticket)
	}
	return ticket, nil
}

// Reply sends an agent message through the ticket's session. agentID may be
// empty for operator replies; otherwise it must own the ticket.
func (r *Router) Reply(ctx context.Context, ticketID, agentID, body string) (message models.Message, err error) {
	ctx, span := r.tracer.Start(ctx, "router.reply", trace.WithAttributes(attribute.String("ticket.id", ticketID)))
	defer func() { endSpan(span, err) }()

	body = strings.TrimSpace(body)
	if body == "" {
		return models.Message{}, fmt.Errorf("%w: empty body", ErrInvalidTarget)
	}
	unlock := r.tickets.Lock(ticketID)
	defer unlock()

	ticket, err := r.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Message{}, err
	}
	if !store.ValidTransition(store.ActionReply, ticket.ChatStatus) {
		return models.Message{}, store.ErrInvalidState
	}
	if agentID != "" && models.StringValue(ticket.AgentID) != agentID {
		return models.Message{}, ErrNotOwner
	}
	contact, err := r.store.GetContact(ctx, ticket.ContactID)
	if err != nil {
		return models.Message{}, err
	}
	externalID, err := r.send(ctx, ticket.SessionID, contact.Number, body)
	if err != nil {
		return models.Message{}, err
	}
	message, err = r.store.AppendMessage(ctx, models.Message{
		TicketID:   ticket.TicketID,
		SessionID:  ticket.SessionID,
		ContactID:  ticket.ContactID,
		FromMe:     true,
		Body:       body,
		Ack:        models.AckServer,
		ExternalID: externalID,
		CreatedAt:  r.now(),
	})
	if err != nil {
		return models.Message{}, err
	}
	ticket, err = r.store.UpdateTicket(ctx, ticket.TicketID, func(t *models.Ticket) error {
		t.LastMessage = body
		t.UnreadCount = 0
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	r.publish(hub.NewMessage{Message: message, Ticket: ticket})
	return message, nil
}

// HandleAck raises the delivery level of an outbound message. Acks for
// unknown messages are ignored.
func (r *Router) HandleAck(ctx context.Context, sessionID string, ack adapter.Ack) error {
	message, err := r.store.UpdateMessageAck(ctx, sessionID, ack.ExternalID, ack.Level)
	if errors.Is(err, store.ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.publish(hub.MessageUpdate{Message: message})
	return nil
}

// DrainQueue assigns waiting unassigned tickets of the queue oldest first
// until the queue runs out of tickets or capacity.
func (r *Router) DrainQueue(ctx context.Context, queueID string) (int, error) {
	q, err := r.queues.Get(ctx, queueID)
	if err != nil {
		return 0, err
	}
	if !q.Routable() || !q.AutoAssign {
		return 0, nil
	}
	if q.ActiveHours != nil && !q.ActiveHours.Contains(r.now()) {
		return 0, nil
	}
	waiting, err := r.store.ListTickets(ctx, store.TicketFilter{
		QueueID:    queueID,
		Statuses:   []models.ChatStatus{models.ChatWaiting},
		Unassigned: true,
	})
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, pending := range waiting {
		unlock := r.tickets.Lock(pending.TicketID)
		current, err := r.store.GetTicket(ctx, pending.TicketID)
		if err != nil || current.ChatStatus != models.ChatWaiting || current.AgentID != nil || !current.InQueue(queueID) {
			unlock()
			continue
		}
		ticket, outcome, err := r.assign(ctx, current, q)
		unlock()
		if err != nil {
			return assigned, err
		}
		if outcome != OutcomeAssigned {
			break
		}
		assigned++
		log.Printf("ticket=%s queue=%s outcome=%s", ticket.TicketID, queueID, outcome)
		r.publish(hub.TicketQueueUpdated{Ticket: ticket, Outcome: outcome})
		r.notifyAssigned(ticket)
	}
	return assigned, nil
}

// Sweep drains every active auto-assign queue.
func (r *Router) Sweep(ctx context.Context) (int, error) {
	queues, err := r.queues.List(ctx, false)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, q := range queues {
		if !q.Routable() || !q.AutoAssign {
			continue
		}
		n, err := r.DrainQueue(ctx, q.QueueID)
		if err != nil {
			log.Printf("sweep queue=%s error=%v", q.QueueID, err)
			continue
		}
		total += n
	}
	return total, nil
}

func (r *Router) drainAgent(ctx context.Context, agentID string) {
	queueIDs, err := r.queues.AgentQueues(ctx, agentID)
	if err != nil {
		log.Printf("drain agent=%s error=%v", agentID, err)
		return
	}
	for _, id := range queueIDs {
		if _, err := r.DrainQueue(ctx, id); err != nil {
			log.Printf("drain queue=%s agent=%s error=%v", id, agentID, err)
		}
	}
}

func (r *Router) send(ctx context.Context, sessionID, to, body string) (string, error) {
	r.senderMu.RLock()
	sender := r.sender
	r.senderMu.RUnlock()
	if sender == nil {
		return "", ErrNoSender
	}
	return sender.Send(ctx, sessionID, to, body)
}

// greet sends the queue greeting. Failures are logged and do not affect the
// ticket.
func (r *Router) greet(ctx context.Context, ticket models.Ticket, contact models.Contact, greeting string) {
	externalID, err := r.send(ctx, ticket.SessionID, contact.Number, greeting)
	if err != nil {
		log.Printf("greeting ticket=%s session=%s error=%v", ticket.TicketID, ticket.SessionID, err)
		return
	}
	message, err := r.store.AppendMessage(ctx, models.Message{
		TicketID:   ticket.TicketID,
		SessionID:  ticket.SessionID,
		ContactID:  ticket.ContactID,
		FromMe:     true,
		Body:       greeting,
		Ack:        models.AckServer,
		ExternalID: externalID,
		CreatedAt:  r.now(),
	})
	if err != nil {
		log.Printf("greeting ticket=%s store error=%v", ticket.TicketID, err)
		return
	}
	r.publish(hub.NewMessage{Message: message, Ticket: ticket})
}

func (r *Router) notify(ticket models.Ticket, outcome string, contact models.Contact) {
	switch outcome {
	case OutcomeAssigned:
		r.notifyAssigned(ticket)
	case OutcomeUnrouted:
		r.publish(hub.Notification{
			Title:    "Unrouted ticket",
			Body:     fmt.Sprintf("%s has no queue on session %s", contact.Name, ticket.SessionID),
			TicketID: ticket.TicketID,
		})
	}
}

func (r *Router) notifyAssigned(ticket models.Ticket) {
	r.publish(hub.Notification{
		Title:    "Ticket assigned",
		Body:     fmt.Sprintf("assigned to agent %s", models.StringValue(ticket.AgentID)),
		TicketID: ticket.TicketID,
	})
}

func (r *Router) publish(event hub.Event) {
	if r.hub == nil {
		return
	}
	if err := r.hub.Publish(event); err != nil {
		log.Printf("publish %s error=%v", event.EventType(), err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
