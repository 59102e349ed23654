package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"qms/inbox-service/internal/adapter"
	"qms/inbox-service/internal/hub"
	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/queue"
	"qms/inbox-service/internal/store"
	"qms/inbox-service/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) Publish(event hub.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, event := range r.events {
		if update, ok := event.(hub.TicketQueueUpdated); ok {
			out = append(out, update.Outcome)
		}
	}
	return out
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.EventType() == eventType {
			n++
		}
	}
	return n
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, sessionID, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to+":"+body)
	return fmt.Sprintf("ext-%d", len(f.sent)), nil
}

type fixture struct {
	store   *memory.Store
	queues  *queue.Registry
	events  *recorder
	router  *Router
	session models.Session
	now     time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := memory.New()
	f := &fixture{
		store:  st,
		queues: queue.NewRegistry(st),
		events: &recorder{},
		now:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return f.now }
	}
	f.router = New(st, f.queues, f.events, opts)
	session, err := st.CreateSession(context.Background(), models.Session{Name: "main"})
	require.NoError(t, err)
	f.session = session
	return f
}

func (f *fixture) queue(t *testing.T, input queue.Input, agents ...string) models.Queue {
	t.Helper()
	ctx := context.Background()
	if input.Name == nil {
		name := "q"
		input.Name = &name
	}
	q, err := f.queues.Create(ctx, input)
	require.NoError(t, err)
	for _, id := range agents {
		if _, err := f.store.GetAgent(ctx, id); errors.Is(err, store.ErrAgentNotFound) {
			_, err = f.store.CreateAgent(ctx, models.Agent{AgentID: id, Name: id})
			require.NoError(t, err)
		}
		_, err := f.queues.AddAgent(ctx, q.QueueID, id)
		require.NoError(t, err)
	}
	session, err := f.store.UpdateSession(ctx, f.session.SessionID, func(s *models.Session) error {
		s.DefaultQueueID = models.StringPtr(q.QueueID)
		s.QueueIDs = append(s.QueueIDs, q.QueueID)
		return nil
	})
	require.NoError(t, err)
	f.session = session
	return q
}

func (f *fixture) inbound(t *testing.T, from, body string) Result {
	t.Helper()
	result, err := f.router.HandleInbound(context.Background(), f.session, adapter.InboundMessage{From: from, Body: body})
	require.NoError(t, err)
	return result
}

func ptr[T any](v T) *T { return &v }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func TestRoundRobinCyclesMembers(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{}, "A", "B")

	var got []string
	for i := 0; i < 3; i++ {
		result := f.inbound(t, fmt.Sprintf("+62%d", i), "hi")
		require.Equal(t, OutcomeAssigned, result.Outcome)
		got = append(got, models.StringValue(result.Ticket.AgentID))
	}
	assert.Equal(t, []string{"A", "B", "A"}, got)
}

func TestRoundRobinVisitsEveryAgentBeforeRepeating(t *testing.T) {
	f := newFixture(t, Options{})
	agents := []string{"a1", "a2", "a3", "a4", "a5"}
	f.queue(t, queue.Input{}, agents...)

	seen := map[string]bool{}
	for i := range agents {
		result := f.inbound(t, fmt.Sprintf("+1%d", i), "hi")
		seen[models.StringValue(result.Ticket.AgentID)] = true
	}
	assert.Len(t, seen, len(agents))
}

func TestLoadBasedPicksLeastLoadedAndRespectsCapacity(t *testing.T) {
	f := newFixture(t, Options{})
	q := f.queue(t, queue.Input{Rotation: ptr(models.RotationLoadBased), CapacityPerAgent: ptr(2)}, "A", "B", "C")
	ctx := context.Background()

	// A holds one accepted ticket assigned outside the rotation.
	seed, err := f.store.CreateTicket(ctx, models.Ticket{ContactID: "x", SessionID: f.session.SessionID, QueueID: models.StringPtr(q.QueueID)})
	require.NoError(t, err)
	_, err = f.router.Accept(ctx, seed.TicketID, "A")
	require.NoError(t, err)

	counts := map[string]int{"A": 1}
	for i := 0; i < 5; i++ {
		result := f.inbound(t, fmt.Sprintf("+2%d", i), "hi")
		require.Equal(t, OutcomeAssigned, result.Outcome)
		counts[models.StringValue(result.Ticket.AgentID)]++
		hi, lo := 0, 1<<30
		for _, id := range []string{"A", "B", "C"} {
			hi = maxInt(hi, counts[id])
			lo = minInt(lo, counts[id])
		}
		assert.LessOrEqual(t, hi-lo, 1)
	}

	result := f.inbound(t, "+299", "hi")
	assert.Equal(t, OutcomeNoCapacity, result.Outcome)
	assert.Nil(t, result.Ticket.AgentID)
	assert.Equal(t, models.ChatWaiting, result.Ticket.ChatStatus)
}

func TestManualQueueLeavesTicketWaitingAndPointerUntouched(t *testing.T) {
	f := newFixture(t, Options{})
	q := f.queue(t, queue.Input{AutoAssign: ptr(false)}, "A", "B")

	result := f.inbound(t, "+31", "hi")
	assert.Equal(t, OutcomeManual, result.Outcome)
	assert.Equal(t, models.ChatWaiting, result.Ticket.ChatStatus)
	assert.Equal(t, q.QueueID, models.StringValue(result.Ticket.QueueID))
	state, err := f.store.GetRoutingState(context.Background(), q.QueueID)
	require.NoError(t, err)
	assert.Equal(t, "", state.LastAgentID)

	_, err = f.queues.Update(context.Background(), q.QueueID, queue.Input{AutoAssign: ptr(true)})
	require.NoError(t, err)
	next := f.inbound(t, "+32", "hi")
	assert.Equal(t, "A", models.StringValue(next.Ticket.AgentID))
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{AutoAssign: ptr(false)}, "A", "B", "C", "D")
	ticket := f.inbound(t, "+41", "hi").Ticket
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	for _, agent := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			_, err := f.router.Accept(ctx, ticket.TicketID, agent)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, store.ErrAlreadyAssigned) {
				losses++
			}
		}(agent)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 3, losses)

	stored, err := f.store.GetTicket(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.True(t, stored.Consistent())
	assert.Equal(t, models.ChatAccepted, stored.ChatStatus)
}

func TestConcurrentInboundAssignsDistinctAgents(t *testing.T) {
	f := newFixture(t, Options{})
	agents := []string{"A", "B", "C"}
	q := f.queue(t, queue.Input{}, agents...)
	ctx := context.Background()

	sessions := []models.Session{f.session}
	for i := 1; i < len(agents); i++ {
		session, err := f.store.CreateSession(ctx, models.Session{
			Name: fmt.Sprintf("line %d", i), QueueIDs: []string{q.QueueID}, DefaultQueueID: models.StringPtr(q.QueueID),
		})
		require.NoError(t, err)
		sessions = append(sessions, session)
	}

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		got := make([]string, len(sessions))
		for i, session := range sessions {
			wg.Add(1)
			go func(i int, session models.Session) {
				defer wg.Done()
				result, err := f.router.HandleInbound(ctx, session, adapter.InboundMessage{
					From: fmt.Sprintf("+70%d%d", round, i), Body: "hi",
				})
				if err == nil && result.Outcome == OutcomeAssigned {
					got[i] = models.StringValue(result.Ticket.AgentID)
				}
			}(i, session)
		}
		wg.Wait()
		assert.ElementsMatch(t, agents, got, "round %d", round)
	}
}

func TestRoutingStateSharedAcrossRouters(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{}, "A", "B", "C")
	other := New(f.store, queue.NewRegistry(f.store), f.events, Options{Now: func() time.Time { return f.now }})

	var got []string
	for i := 0; i < 4; i++ {
		r := f.router
		if i%2 == 1 {
			r = other
		}
		result, err := r.HandleInbound(context.Background(), f.session, adapter.InboundMessage{From: fmt.Sprintf("+71%d", i), Body: "hi"})
		require.NoError(t, err)
		got = append(got, models.StringValue(result.Ticket.AgentID))
	}
	assert.Equal(t, []string{"A", "B", "C", "A"}, got)
}

func TestInboundOnClosedTicketReopensAsWaiting(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{AutoAssign: ptr(false)}, "A")
	ctx := context.Background()

	first := f.inbound(t, "+51", "hi").Ticket
	_, err := f.router.Accept(ctx, first.TicketID, "A")
	require.NoError(t, err)
	_, err = f.router.Close(ctx, first.TicketID)
	require.NoError(t, err)

	again := f.inbound(t, "+51", "back again")
	assert.Equal(t, first.TicketID, again.Ticket.TicketID)
	assert.False(t, again.Created)
	assert.Equal(t, models.ChatWaiting, again.Ticket.ChatStatus)
	assert.Nil(t, again.Ticket.AgentID)
	assert.Equal(t, "A", models.StringValue(again.Ticket.LastAgentID))
}

func TestInboundAfterResolveStartsNewTicket(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{}, "A")
	ctx := context.Background()

	first := f.inbound(t, "+52", "hi").Ticket
	_, err := f.router.Resolve(ctx, first.TicketID)
	require.NoError(t, err)

	next := f.inbound(t, "+52", "new question")
	assert.True(t, next.Created)
	assert.NotEqual(t, first.TicketID, next.Ticket.TicketID)
}

func TestInboundAppendsToOpenTicket(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{}, "A")

	first := f.inbound(t, "+53", "one")
	second := f.inbound(t, "+53", "two")
	assert.Equal(t, OutcomeExisting, second.Outcome)
	assert.Equal(t, first.Ticket.TicketID, second.Ticket.TicketID)
	assert.Equal(t, 2, second.Ticket.UnreadCount)
	assert.Equal(t, "two", second.Ticket.LastMessage)

	messages, err := f.store.ListMessages(context.Background(), first.Ticket.TicketID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "one", messages[0].Body)
}

func TestTransferToNothingReturnsToWaiting(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{}, "A")
	ctx := context.Background()

	ticket := f.inbound(t, "+61", "hi").Ticket
	require.Equal(t, "A", models.StringValue(ticket.AgentID))

	moved, err := f.router.Transfer(ctx, ticket.TicketID, Target{})
	require.NoError(t, err)
	assert.Nil(t, moved.AgentID)
	assert.Equal(t, models.ChatWaiting, moved.ChatStatus)
	assert.True(t, moved.Consistent())
}

func TestTransferToQueueRoutesThere(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{}, "A")
	other := f.queue(t, queue.Input{Name: ptr("other")}, "B")
	ctx := context.Background()

	ticket, err := f.store.CreateTicket(ctx, models.Ticket{ContactID: "c", SessionID: f.session.SessionID})
	require.NoError(t, err)
	_, err = f.router.Accept(ctx, ticket.TicketID, "A")
	require.NoError(t, err)

	moved, err := f.router.Transfer(ctx, ticket.TicketID, Target{QueueID: other.QueueID})
	require.NoError(t, err)
	assert.Equal(t, other.QueueID, models.StringValue(moved.QueueID))
	assert.Equal(t, "B", models.StringValue(moved.AgentID))
	assert.Equal(t, "A", models.StringValue(moved.LastAgentID))

	direct, err := f.router.Transfer(ctx, ticket.TicketID, Target{AgentID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", models.StringValue(direct.AgentID))
	assert.Equal(t, models.ChatAccepted, direct.ChatStatus)
}

func TestResolveDrainsWaitingTickets(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{CapacityPerAgent: ptr(1)}, "A")
	ctx := context.Background()

	first := f.inbound(t, "+71", "hi")
	require.Equal(t, OutcomeAssigned, first.Outcome)
	second := f.inbound(t, "+72", "hi")
	require.Equal(t, OutcomeNoCapacity, second.Outcome)

	_, err := f.router.Resolve(ctx, first.Ticket.TicketID)
	require.NoError(t, err)

	drained, err := f.store.GetTicket(ctx, second.Ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, "A", models.StringValue(drained.AgentID))
	assert.Equal(t, models.ChatAccepted, drained.ChatStatus)
}

func TestFIFOPrefersLongestIdleAgent(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{Rotation: ptr(models.RotationFIFO)}, "A", "B", "C")

	var got []string
	for i := 0; i < 4; i++ {
		f.now = f.now.Add(time.Minute)
		result := f.inbound(t, fmt.Sprintf("+8%d", i), "hi")
		got = append(got, models.StringValue(result.Ticket.AgentID))
	}
	assert.Equal(t, []string{"A", "B", "C", "A"}, got)
}

func TestRandomUsesInjectedSource(t *testing.T) {
	f := newFixture(t, Options{IntN: func(n int) int { return n - 1 }})
	f.queue(t, queue.Input{Rotation: ptr(models.RotationRandom)}, "A", "B", "C")

	result := f.inbound(t, "+91", "hi")
	assert.Equal(t, "C", models.StringValue(result.Ticket.AgentID))
}

func TestOutsideHoursKeepsTicketWaiting(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{ActiveHours: &models.HoursWindow{Start: "13:00", End: "17:00"}}, "A")

	result := f.inbound(t, "+101", "hi")
	assert.Equal(t, OutcomeOutsideHours, result.Outcome)
	assert.Nil(t, result.Ticket.AgentID)

	f.now = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	n, err := f.router.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUnroutedTicketNotifies(t *testing.T) {
	f := newFixture(t, Options{})

	result := f.inbound(t, "+111", "hi")
	assert.Equal(t, OutcomeUnrouted, result.Outcome)
	assert.Nil(t, result.Ticket.QueueID)
	assert.Equal(t, 1, f.events.count(hub.TypeNotification))
	assert.Equal(t, []string{OutcomeUnrouted}, f.events.outcomes())
}

func TestGreetingAndReply(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{Greeting: ptr("Welcome")}, "A")
	sender := &fakeSender{}
	f.router.SetSender(sender)
	ctx := context.Background()

	ticket := f.inbound(t, "+121", "hi").Ticket
	_, err := f.router.Reply(ctx, ticket.TicketID, "B", "not yours")
	assert.ErrorIs(t, err, ErrNotOwner)

	message, err := f.router.Reply(ctx, ticket.TicketID, "A", "how can I help")
	require.NoError(t, err)
	assert.True(t, message.FromMe)
	assert.Equal(t, models.AckServer, message.Ack)
	assert.Equal(t, []string{"+121:Welcome", "+121:how can I help"}, sender.sent)

	require.NoError(t, f.router.HandleAck(ctx, f.session.SessionID, adapter.Ack{ExternalID: message.ExternalID, Level: models.AckRead}))
	require.NoError(t, f.router.HandleAck(ctx, f.session.SessionID, adapter.Ack{ExternalID: "unknown", Level: models.AckRead}))
	assert.Equal(t, 1, f.events.count(hub.TypeMessageUpdate))
}

func TestGreetingFailureDoesNotBlockRouting(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{Greeting: ptr("Welcome")}, "A")
	f.router.SetSender(&fakeSender{err: errors.New("offline")})

	result := f.inbound(t, "+131", "hi")
	assert.Equal(t, OutcomeAssigned, result.Outcome)
}

func TestReopenRoutesAgain(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue(t, queue.Input{}, "A")
	ctx := context.Background()

	ticket := f.inbound(t, "+141", "hi").Ticket
	_, err := f.router.Resolve(ctx, ticket.TicketID)
	require.NoError(t, err)

	reopened, err := f.router.Reopen(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, "A", models.StringValue(reopened.AgentID))

	_, err = f.router.Reopen(ctx, ticket.TicketID)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestMembershipChangeDoesNotReassign(t *testing.T) {
	f := newFixture(t, Options{})
	q := f.queue(t, queue.Input{}, "A")
	ctx := context.Background()

	ticket := f.inbound(t, "+151", "hi").Ticket
	require.NoError(t, f.queues.RemoveAgent(ctx, q.QueueID, "A"))

	stored, err := f.store.GetTicket(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, "A", models.StringValue(stored.AgentID))

	next := f.inbound(t, "+152", "hi")
	assert.Equal(t, OutcomeNoMembers, next.Outcome)
}
