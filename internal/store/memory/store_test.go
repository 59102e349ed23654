package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateTicketRejectsInconsistentAssignment(t *testing.T) {
	ctx := context.Background()
	st := New()
	ticket, err := st.CreateTicket(ctx, models.Ticket{ContactID: "c1", SessionID: "s1"})
	require.NoError(t, err)

	_, err = st.UpdateTicket(ctx, ticket.TicketID, func(tk *models.Ticket) error {
		tk.ChatStatus = models.ChatAccepted
		return nil
	})
	assert.ErrorIs(t, err, store.ErrInvalidState)

	got, err := st.GetTicket(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.ChatWaiting, got.ChatStatus)
}

func TestConcurrentAssignOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	st := New()
	ticket, err := st.CreateTicket(ctx, models.Ticket{ContactID: "c1", SessionID: "s1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := st.UpdateTicket(ctx, ticket.TicketID, func(tk *models.Ticket) error {
				if tk.AgentID != nil {
					return store.ErrAlreadyAssigned
				}
				tk.Assign(id)
				return nil
			})
			errs <- err
		}(string(rune('a' + i)))
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, store.ErrAlreadyAssigned)
	}
	assert.Equal(t, 1, wins)
}

func TestFindLatestTicketPicksNewest(t *testing.T) {
	ctx := context.Background()
	st := New()
	first, err := st.CreateTicket(ctx, models.Ticket{ContactID: "c1", SessionID: "s1", ChatStatus: models.ChatResolved})
	require.NoError(t, err)
	second, err := st.CreateTicket(ctx, models.Ticket{ContactID: "c1", SessionID: "s1"})
	require.NoError(t, err)
	_, err = st.CreateTicket(ctx, models.Ticket{ContactID: "c1", SessionID: "s2"})
	require.NoError(t, err)

	latest, found, err := st.FindLatestTicket(ctx, "c1", "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second.TicketID, latest.TicketID)
	assert.NotEqual(t, first.TicketID, latest.TicketID)

	_, found, err = st.FindLatestTicket(ctx, "c2", "s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteQueueDetachesSessions(t *testing.T) {
	ctx := context.Background()
	st := New()
	queue, err := st.CreateQueue(ctx, models.Queue{Name: "Support", Active: true})
	require.NoError(t, err)
	session, err := st.CreateSession(ctx, models.Session{Name: "Main", QueueIDs: []string{queue.QueueID}, DefaultQueueID: models.StringPtr(queue.QueueID)})
	require.NoError(t, err)

	ticket, err := st.CreateTicket(ctx, models.Ticket{ContactID: "c1", SessionID: session.SessionID, QueueID: models.StringPtr(queue.QueueID)})
	require.NoError(t, err)
	assert.ErrorIs(t, st.DeleteQueue(ctx, queue.QueueID), store.ErrQueueInUse)

	_, err = st.UpdateTicket(ctx, ticket.TicketID, func(tk *models.Ticket) error {
		tk.Release(models.ChatResolved)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, st.DeleteQueue(ctx, queue.QueueID))

	got, err := st.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Empty(t, got.QueueIDs)
	assert.Nil(t, got.DefaultQueueID)
}

func TestUpsertContactReportsNameChange(t *testing.T) {
	ctx := context.Background()
	st := New()
	contact, changed, err := st.UpsertContact(ctx, "628111", "")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "628111", contact.Name)

	again, changed, err := st.UpsertContact(ctx, "628111", "Sari")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, contact.ContactID, again.ContactID)
	assert.Equal(t, "Sari", again.Name)
}

func TestAgentActiveTicketsIsDerived(t *testing.T) {
	ctx := context.Background()
	st := New()
	agent, err := st.CreateAgent(ctx, models.Agent{Name: "Ana"})
	require.NoError(t, err)
	_, err = st.CreateTicket(ctx, models.Ticket{ContactID: "c1", SessionID: "s1", AgentID: models.StringPtr(agent.AgentID), ChatStatus: models.ChatAccepted})
	require.NoError(t, err)

	got, err := st.GetAgent(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActiveTickets)

	counts, err := st.CountAccepted(ctx, []string{agent.AgentID, "ghost"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{agent.AgentID: 1, "ghost": 0}, counts)
}

func TestAssignFromQueueRecordsPointer(t *testing.T) {
	ctx := context.Background()
	st := New()
	q, err := st.CreateQueue(ctx, models.Queue{Name: "support", Rotation: models.RotationRoundRobin})
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, err := st.CreateAgent(ctx, models.Agent{AgentID: id, Name: id})
		require.NoError(t, err)
		_, err = st.AddMember(ctx, q.QueueID, id)
		require.NoError(t, err)
	}
	ticket, err := st.CreateTicket(ctx, models.Ticket{ContactID: "c1", SessionID: "s1", QueueID: models.StringPtr(q.QueueID)})
	require.NoError(t, err)

	declined, agentID, err := st.AssignFromQueue(ctx, ticket.TicketID, q.QueueID, time.Now(), func(store.RoutingState, []store.MemberLoad) string { return "" })
	require.NoError(t, err)
	assert.Empty(t, agentID)
	assert.Nil(t, declined.AgentID)

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var seen []store.MemberLoad
	assigned, agentID, err := st.AssignFromQueue(ctx, ticket.TicketID, q.QueueID, at, func(state store.RoutingState, members []store.MemberLoad) string {
		seen = members
		return members[1].AgentID
	})
	require.NoError(t, err)
	assert.Equal(t, "b", agentID)
	assert.Equal(t, models.ChatAccepted, assigned.ChatStatus)
	assert.Equal(t, []store.MemberLoad{{AgentID: "a"}, {AgentID: "b"}}, seen)

	state, err := st.GetRoutingState(ctx, q.QueueID)
	require.NoError(t, err)
	assert.Equal(t, "b", state.LastAgentID)
	assert.Equal(t, at, state.LastAssigned["b"])

	_, _, err = st.AssignFromQueue(ctx, ticket.TicketID, q.QueueID, at, func(store.RoutingState, []store.MemberLoad) string { return "a" })
	assert.ErrorIs(t, err, store.ErrAlreadyAssigned)

	require.NoError(t, st.TouchRoutingState(ctx, q.QueueID, "a", at.Add(time.Minute)))
	state, err = st.GetRoutingState(ctx, q.QueueID)
	require.NoError(t, err)
	assert.Equal(t, "b", state.LastAgentID)
	assert.Equal(t, at.Add(time.Minute), state.LastAssigned["a"])
}
