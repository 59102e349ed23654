package postgres

import (
	"context"
	"errors"
	"time"

	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/store"

	"github.com/jackc/pgx/v5"
)

// AssignFromQueue takes locks in a fixed order: routing state, member agents
// sorted by id, then the ticket.
func (s *Store) AssignFromQueue(ctx context.Context, ticketID, queueID string, at time.Time, choose store.AgentChooser) (models.Ticket, string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	state, err := lockQueueRoutingState(ctx, tx, queueID)
	if err != nil {
		return models.Ticket{}, "", err
	}
	members, err := lockMemberLoads(ctx, tx, queueID)
	if err != nil {
		return models.Ticket{}, "", err
	}

	ticket, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, "", err
	}
	if ticket.AgentID != nil {
		err = store.ErrAlreadyAssigned
		return models.Ticket{}, "", err
	}
	if ticket.ChatStatus != models.ChatWaiting {
		err = store.ErrInvalidState
		return models.Ticket{}, "", err
	}

	agentID := choose(state, members)
	if agentID == "" {
		if err = tx.Rollback(ctx); err != nil {
			return models.Ticket{}, "", err
		}
		return ticket, "", nil
	}

	ticket.Assign(agentID)
	updated, err := scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets
		SET agent_id = $2, chat_status = $3, updated_at = now()
		WHERE ticket_id = $1
		RETURNING `+ticketColumns,
		ticketID, agentID, string(ticket.ChatStatus)))
	if err != nil {
		return models.Ticket{}, "", err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE queue_routing_state SET last_agent_id = $2, updated_at = now() WHERE queue_id = $1
	`, queueID, agentID); err != nil {
		return models.Ticket{}, "", err
	}
	if err = touchAgentAssignment(ctx, tx, queueID, agentID, at); err != nil {
		return models.Ticket{}, "", err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, "", err
	}
	return updated, agentID, nil
}

func (s *Store) TouchRoutingState(ctx context.Context, queueID, agentID string, at time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if _, err = lockQueueRoutingState(ctx, tx, queueID); err != nil {
		return err
	}
	if err = touchAgentAssignment(ctx, tx, queueID, agentID, at); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetRoutingState(ctx context.Context, queueID string) (store.RoutingState, error) {
	if err := s.ensureQueue(ctx, queueID); err != nil {
		return store.RoutingState{}, err
	}
	state := store.RoutingState{QueueID: queueID, LastAssigned: make(map[string]time.Time)}
	err := s.pool.QueryRow(ctx, `SELECT last_agent_id FROM queue_routing_state WHERE queue_id = $1`, queueID).Scan(&state.LastAgentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return store.RoutingState{}, err
	}
	if err := loadAgentAssignments(ctx, s.pool, queueID, state.LastAssigned); err != nil {
		return store.RoutingState{}, err
	}
	return state, nil
}

func lockQueueRoutingState(ctx context.Context, tx pgx.Tx, queueID string) (store.RoutingState, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_routing_state (queue_id)
		SELECT queue_id FROM queues WHERE queue_id = $1
		ON CONFLICT (queue_id) DO NOTHING
	`, queueID)
	if err != nil {
		return store.RoutingState{}, err
	}

	state := store.RoutingState{QueueID: queueID, LastAssigned: make(map[string]time.Time)}
	row := tx.QueryRow(ctx, `
		SELECT last_agent_id
		FROM queue_routing_state
		WHERE queue_id = $1
		FOR UPDATE
	`, queueID)
	if err := row.Scan(&state.LastAgentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RoutingState{}, store.ErrQueueNotFound
		}
		return store.RoutingState{}, err
	}
	if err := loadAgentAssignments(ctx, tx, queueID, state.LastAssigned); err != nil {
		return store.RoutingState{}, err
	}
	return state, nil
}

// lockMemberLoads locks the member agent rows so assignments from other
// queues sharing an agent see each other's accepted counts.
func lockMemberLoads(ctx context.Context, tx pgx.Tx, queueID string) ([]store.MemberLoad, error) {
	if _, err := tx.Exec(ctx, `
		SELECT a.agent_id
		FROM agents a
		JOIN queue_members m ON m.agent_id = a.agent_id
		WHERE m.queue_id = $1
		ORDER BY a.agent_id
		FOR UPDATE OF a
	`, queueID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT m.agent_id,
			(SELECT COUNT(*) FROM tickets t WHERE t.agent_id = m.agent_id AND t.chat_status = 'accepted')
		FROM queue_members m
		WHERE m.queue_id = $1
		ORDER BY m.position ASC
	`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []store.MemberLoad
	for rows.Next() {
		var member store.MemberLoad
		if err := rows.Scan(&member.AgentID, &member.Accepted); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadAgentAssignments(ctx context.Context, q querier, queueID string, into map[string]time.Time) error {
	rows, err := q.Query(ctx, `
		SELECT agent_id, last_assigned_at FROM queue_agent_assignments WHERE queue_id = $1
	`, queueID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var agentID string
		var at time.Time
		if err := rows.Scan(&agentID, &at); err != nil {
			return err
		}
		into[agentID] = at.UTC()
	}
	return rows.Err()
}

func touchAgentAssignment(ctx context.Context, tx pgx.Tx, queueID, agentID string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_agent_assignments (queue_id, agent_id, last_assigned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (queue_id, agent_id) DO UPDATE SET last_assigned_at = EXCLUDED.last_assigned_at
	`, queueID, agentID, at)
	return err
}
