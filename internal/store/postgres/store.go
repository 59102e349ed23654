package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `
	s.session_id, s.name, s.identity, s.status, s.qr_code, s.default_queue_id,
	COALESCE((SELECT array_agg(sq.queue_id ORDER BY sq.queue_id) FROM session_queues sq WHERE sq.session_id = s.session_id), '{}'),
	s.credential_path, s.auto_reconnect, s.last_error, s.created_at, s.updated_at`

func scanSession(row rowScanner) (models.Session, error) {
	var session models.Session
	var status string
	var defaultQueue sql.NullString
	if err := row.Scan(&session.SessionID, &session.Name, &session.Identity, &status, &session.QRCode, &defaultQueue,
		&session.QueueIDs, &session.CredentialPath, &session.AutoReconnect, &session.LastError, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return models.Session{}, err
	}
	session.Status = models.ParseSessionStatus(status)
	session.DefaultQueueID = nullStringPtr(defaultQueue)
	if session.QueueIDs == nil {
		session.QueueIDs = []string{}
	}
	return session, nil
}

func (s *Store) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if session.SessionID == "" {
		session.SessionID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = models.SessionDisconnected
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (session_id, name, identity, status, qr_code, default_queue_id, credential_path, auto_reconnect, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, session.SessionID, session.Name, session.Identity, string(session.Status), session.QRCode, nullIfEmpty(models.StringValue(session.DefaultQueueID)),
		session.CredentialPath, session.AutoReconnect, session.LastError, now)
	if err != nil {
		return models.Session{}, err
	}
	if err = replaceSessionQueues(ctx, tx, session.SessionID, session.QueueIDs); err != nil {
		return models.Session{}, err
	}

	created, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = $1`, session.SessionID))
	if err != nil {
		return models.Session{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Session{}, err
	}
	return created, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions s ORDER BY s.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn store.SessionMutation) (models.Session, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	session, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = $1 FOR UPDATE`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	if err = fn(&session); err != nil {
		return models.Session{}, err
	}
	session.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE sessions
		SET name = $2, identity = $3, status = $4, qr_code = $5, default_queue_id = $6,
			credential_path = $7, auto_reconnect = $8, last_error = $9, updated_at = $10
		WHERE session_id = $1
	`, sessionID, session.Name, session.Identity, string(session.Status), session.QRCode, nullIfEmpty(models.StringValue(session.DefaultQueueID)),
		session.CredentialPath, session.AutoReconnect, session.LastError, session.UpdatedAt)
	if err != nil {
		return models.Session{}, err
	}
	if err = replaceSessionQueues(ctx, tx, sessionID, session.QueueIDs); err != nil {
		return models.Session{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func replaceSessionQueues(ctx context.Context, tx pgx.Tx, sessionID string, queueIDs []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM session_queues WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	for _, queueID := range queueIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO session_queues (session_id, queue_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, sessionID, queueID); err != nil {
			return err
		}
	}
	return nil
}

const queueColumns = `queue_id, name, color, rotation, capacity_per_agent, active_hours, auto_assign, bot_order, greeting, active, archived, created_at, updated_at`

func scanQueue(row rowScanner) (models.Queue, error) {
	var queue models.Queue
	var rotation string
	var hours []byte
	if err := row.Scan(&queue.QueueID, &queue.Name, &queue.Color, &rotation, &queue.CapacityPerAgent, &hours,
		&queue.AutoAssign, &queue.BotOrder, &queue.Greeting, &queue.Active, &queue.Archived, &queue.CreatedAt, &queue.UpdatedAt); err != nil {
		return models.Queue{}, err
	}
	queue.Rotation = models.RotationPolicy(rotation)
	if len(hours) > 0 && string(hours) != "null" {
		var window models.HoursWindow
		if err := json.Unmarshal(hours, &window); err != nil {
			return models.Queue{}, fmt.Errorf("decode active hours: %w", err)
		}
		queue.ActiveHours = &window
	}
	return queue, nil
}

func encodeHours(window *models.HoursWindow) (any, error) {
	if window == nil {
		return nil, nil
	}
	data, err := json.Marshal(window)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *Store) CreateQueue(ctx context.Context, queue models.Queue) (models.Queue, error) {
	if queue.QueueID == "" {
		queue.QueueID = uuid.NewString()
	}
	hours, err := encodeHours(queue.ActiveHours)
	if err != nil {
		return models.Queue{}, err
	}
	now := time.Now().UTC()
	return scanQueue(s.pool.QueryRow(ctx, `
		INSERT INTO queues (queue_id, name, color, rotation, capacity_per_agent, active_hours, auto_assign, bot_order, greeting, active, archived, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10,$11,$12,$12)
		RETURNING `+queueColumns,
		queue.QueueID, queue.Name, queue.Color, string(queue.Rotation), queue.CapacityPerAgent, hours,
		queue.AutoAssign, queue.BotOrder, queue.Greeting, queue.Active, queue.Archived, now))
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	queue, err := scanQueue(s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE queue_id = $1`, queueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func (s *Store) ListQueues(ctx context.Context, includeArchived bool) ([]models.Queue, error) {
	query := `SELECT ` + queueColumns + ` FROM queues`
	if !includeArchived {
		query += ` WHERE archived = FALSE`
	}
	query += ` ORDER BY bot_order ASC, created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	queues := []models.Queue{}
	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return queues, nil
}

func (s *Store) UpdateQueue(ctx context.Context, queueID string, fn store.QueueMutation) (models.Queue, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Queue{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := scanQueue(tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE queue_id = $1 FOR UPDATE`, queueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	if err = fn(&queue); err != nil {
		return models.Queue{}, err
	}
	hours, err := encodeHours(queue.ActiveHours)
	if err != nil {
		return models.Queue{}, err
	}
	updated, err := scanQueue(tx.QueryRow(ctx, `
		UPDATE queues
		SET name = $2, color = $3, rotation = $4, capacity_per_agent = $5, active_hours = $6::jsonb,
			auto_assign = $7, bot_order = $8, greeting = $9, active = $10, archived = $11, updated_at = now()
		WHERE queue_id = $1
		RETURNING `+queueColumns,
		queueID, queue.Name, queue.Color, string(queue.Rotation), queue.CapacityPerAgent, hours,
		queue.AutoAssign, queue.BotOrder, queue.Greeting, queue.Active, queue.Archived))
	if err != nil {
		return models.Queue{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Queue{}, err
	}
	return updated, nil
}

func (s *Store) DeleteQueue(ctx context.Context, queueID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var exists bool
	if err = tx.QueryRow(ctx, `SELECT TRUE FROM queues WHERE queue_id = $1 FOR UPDATE`, queueID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueNotFound
		}
		return err
	}
	var open int
	if err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE queue_id = $1 AND chat_status IN ('waiting','accepted')
	`, queueID).Scan(&open); err != nil {
		return err
	}
	if open > 0 {
		err = store.ErrQueueInUse
		return err
	}
	if _, err = tx.Exec(ctx, `UPDATE sessions SET default_queue_id = NULL WHERE default_queue_id = $1`, queueID); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM queues WHERE queue_id = $1`, queueID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) AddMember(ctx context.Context, queueID, agentID string) (models.QueueMembership, error) {
	if err := s.ensureQueue(ctx, queueID); err != nil {
		return models.QueueMembership{}, err
	}
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return models.QueueMembership{}, err
	}
	var member models.QueueMembership
	row := s.pool.QueryRow(ctx, `
		INSERT INTO queue_members (queue_id, agent_id, position)
		VALUES ($1, $2, (SELECT COALESCE(MAX(position) + 1, 0) FROM queue_members WHERE queue_id = $1))
		ON CONFLICT (queue_id, agent_id) DO UPDATE SET queue_id = EXCLUDED.queue_id
		RETURNING queue_id, agent_id, position, created_at
	`, queueID, agentID)
	if err := row.Scan(&member.QueueID, &member.AgentID, &member.Position, &member.CreatedAt); err != nil {
		return models.QueueMembership{}, err
	}
	return member, nil
}

func (s *Store) RemoveMember(ctx context.Context, queueID, agentID string) error {
	if err := s.ensureQueue(ctx, queueID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_members WHERE queue_id = $1 AND agent_id = $2`, queueID, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAgentNotFound
	}
	return nil
}

func (s *Store) ListMembers(ctx context.Context, queueID string) ([]models.QueueMembership, error) {
	if err := s.ensureQueue(ctx, queueID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT queue_id, agent_id, position, created_at
		FROM queue_members
		WHERE queue_id = $1
		ORDER BY position ASC
	`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.QueueMembership
	for rows.Next() {
		var member models.QueueMembership
		if err := rows.Scan(&member.QueueID, &member.AgentID, &member.Position, &member.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Store) ListAgentQueues(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT queue_id FROM queue_members WHERE agent_id = $1 ORDER BY queue_id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queueIDs []string
	for rows.Next() {
		var queueID string
		if err := rows.Scan(&queueID); err != nil {
			return nil, err
		}
		queueIDs = append(queueIDs, queueID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return queueIDs, nil
}

func (s *Store) ensureQueue(ctx context.Context, queueID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT TRUE FROM queues WHERE queue_id = $1`, queueID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrQueueNotFound
	}
	return err
}

const agentSelect = `
	SELECT a.agent_id, a.name, a.created_at,
		(SELECT COUNT(*) FROM tickets t WHERE t.agent_id = a.agent_id AND t.chat_status = 'accepted')
	FROM agents a`

func scanAgent(row rowScanner) (models.Agent, error) {
	var agent models.Agent
	if err := row.Scan(&agent.AgentID, &agent.Name, &agent.CreatedAt, &agent.ActiveTickets); err != nil {
		return models.Agent{}, err
	}
	return agent, nil
}

func (s *Store) CreateAgent(ctx context.Context, agent models.Agent) (models.Agent, error) {
	if agent.AgentID == "" {
		agent.AgentID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (agent_id, name) VALUES ($1, $2)
		RETURNING created_at
	`, agent.AgentID, agent.Name)
	if err := row.Scan(&agent.CreatedAt); err != nil {
		return models.Agent{}, err
	}
	agent.ActiveTickets = 0
	return agent, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (models.Agent, error) {
	agent, err := scanAgent(s.pool.QueryRow(ctx, agentSelect+` WHERE a.agent_id = $1`, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Agent{}, store.ErrAgentNotFound
		}
		return models.Agent{}, err
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, agentSelect+` ORDER BY a.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := []models.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return agents, nil
}

func (s *Store) CountAccepted(ctx context.Context, agentIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(agentIDs))
	for _, id := range agentIDs {
		counts[id] = 0
	}
	if len(agentIDs) == 0 {
		return counts, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, COUNT(*)
		FROM tickets
		WHERE chat_status = 'accepted' AND agent_id = ANY($1)
		GROUP BY agent_id
	`, agentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

const ticketColumns = `ticket_id, contact_id, session_id, queue_id, agent_id, last_agent_id, chat_status, priority, last_message, unread_count, created_at, updated_at`

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var queueID, agentID, lastAgentID sql.NullString
	var status string
	if err := row.Scan(&ticket.TicketID, &ticket.ContactID, &ticket.SessionID, &queueID, &agentID, &lastAgentID,
		&status, &ticket.Priority, &ticket.LastMessage, &ticket.UnreadCount, &ticket.CreatedAt, &ticket.UpdatedAt); err != nil {
		return models.Ticket{}, err
	}
	ticket.QueueID = nullStringPtr(queueID)
	ticket.AgentID = nullStringPtr(agentID)
	ticket.LastAgentID = nullStringPtr(lastAgentID)
	ticket.ChatStatus = models.ChatStatus(status)
	return ticket, nil
}

func (s *Store) CreateTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	if ticket.ChatStatus == "" {
		ticket.ChatStatus = models.ChatWaiting
	}
	if !ticket.Consistent() {
		return models.Ticket{}, store.ErrInvalidState
	}
	return scanTicket(s.pool.QueryRow(ctx, `
		INSERT INTO tickets (ticket_id, contact_id, session_id, queue_id, agent_id, last_agent_id, chat_status, priority, last_message, unread_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+ticketColumns,
		ticket.TicketID, ticket.ContactID, ticket.SessionID, nullIfEmpty(models.StringValue(ticket.QueueID)),
		nullIfEmpty(models.StringValue(ticket.AgentID)), nullIfEmpty(models.StringValue(ticket.LastAgentID)),
		string(ticket.ChatStatus), ticket.Priority, ticket.LastMessage, ticket.UnreadCount))
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) FindLatestTicket(ctx context.Context, contactID, sessionID string) (models.Ticket, bool, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE contact_id = $1 AND session_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, contactID, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	var conditions []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.QueueID != "" {
		add("queue_id = $%d", filter.QueueID)
	}
	if filter.SessionID != "" {
		add("session_id = $%d", filter.SessionID)
	}
	if filter.AgentID != "" {
		add("agent_id = $%d", filter.AgentID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		add("chat_status = ANY($%d)", statuses)
	}
	if filter.Unassigned {
		conditions = append(conditions, "agent_id IS NULL")
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

// UpdateTicket serializes concurrent mutations of one ticket on its row lock,
// so a mutation that checks the current assignment sees the committed state.
func (s *Store) UpdateTicket(ctx context.Context, ticketID string, fn store.TicketMutation) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	if err = fn(&ticket); err != nil {
		return models.Ticket{}, err
	}
	if !ticket.Consistent() {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}
	updated, err := scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets
		SET queue_id = $2, agent_id = $3, last_agent_id = $4, chat_status = $5, priority = $6,
			last_message = $7, unread_count = $8, updated_at = now()
		WHERE ticket_id = $1
		RETURNING `+ticketColumns,
		ticketID, nullIfEmpty(models.StringValue(ticket.QueueID)), nullIfEmpty(models.StringValue(ticket.AgentID)),
		nullIfEmpty(models.StringValue(ticket.LastAgentID)), string(ticket.ChatStatus), ticket.Priority,
		ticket.LastMessage, ticket.UnreadCount))
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return updated, nil
}

const messageColumns = `message_id, ticket_id, session_id, contact_id, from_me, body, ack, external_id, created_at`

func scanMessage(row rowScanner) (models.Message, error) {
	var message models.Message
	if err := row.Scan(&message.MessageID, &message.TicketID, &message.SessionID, &message.ContactID,
		&message.FromMe, &message.Body, &message.Ack, &message.ExternalID, &message.CreatedAt); err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (s *Store) AppendMessage(ctx context.Context, message models.Message) (models.Message, error) {
	if message.MessageID == "" {
		message.MessageID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if _, err := s.GetTicket(ctx, message.TicketID); err != nil {
		return models.Message{}, err
	}
	return scanMessage(s.pool.QueryRow(ctx, `
		INSERT INTO messages (message_id, ticket_id, session_id, contact_id, from_me, body, ack, external_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+messageColumns,
		message.MessageID, message.TicketID, message.SessionID, message.ContactID, message.FromMe,
		message.Body, message.Ack, message.ExternalID, message.CreatedAt))
}

func (s *Store) ListMessages(ctx context.Context, ticketID string, limit int) ([]models.Message, error) {
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM messages WHERE ticket_id = $1 ORDER BY created_at DESC`
	args := []any{ticketID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	query += `) recent ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// UpdateMessageAck never lowers an ack level.
func (s *Store) UpdateMessageAck(ctx context.Context, sessionID, externalID string, ack int) (models.Message, error) {
	message, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE messages
		SET ack = GREATEST(ack, $3)
		WHERE message_id = (
			SELECT message_id FROM messages WHERE session_id = $1 AND external_id = $2
			ORDER BY created_at DESC LIMIT 1
		)
		RETURNING `+messageColumns,
		sessionID, externalID, ack))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Message{}, store.ErrMessageNotFound
		}
		return models.Message{}, err
	}
	return message, nil
}

func (s *Store) UpsertContact(ctx context.Context, number, name string) (models.Contact, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Contact{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	initial := name
	if initial == "" {
		initial = number
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO contacts (contact_id, number, name) VALUES ($1, $2, $3)
		ON CONFLICT (number) DO NOTHING
	`, uuid.NewString(), number, initial)
	if err != nil {
		return models.Contact{}, false, err
	}

	var contact models.Contact
	row := tx.QueryRow(ctx, `
		SELECT contact_id, number, name, created_at, updated_at
		FROM contacts WHERE number = $1
		FOR UPDATE
	`, number)
	if err = row.Scan(&contact.ContactID, &contact.Number, &contact.Name, &contact.CreatedAt, &contact.UpdatedAt); err != nil {
		return models.Contact{}, false, err
	}

	changed := false
	if name != "" && name != contact.Name {
		row = tx.QueryRow(ctx, `
			UPDATE contacts SET name = $2, updated_at = now()
			WHERE contact_id = $1
			RETURNING updated_at
		`, contact.ContactID, name)
		if err = row.Scan(&contact.UpdatedAt); err != nil {
			return models.Contact{}, false, err
		}
		contact.Name = name
		changed = true
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Contact{}, false, err
	}
	return contact, changed, nil
}

func (s *Store) GetContact(ctx context.Context, contactID string) (models.Contact, error) {
	var contact models.Contact
	row := s.pool.QueryRow(ctx, `
		SELECT contact_id, number, name, created_at, updated_at
		FROM contacts WHERE contact_id = $1
	`, contactID)
	if err := row.Scan(&contact.ContactID, &contact.Number, &contact.Name, &contact.CreatedAt, &contact.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Contact{}, store.ErrContactNotFound
		}
		return models.Contact{}, err
	}
	return contact, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
