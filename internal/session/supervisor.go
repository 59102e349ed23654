// Package session runs the lifecycle of every messaging-network connection.
// Each session is owned by one worker goroutine; the Supervisor is the only
// way to reach it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"qms/inbox-service/internal/adapter"
	"qms/inbox-service/internal/hub"
	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/router"
	"qms/inbox-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotConnected   = errors.New("session not connected")
	ErrInvalidSession = errors.New("invalid session")
	ErrBusy           = errors.New("session is not disconnected")
	ErrClosed         = errors.New("session supervisor closed")
)

// Router receives the inbound traffic of connected sessions.
type Router interface {
	HandleInbound(ctx context.Context, session models.Session, msg adapter.InboundMessage) (router.Result, error)
	HandleAck(ctx context.Context, sessionID string, ack adapter.Ack) error
}

type Publisher interface {
	Publish(event hub.Event) error
}

type CredentialStore interface {
	Path(sessionID string) string
	Exists(sessionID string) bool
	Load(sessionID string) ([]byte, error)
	Save(sessionID string, data []byte) error
	Wipe(sessionID string) error
}

type Config struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	QRTimeout      time.Duration
	QRMaxRefresh   int
	RetryLimit     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AutoReconnect  bool
	AutoStart      bool
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.QRTimeout <= 0 {
		c.QRTimeout = 45 * time.Second
	}
	if c.QRMaxRefresh < 0 {
		c.QRMaxRefresh = 0
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	return c
}

// backoff returns the delay before retry attempt n (1-based).
func (c Config) backoff(attempt int) time.Duration {
	delay := c.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if delay > c.BackoffMax {
		return c.BackoffMax
	}
	return delay
}

// Input is a partial session definition. Nil fields are left unchanged.
type Input struct {
	Name           *string   `json:"name"`
	DefaultQueueID *string   `json:"default_queue_id"`
	QueueIDs       *[]string `json:"queue_ids"`
	AutoReconnect  *bool     `json:"auto_reconnect"`
}

type Supervisor struct {
	store   store.SessionStore
	adapter adapter.Adapter
	creds   CredentialStore
	router  Router
	hub     Publisher
	cfg     Config
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

func NewSupervisor(st store.SessionStore, conn adapter.Adapter, creds CredentialStore, rt Router, publisher Publisher, cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:   st,
		adapter: conn,
		creds:   creds,
		router:  rt,
		hub:     publisher,
		cfg:     cfg.withDefaults(),
		tracer:  otel.Tracer("inbox-service/session"),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
}

// Boot resets every persisted status to disconnected, spawns the workers and
// starts the sessions that have stored credentials when AutoStart is set.
func (s *Supervisor) Boot(ctx context.Context) error {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, stored := range sessions {
		session, err := s.store.UpdateSession(ctx, stored.SessionID, func(rec *models.Session) error {
			rec.Status = models.SessionDisconnected
			rec.QRCode = ""
			return nil
		})
		if err != nil {
			return fmt.Errorf("reset session %s: %w", stored.SessionID, err)
		}
		w, err := s.spawn(session)
		if err != nil {
			return err
		}
		if s.cfg.AutoStart && s.creds.Exists(session.SessionID) {
			if _, err := w.do(ctx, command{kind: cmdStart}); err != nil {
				log.Printf("session=%s autostart error=%v", session.SessionID, err)
			}
		}
	}
	log.Printf("session supervisor booted sessions=%d", len(sessions))
	return nil
}

func (s *Supervisor) spawn(session models.Session) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if w, ok := s.workers[session.SessionID]; ok {
		return w, nil
	}
	w := newWorker(s, session)
	s.workers[session.SessionID] = w
	go w.run()
	return w, nil
}

func (s *Supervisor) worker(sessionID string) (*worker, error) {
	s.mu.Lock()
	w, ok := s.workers[sessionID]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return w, nil
	}
	// Sessions created by another instance sharing the store.
	session, err := s.store.GetSession(s.ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.spawn(session)
}

func (s *Supervisor) Create(ctx context.Context, input Input) (models.Session, error) {
	name := ""
	if input.Name != nil {
		name = strings.TrimSpace(*input.Name)
	}
	if name == "" {
		return models.Session{}, fmt.Errorf("%w: name is required", ErrInvalidSession)
	}
	session := models.Session{
		Name:          name,
		Status:        models.SessionDisconnected,
		AutoReconnect: s.cfg.AutoReconnect,
	}
	applyInput(&session, input)
	session, err := s.store.CreateSession(ctx, session)
	if err != nil {
		return models.Session{}, err
	}
	session, err = s.store.UpdateSession(ctx, session.SessionID, func(rec *models.Session) error {
		rec.CredentialPath = s.creds.Path(rec.SessionID)
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	if _, err := s.spawn(session); err != nil {
		return models.Session{}, err
	}
	s.publishList(ctx, hub.SessionsActionCreate, session.SessionID)
	return session, nil
}

// Update changes the session's definition through its worker.
func (s *Supervisor) Update(ctx context.Context, sessionID string, input Input) (models.Session, error) {
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return models.Session{}, fmt.Errorf("%w: name is required", ErrInvalidSession)
	}
	w, err := s.worker(sessionID)
	if err != nil {
		return models.Session{}, err
	}
	session, err := w.do(ctx, command{kind: cmdUpdate, input: input})
	if err != nil {
		return models.Session{}, err
	}
	s.publishList(ctx, hub.SessionsActionUpdate, sessionID)
	return session, nil
}

func (s *Supervisor) Start(ctx context.Context, sessionID string) (models.Session, error) {
	return s.dispatch(ctx, sessionID, cmdStart)
}

func (s *Supervisor) Stop(ctx context.Context, sessionID string) (models.Session, error) {
	return s.dispatch(ctx, sessionID, cmdStop)
}

func (s *Supervisor) Restart(ctx context.Context, sessionID string) (models.Session, error) {
	return s.dispatch(ctx, sessionID, cmdRestart)
}

// Delete removes a disconnected session and wipes its credentials.
func (s *Supervisor) Delete(ctx context.Context, sessionID string) error {
	w, err := s.worker(sessionID)
	if err != nil {
		return err
	}
	if _, err := w.do(ctx, command{kind: cmdDelete}); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.workers, sessionID)
	s.mu.Unlock()
	s.publishList(ctx, hub.SessionsActionDelete, sessionID)
	return nil
}

func (s *Supervisor) dispatch(ctx context.Context, sessionID, kind string) (models.Session, error) {
	w, err := s.worker(sessionID)
	if err != nil {
		return models.Session{}, err
	}
	return w.do(ctx, command{kind: kind})
}

func (s *Supervisor) Get(ctx context.Context, sessionID string) (models.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

func (s *Supervisor) List(ctx context.Context) ([]models.Session, error) {
	return s.store.ListSessions(ctx)
}

// QR returns the current challenge payload and status of the session.
func (s *Supervisor) QR(ctx context.Context, sessionID string) (string, models.SessionStatus, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", "", err
	}
	return session.QRCode, models.ParseSessionStatus(string(session.Status)), nil
}

// Send delivers an outbound message through a connected session. It does
// not go through the session worker, so it is safe to call while that
// worker is dispatching an inbound message.
func (s *Supervisor) Send(ctx context.Context, sessionID, to, body string) (string, error) {
	s.mu.Lock()
	w, ok := s.workers[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, sessionID)
	}
	conn := w.liveConn()
	if conn == nil {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, sessionID)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	id, err := conn.Send(ctx, to, body)
	if errors.Is(err, adapter.ErrClosed) || errors.Is(err, adapter.ErrNotConnected) {
		return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return id, err
}

// Close stops every worker, closing open connections, and waits for pending
// credential writes.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.shutdown()
	}
	s.cancel()
}

func (s *Supervisor) publishList(ctx context.Context, action, sessionID string) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		log.Printf("sessions-update list error=%v", err)
		sessions = nil
	}
	s.publish(hub.SessionsUpdate{Action: action, SessionID: sessionID, Sessions: sessions})
}

func (s *Supervisor) publish(event hub.Event) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Publish(event); err != nil {
		log.Printf("publish %s error=%v", event.EventType(), err)
	}
}

func applyInput(session *models.Session, input Input) {
	if input.Name != nil {
		session.Name = strings.TrimSpace(*input.Name)
	}
	if input.DefaultQueueID != nil {
		session.DefaultQueueID = models.StringPtr(strings.TrimSpace(*input.DefaultQueueID))
	}
	if input.QueueIDs != nil {
		session.QueueIDs = append([]string(nil), (*input.QueueIDs)...)
	}
	if input.AutoReconnect != nil {
		session.AutoReconnect = *input.AutoReconnect
	}
	if id := models.StringValue(session.DefaultQueueID); id != "" && !contains(session.QueueIDs, id) {
		session.QueueIDs = append(session.QueueIDs, id)
	}
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
