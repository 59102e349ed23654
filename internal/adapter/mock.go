package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MockOptions struct {
	// AutoChallenge makes Open emit connected when credentials are supplied
	// and a challenge otherwise.
	AutoChallenge bool
	// PairAfter, when set, completes a pending challenge after the delay.
	PairAfter time.Duration
}

// Mock is an in-process adapter. It backs the service when no gateway is
// configured and lets tests script connection events.
type Mock struct {
	mu      sync.Mutex
	opts    MockOptions
	conns   map[string]*MockConn
	opens   map[string]int
	failing map[string]int
	openErr error
}

func NewMock(opts MockOptions) *Mock {
	return &Mock{
		opts:    opts,
		conns:   make(map[string]*MockConn),
		opens:   make(map[string]int),
		failing: make(map[string]int),
	}
}

// FailOpens makes the next n opens of sessionID fail.
func (m *Mock) FailOpens(sessionID string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[sessionID] = n
	m.openErr = err
}

func (m *Mock) Opens(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[sessionID]
}

// Conn returns the most recent connection opened for sessionID.
func (m *Mock) Conn(sessionID string) *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[sessionID]
}

func (m *Mock) Open(ctx context.Context, sessionID string, credentials []byte) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.opens[sessionID]++
	if m.failing[sessionID] > 0 {
		m.failing[sessionID]--
		err := m.openErr
		m.mu.Unlock()
		if err == nil {
			err = errors.New("mock open failure")
		}
		return nil, err
	}
	conn := &MockConn{
		sessionID:   sessionID,
		events:      make(chan Event, EventBuffer),
		credentials: append([]byte(nil), credentials...),
	}
	m.conns[sessionID] = conn
	opts := m.opts
	m.mu.Unlock()

	if opts.AutoChallenge {
		if len(credentials) > 0 {
			conn.Emit(Event{Kind: EventConnected, Credentials: credentials, Identity: "mock:" + sessionID})
		} else {
			conn.Emit(Event{Kind: EventChallenge, Challenge: conn.nextChallenge()})
			if opts.PairAfter > 0 {
				time.AfterFunc(opts.PairAfter, func() {
					conn.Emit(Event{Kind: EventConnected, Credentials: []byte(uuid.NewString()), Identity: "mock:" + sessionID})
				})
			}
		}
	}
	return conn, nil
}

type SentMessage struct {
	To         string
	Body       string
	ExternalID string
}

type MockConn struct {
	mu          sync.Mutex
	sessionID   string
	events      chan Event
	credentials []byte
	closed      bool
	challenges  int
	refreshes   int
	sent        []SentMessage
	sendErr     error
}

func (c *MockConn) Events() <-chan Event { return c.events }

// Emit queues ev unless the connection is closed or its buffer is full.
func (c *MockConn) Emit(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *MockConn) Credentials() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.credentials...)
}

func (c *MockConn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *MockConn) Send(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if c.sendErr != nil {
		return "", c.sendErr
	}
	id := uuid.NewString()
	c.sent = append(c.sent, SentMessage{To: to, Body: body, ExternalID: id})
	return id, nil
}

func (c *MockConn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

func (c *MockConn) RefreshChallenge(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.refreshes++
	c.mu.Unlock()
	c.Emit(Event{Kind: EventChallenge, Challenge: c.nextChallenge()})
	return nil
}

func (c *MockConn) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

func (c *MockConn) nextChallenge() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challenges++
	return fmt.Sprintf("mock-qr:%s:%d", c.sessionID, c.challenges)
}
