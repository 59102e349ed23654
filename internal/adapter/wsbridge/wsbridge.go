// Package wsbridge implements the connection adapter against an external
// messaging gateway that speaks JSON frames over a websocket per session.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"qms/inbox-service/internal/adapter"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	opOpen    = "open"
	opSend    = "send"
	opRefresh = "refresh"
	closeText = "session closed"

	eventSent = "sent"
)

// frame is the single wire shape used in both directions.
type frame struct {
	Op          string                  `json:"op,omitempty"`
	Event       string                  `json:"event,omitempty"`
	ID          string                  `json:"id,omitempty"`
	To          string                  `json:"to,omitempty"`
	Body        string                  `json:"body,omitempty"`
	QR          string                  `json:"qr,omitempty"`
	Credentials []byte                  `json:"credentials,omitempty"`
	Identity    string                  `json:"identity,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
	ExternalID  string                  `json:"external_id,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Message     *adapter.InboundMessage `json:"message,omitempty"`
	Ack         *adapter.Ack            `json:"ack,omitempty"`
}

type Options struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	Header       map[string]string
}

type Client struct {
	baseURL string
	dialer  *websocket.Dialer
	opts    Options
}

func New(baseURL string, opts Options) *Client {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	dialer := *websocket.DefaultDialer
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), dialer: &dialer, opts: opts}
}

func (c *Client) Open(ctx context.Context, sessionID string, credentials []byte) (adapter.Conn, error) {
	target := c.baseURL + "/sessions/" + url.PathEscape(sessionID)
	header := http.Header{}
	for key, value := range c.opts.Header {
		header.Set(key, value)
	}
	ws, _, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	conn := &Conn{
		sessionID:    sessionID,
		ws:           ws,
		events:       make(chan adapter.Event, adapter.EventBuffer),
		wake:         make(chan struct{}, 1),
		pending:      make(map[string]chan frame),
		done:         make(chan struct{}),
		writeTimeout: c.opts.WriteTimeout,
	}
	if err := conn.write(frame{Op: opOpen, Credentials: credentials}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	go conn.readLoop()
	go conn.pump()
	go conn.pingLoop(c.opts.PingInterval)
	return conn, nil
}

// Conn reads the gateway on its own goroutine and never waits on the
// consumer: events go to an unbounded backlog that pump feeds into the
// bounded channel, so send replies are read even while the consumer is busy.
type Conn struct {
	sessionID    string
	ws           *websocket.Conn
	events       chan adapter.Event
	backlogMu    sync.Mutex
	backlog      []adapter.Event
	readDone     bool
	wake         chan struct{}
	writeMu      sync.Mutex
	pendingMu    sync.Mutex
	pending      map[string]chan frame
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func (c *Conn) Events() <-chan adapter.Event { return c.events }

func (c *Conn) Send(ctx context.Context, to, body string) (string, error) {
	id := uuid.NewString()
	result := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = result
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(frame{Op: opSend, ID: id, To: to, Body: body}); err != nil {
		return "", err
	}
	select {
	case reply := <-result:
		if reply.Error != "" {
			return "", errors.New(reply.Error)
		}
		return reply.ExternalID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", adapter.ErrClosed
	}
}

func (c *Conn) RefreshChallenge(ctx context.Context) error {
	return c.write(frame{Op: opRefresh})
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeText), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(f frame) error {
	select {
	case <-c.done:
		return adapter.ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *Conn) readLoop() {
	defer c.finishReading()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				reason := "gateway connection lost"
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					reason = err.Error()
				}
				c.enqueue(adapter.Event{Kind: adapter.EventDisconnected, Reason: reason})
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("wsbridge session=%s decode frame: %v", c.sessionID, err)
			continue
		}
		if f.Event == eventSent {
			c.resolve(f)
			continue
		}
		event, ok := toEvent(f)
		if !ok {
			log.Printf("wsbridge session=%s unknown event %q", c.sessionID, f.Event)
			continue
		}
		c.enqueue(event)
	}
}

func (c *Conn) enqueue(event adapter.Event) {
	c.backlogMu.Lock()
	c.backlog = append(c.backlog, event)
	c.backlogMu.Unlock()
	c.signal()
}

func (c *Conn) finishReading() {
	c.backlogMu.Lock()
	c.readDone = true
	c.backlogMu.Unlock()
	c.signal()
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump moves backlog events into the events channel in order and closes it
// once the reader has stopped and the backlog is empty.
func (c *Conn) pump() {
	defer close(c.events)
	for {
		c.backlogMu.Lock()
		if len(c.backlog) == 0 {
			finished := c.readDone
			c.backlogMu.Unlock()
			if finished {
				return
			}
			select {
			case <-c.wake:
			case <-c.done:
				return
			}
			continue
		}
		event := c.backlog[0]
		c.backlog[0] = adapter.Event{}
		c.backlog = c.backlog[1:]
		c.backlogMu.Unlock()

		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

// resolve hands a send reply to its waiter. Replies for unknown or already
// answered ids are dropped.
func (c *Conn) resolve(f frame) {
	c.pendingMu.Lock()
	result, ok := c.pending[f.ID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case result <- f:
	default:
	}
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func toEvent(f frame) (adapter.Event, bool) {
	switch adapter.EventKind(f.Event) {
	case adapter.EventChallenge:
		return adapter.Event{Kind: adapter.EventChallenge, Challenge: f.QR}, f.QR != ""
	case adapter.EventConnected:
		return adapter.Event{Kind: adapter.EventConnected, Credentials: f.Credentials, Identity: f.Identity}, true
	case adapter.EventDisconnected:
		return adapter.Event{Kind: adapter.EventDisconnected, Reason: f.Reason}, true
	case adapter.EventLoggedOut:
		return adapter.Event{Kind: adapter.EventLoggedOut, Reason: f.Reason}, true
	case adapter.EventMessage:
		return adapter.Event{Kind: adapter.EventMessage, Message: f.Message}, f.Message != nil
	case adapter.EventAck:
		return adapter.Event{Kind: adapter.EventAck, Ack: f.Ack}, f.Ack != nil
	default:
		return adapter.Event{}, false
	}
}
