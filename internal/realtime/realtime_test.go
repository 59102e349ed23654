package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qms/inbox-service/internal/hub"
	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/store/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sockConn speaks the raw SockJS websocket transport.
type sockConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, query string) *sockConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Prefix + "/000/abcdefgh/websocket" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	c := &sockConn{t: t, ws: ws}
	require.Equal(t, "o", c.read())
	return c
}

func (c *sockConn) read() string {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	return string(data)
}

// next returns the next application frame as an envelope.
func (c *sockConn) next() hub.Envelope {
	c.t.Helper()
	for {
		frame := c.read()
		if frame == "h" {
			continue
		}
		require.True(c.t, strings.HasPrefix(frame, "a"), "unexpected frame %q", frame)
		var messages []string
		require.NoError(c.t, json.Unmarshal([]byte(frame[1:]), &messages))
		require.Len(c.t, messages, 1)
		var env hub.Envelope
		require.NoError(c.t, json.Unmarshal([]byte(messages[0]), &env))
		return env
	}
}

func (c *sockConn) send(v any) {
	c.t.Helper()
	inner, err := json.Marshal(v)
	require.NoError(c.t, err)
	outer, err := json.Marshal([]string{string(inner)})
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, outer))
}

func newServer(t *testing.T, opts Options) (*hub.Hub, *memory.Store, *httptest.Server) {
	t.Helper()
	h := hub.New()
	st := memory.New()
	srv := httptest.NewServer(New(h, st, opts).Handler())
	t.Cleanup(srv.Close)
	return h, st, srv
}

func TestSubscribeReceivesTopicEvents(t *testing.T) {
	h, _, srv := newServer(t, Options{})
	conn := dial(t, srv, "")

	conn.send(hub.ClientMessage{Action: hub.ActionSubscribe, Topic: hub.SessionTopic("s1")})
	// a sync round-trip guarantees the subscription is registered
	conn.send(hub.ClientMessage{Action: hub.ActionSync})
	require.Equal(t, TypeStateSnapshot, conn.next().Type)

	require.NoError(t, h.Publish(hub.SessionStatusUpdate{SessionID: "s2", Status: models.SessionConnected}))
	require.NoError(t, h.Publish(hub.SessionStatusUpdate{SessionID: "s1", Status: models.SessionConnected}))

	env := conn.next()
	assert.Equal(t, hub.TypeSessionStatusUpdate, env.Type)
	var update hub.SessionStatusUpdate
	require.NoError(t, json.Unmarshal(env.Payload, &update))
	assert.Equal(t, "s1", update.SessionID)
}

func TestSyncReturnsSnapshot(t *testing.T) {
	_, st, srv := newServer(t, Options{})
	ctx := context.Background()
	_, err := st.CreateSession(ctx, models.Session{Name: "main"})
	require.NoError(t, err)
	_, err = st.CreateQueue(ctx, models.Queue{Name: "Sales", Active: true, Rotation: models.RotationRoundRobin})
	require.NoError(t, err)
	_, err = st.CreateTicket(ctx, models.Ticket{ContactID: "c1", SessionID: "s1"})
	require.NoError(t, err)

	conn := dial(t, srv, "")
	conn.send(hub.ClientMessage{Action: hub.ActionSync})
	env := conn.next()
	require.Equal(t, TypeStateSnapshot, env.Type)

	var snapshot Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snapshot))
	assert.Len(t, snapshot.Sessions, 1)
	assert.Len(t, snapshot.Queues, 1)
	assert.Len(t, snapshot.Tickets, 1)
}

func TestInvalidTopicReturnsError(t *testing.T) {
	_, _, srv := newServer(t, Options{})
	conn := dial(t, srv, "")

	conn.send(hub.ClientMessage{Action: hub.ActionSubscribe, Topic: "everything"})
	assert.Equal(t, TypeError, conn.next().Type)
	conn.send(map[string]string{"action": "dance"})
	assert.Equal(t, TypeError, conn.next().Type)
}

func TestUnauthorizedConnectionIsClosed(t *testing.T) {
	_, _, srv := newServer(t, Options{Authorize: func(token string) bool { return token == "letmein" }})

	conn := dial(t, srv, "")
	assert.Equal(t, `c[4001,"unauthorized"]`, conn.read())

	ok := dial(t, srv, "?token=letmein")
	ok.send(hub.ClientMessage{Action: hub.ActionSync})
	assert.Equal(t, TypeStateSnapshot, ok.next().Type)
}
