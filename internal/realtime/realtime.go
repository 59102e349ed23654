// Package realtime binds dashboard connections to the hub over SockJS.
//
// Clients send {"action":"subscribe","topics":[...]},
// {"action":"unsubscribe"} or {"action":"sync"}; the server pushes hub
// envelopes and answers sync with a state-snapshot frame.
package realtime

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"strings"
	"time"

	"qms/inbox-service/internal/hub"
	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/store"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const (
	TypeStateSnapshot = "state-snapshot"
	TypeError         = "error"

	Prefix = "/realtime"
)

var openConnections = expvar.NewInt("realtime_connections")

// Snapshot is the full state a client needs to reconcile after missing
// events.
type Snapshot struct {
	Sessions []models.Session `json:"sessions"`
	Queues   []models.Queue   `json:"queues"`
	Tickets  []models.Ticket  `json:"tickets"`
}

// BuildSnapshot collects sessions, active queues and open tickets.
func BuildSnapshot(ctx context.Context, st store.Store) (Snapshot, error) {
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	queues, err := st.ListQueues(ctx, false)
	if err != nil {
		return Snapshot{}, err
	}
	tickets, err := st.ListTickets(ctx, store.TicketFilter{
		Statuses: []models.ChatStatus{models.ChatWaiting, models.ChatAccepted},
	})
	if err != nil {
		return Snapshot{}, err
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	if queues == nil {
		queues = []models.Queue{}
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return Snapshot{Sessions: sessions, Queues: queues, Tickets: tickets}, nil
}

type Options struct {
	// Authorize checks the bearer or ?token= credential. Nil accepts all.
	Authorize  func(token string) bool
	SendBuffer int
}

type Server struct {
	hub   *hub.Hub
	store store.Store
	opts  Options
	now   func() time.Time
}

func New(h *hub.Hub, st store.Store, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	return &Server{hub: h, store: st, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// Handler serves the SockJS endpoint under Prefix.
func (s *Server) Handler() http.Handler {
	return sockjs.NewHandler(Prefix, sockjs.DefaultOptions, s.serve)
}

func (s *Server) serve(session sockjs.Session) {
	if s.opts.Authorize != nil && !s.opts.Authorize(tokenFromRequest(session.Request())) {
		_ = session.Close(4001, "unauthorized")
		return
	}

	client := hub.NewClient(uuid.NewString(), s.opts.SendBuffer)
	s.hub.Register(client)
	defer s.hub.Unregister(client)
	openConnections.Add(1)
	defer openConnections.Add(-1)

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		if reply := s.handleMessage(context.Background(), client, []byte(msg)); reply != nil {
			if err := session.Send(string(reply)); err != nil {
				return
			}
		}
	}
}

// handleMessage applies one client frame and returns the direct reply, if
// any.
func (s *Server) handleMessage(ctx context.Context, client *hub.Client, data []byte) []byte {
	msg, ok := hub.ParseClientMessage(data)
	if !ok {
		return s.frame(TypeError, map[string]string{"message": "unrecognized message"})
	}
	switch msg.Action {
	case hub.ActionSubscribe:
		if err := s.hub.Subscribe(client, msg.Topics...); err != nil {
			return s.frame(TypeError, map[string]string{"message": err.Error()})
		}
	case hub.ActionUnsubscribe:
		s.hub.Unsubscribe(client, msg.Topics...)
	case hub.ActionSync:
		snapshot, err := BuildSnapshot(ctx, s.store)
		if err != nil {
			log.Printf("realtime snapshot client=%s error=%v", client.ID, err)
			return s.frame(TypeError, map[string]string{"message": "snapshot unavailable"})
		}
		return s.frame(TypeStateSnapshot, snapshot)
	}
	return nil
}

func (s *Server) frame(frameType string, payload any) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	raw, err := json.Marshal(hub.Envelope{Type: frameType, Payload: body, CreatedAt: s.now()})
	if err != nil {
		return nil
	}
	return raw
}

func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
