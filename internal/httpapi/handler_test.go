package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/queue"
	"qms/inbox-service/internal/realtime"
	"qms/inbox-service/internal/router"
	"qms/inbox-service/internal/session"
	"qms/inbox-service/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type fakeSessions struct {
	SessionService
	createFn func(ctx context.Context, input session.Input) (models.Session, error)
	startFn  func(ctx context.Context, sessionID string) (models.Session, error)
	deleteFn func(ctx context.Context, sessionID string) error
	qrFn     func(ctx context.Context, sessionID string) (string, models.SessionStatus, error)
}

func (f fakeSessions) Create(ctx context.Context, input session.Input) (models.Session, error) {
	return f.createFn(ctx, input)
}

func (f fakeSessions) Start(ctx context.Context, sessionID string) (models.Session, error) {
	return f.startFn(ctx, sessionID)
}

func (f fakeSessions) Delete(ctx context.Context, sessionID string) error {
	return f.deleteFn(ctx, sessionID)
}

func (f fakeSessions) QR(ctx context.Context, sessionID string) (string, models.SessionStatus, error) {
	return f.qrFn(ctx, sessionID)
}

type fakeQueues struct {
	QueueService
	createFn func(ctx context.Context, input queue.Input) (models.Queue, error)
	deleteFn func(ctx context.Context, queueID string) error
	bulkFn   func(ctx context.Context, action string, queueIDs []string) ([]queue.BulkResult, error)
	addFn    func(ctx context.Context, queueID, agentID string) (models.QueueMembership, error)
}

func (f fakeQueues) Create(ctx context.Context, input queue.Input) (models.Queue, error) {
	return f.createFn(ctx, input)
}

func (f fakeQueues) Delete(ctx context.Context, queueID string) error {
	return f.deleteFn(ctx, queueID)
}

func (f fakeQueues) Bulk(ctx context.Context, action string, queueIDs []string) ([]queue.BulkResult, error) {
	return f.bulkFn(ctx, action, queueIDs)
}

func (f fakeQueues) AddAgent(ctx context.Context, queueID, agentID string) (models.QueueMembership, error) {
	return f.addFn(ctx, queueID, agentID)
}

type fakeTickets struct {
	TicketService
	acceptFn   func(ctx context.Context, ticketID, agentID string) (models.Ticket, error)
	transferFn func(ctx context.Context, ticketID string, target router.Target) (models.Ticket, error)
	replyFn    func(ctx context.Context, ticketID, agentID, body string) (models.Message, error)
}

func (f fakeTickets) Accept(ctx context.Context, ticketID, agentID string) (models.Ticket, error) {
	return f.acceptFn(ctx, ticketID, agentID)
}

func (f fakeTickets) Transfer(ctx context.Context, ticketID string, target router.Target) (models.Ticket, error) {
	return f.transferFn(ctx, ticketID, target)
}

func (f fakeTickets) Reply(ctx context.Context, ticketID, agentID, body string) (models.Message, error) {
	return f.replyFn(ctx, ticketID, agentID, body)
}

type fakeRecords struct {
	RecordStore
	listTicketsFn func(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
	getTicketFn   func(ctx context.Context, ticketID string) (models.Ticket, error)
}

func (f fakeRecords) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	return f.listTicketsFn(ctx, filter)
}

func (f fakeRecords) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return f.getTicketFn(ctx, ticketID)
}

func serve(h *Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-Request-ID", "req-1")
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return out
}

func TestCreateSessionSuccess(t *testing.T) {
	h := NewHandler(Deps{Sessions: fakeSessions{
		createFn: func(ctx context.Context, input session.Input) (models.Session, error) {
			if input.Name == nil || *input.Name != "support" {
				t.Fatalf("unexpected input %+v", input)
			}
			return models.Session{SessionID: "s1", Name: *input.Name, Status: models.SessionDisconnected}, nil
		},
	}})

	resp := serve(h, http.MethodPost, "/api/sessions", map[string]string{"name": "support"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}
}

func TestCreateSessionRejectsUnknownFields(t *testing.T) {
	h := NewHandler(Deps{Sessions: fakeSessions{}})

	resp := serve(h, http.MethodPost, "/api/sessions", map[string]string{"nickname": "x"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if got := decodeError(t, resp); got.Error.Code != "invalid_json" || got.RequestID != "req-1" {
		t.Fatalf("unexpected error body %+v", got)
	}
}

func TestDeleteBusySessionConflicts(t *testing.T) {
	h := NewHandler(Deps{Sessions: fakeSessions{
		deleteFn: func(ctx context.Context, sessionID string) error { return session.ErrBusy },
	}})

	resp := serve(h, http.MethodDelete, "/api/sessions/s1", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	if got := decodeError(t, resp); got.Error.Code != "session_busy" {
		t.Fatalf("expected session_busy, got %s", got.Error.Code)
	}
}

func TestSessionLifecycleAndQR(t *testing.T) {
	h := NewHandler(Deps{Sessions: fakeSessions{
		startFn: func(ctx context.Context, sessionID string) (models.Session, error) {
			return models.Session{SessionID: sessionID, Status: models.SessionStarting}, nil
		},
		qrFn: func(ctx context.Context, sessionID string) (string, models.SessionStatus, error) {
			return "qr-payload", models.SessionQRReady, nil
		},
	}})

	if resp := serve(h, http.MethodPost, "/api/sessions/s1/start", nil); resp.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", resp.Code)
	}
	if resp := serve(h, http.MethodGet, "/api/sessions/s1/start", nil); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("start via GET: expected 405, got %d", resp.Code)
	}
	if resp := serve(h, http.MethodPost, "/api/sessions/s1/explode", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("unknown action: expected 404, got %d", resp.Code)
	}

	resp := serve(h, http.MethodGet, "/api/sessions/s1/qr", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("qr: expected 200, got %d", resp.Code)
	}
	var qr qrResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &qr); err != nil {
		t.Fatalf("decode qr: %v", err)
	}
	if qr.QRCode != "qr-payload" || qr.Status != models.SessionQRReady {
		t.Fatalf("unexpected qr response %+v", qr)
	}
}

func TestCreateQueueInvalid(t *testing.T) {
	h := NewHandler(Deps{Queues: fakeQueues{
		createFn: func(ctx context.Context, input queue.Input) (models.Queue, error) {
			return models.Queue{}, queue.ErrInvalidQueue
		},
	}})

	resp := serve(h, http.MethodPost, "/api/queues", map[string]string{"color": "#fff"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestDeleteQueueInUse(t *testing.T) {
	h := NewHandler(Deps{Queues: fakeQueues{
		deleteFn: func(ctx context.Context, queueID string) error { return store.ErrQueueInUse },
	}})

	resp := serve(h, http.MethodDelete, "/api/queues/q1", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestBulkQueuesTrimsIDs(t *testing.T) {
	var gotIDs []string
	h := NewHandler(Deps{Queues: fakeQueues{
		bulkFn: func(ctx context.Context, action string, queueIDs []string) ([]queue.BulkResult, error) {
			gotIDs = queueIDs
			results := make([]queue.BulkResult, 0, len(queueIDs))
			for _, id := range queueIDs {
				results = append(results, queue.BulkResult{QueueID: id})
			}
			return results, nil
		},
	}})

	resp := serve(h, http.MethodPost, "/api/queues/bulk", map[string]interface{}{
		"action": "archive",
		"ids":    []string{" q1 ", "", "q2"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if len(gotIDs) != 2 || gotIDs[0] != "q1" || gotIDs[1] != "q2" {
		t.Fatalf("unexpected ids %v", gotIDs)
	}

	empty := serve(h, http.MethodPost, "/api/queues/bulk", map[string]interface{}{"action": "archive", "ids": []string{" "}})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for empty ids, got %d", empty.Code)
	}
}

func TestAddQueueAgentRequiresID(t *testing.T) {
	h := NewHandler(Deps{Queues: fakeQueues{
		addFn: func(ctx context.Context, queueID, agentID string) (models.QueueMembership, error) {
			return models.QueueMembership{}, store.ErrAgentNotFound
		},
	}})

	if resp := serve(h, http.MethodPost, "/api/queues/q1/agents", map[string]string{}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if resp := serve(h, http.MethodPost, "/api/queues/q1/agents", map[string]string{"agent_id": "ghost"}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestAcceptTicketConflict(t *testing.T) {
	h := NewHandler(Deps{Tickets: fakeTickets{
		acceptFn: func(ctx context.Context, ticketID, agentID string) (models.Ticket, error) {
			if agentID != "agent-b" {
				t.Fatalf("expected agent from header, got %q", agentID)
			}
			return models.Ticket{}, store.ErrAlreadyAssigned
		},
	}})

	req := httptest.NewRequest(http.MethodPost, "/api/tickets/t1/accept", nil)
	req.Header.Set("X-Agent-ID", "agent-b")
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	if got := decodeError(t, resp); got.Error.Code != "ticket_already_assigned" {
		t.Fatalf("expected ticket_already_assigned, got %s", got.Error.Code)
	}
}

func TestAcceptTicketRequiresAgent(t *testing.T) {
	h := NewHandler(Deps{Tickets: fakeTickets{}})

	resp := serve(h, http.MethodPost, "/api/tickets/t1/accept", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestTransferPassesTarget(t *testing.T) {
	h := NewHandler(Deps{Tickets: fakeTickets{
		transferFn: func(ctx context.Context, ticketID string, target router.Target) (models.Ticket, error) {
			if target.QueueID != "q2" || target.AgentID != "" {
				t.Fatalf("unexpected target %+v", target)
			}
			queueID := target.QueueID
			return models.Ticket{TicketID: ticketID, QueueID: &queueID, ChatStatus: models.ChatWaiting}, nil
		},
	}})

	resp := serve(h, http.MethodPost, "/api/tickets/t1/transfer", map[string]string{"queue_id": " q2 "})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestReplyByNonOwnerForbidden(t *testing.T) {
	h := NewHandler(Deps{Tickets: fakeTickets{
		replyFn: func(ctx context.Context, ticketID, agentID, body string) (models.Message, error) {
			return models.Message{}, router.ErrNotOwner
		},
	}})

	resp := serve(h, http.MethodPost, "/api/tickets/t1/messages", map[string]string{"agent_id": "a2", "body": "hi"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", resp.Code)
	}
	if blank := serve(h, http.MethodPost, "/api/tickets/t1/messages", map[string]string{"body": "  "}); blank.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for blank body, got %d", blank.Code)
	}
}

func TestListTicketsFilter(t *testing.T) {
	var got store.TicketFilter
	h := NewHandler(Deps{Records: fakeRecords{
		listTicketsFn: func(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
			got = filter
			return nil, nil
		},
	}})

	resp := serve(h, http.MethodGet, "/api/tickets?queue_id=q1&status=waiting,accepted&limit=5", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if strings.TrimSpace(resp.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", resp.Body.String())
	}
	if got.QueueID != "q1" || len(got.Statuses) != 2 || got.Limit != 5 {
		t.Fatalf("unexpected filter %+v", got)
	}

	if bad := serve(h, http.MethodGet, "/api/tickets?status=lost", nil); bad.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown status, got %d", bad.Code)
	}
}

func TestGetTicketNotFound(t *testing.T) {
	h := NewHandler(Deps{Records: fakeRecords{
		getTicketFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
			return models.Ticket{}, store.ErrTicketNotFound
		},
	}})

	resp := serve(h, http.MethodGet, "/api/tickets/missing", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestStateSnapshot(t *testing.T) {
	h := NewHandler(Deps{State: func(ctx context.Context) (realtime.Snapshot, error) {
		return realtime.Snapshot{
			Sessions: []models.Session{{SessionID: "s1"}},
			Queues:   []models.Queue{},
			Tickets:  []models.Ticket{},
		}, nil
	}})

	resp := serve(h, http.MethodGet, "/api/state", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var snapshot realtime.Snapshot
	if err := json.Unmarshal(resp.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(snapshot.Sessions))
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	auth := NewAuthenticator("plain-secret", string(hash))
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := AuthMiddleware(auth, ok)

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing", "/api/sessions", "", http.StatusUnauthorized},
		{"wrong", "/api/sessions", "Bearer nope", http.StatusUnauthorized},
		{"plain", "/api/sessions", "Bearer plain-secret", http.StatusOK},
		{"hashed", "/api/sessions", "Bearer hashed-secret", http.StatusOK},
		{"hashed cached", "/api/sessions", "Bearer hashed-secret", http.StatusOK},
		{"health", "/healthz", "", http.StatusOK},
		{"realtime", "/realtime/info", "", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != tc.want {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.want, resp.Code)
		}
	}
}

func TestAuthDisabledWithoutCredentials(t *testing.T) {
	auth := NewAuthenticator("", "")
	if auth.Enabled() {
		t.Fatal("expected auth to be disabled")
	}
	if !auth.Valid("") {
		t.Fatal("expected disabled auth to accept any token")
	}
}

func TestRateLimiterBlocksBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 2})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/queues", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}

	health := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	health.RemoteAddr = "10.0.0.1:5000"
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, health)
	if resp.Code != http.StatusOK {
		t.Fatalf("health check should bypass the limiter, got %d", resp.Code)
	}
}

func TestCommandLimitChargesActingAgent(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1000, IPBurst: 1000, CommandPerMinute: 1, CommandBurst: 2})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AgentID string `json:"agent_id"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		_, _ = w.Write([]byte(agentFromRequest(r, body.AgentID)))
	}))

	do := func(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.RemoteAddr = "10.0.0.2:5000"
		for key, value := range header {
			req.Header.Set(key, value)
		}
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp
	}

	var codes []int
	for i := 0; i < 3; i++ {
		resp := do(http.MethodPost, "/api/tickets/t1/accept", `{"agent_id":"A"}`, nil)
		codes = append(codes, resp.Code)
		if resp.Code == http.StatusOK && resp.Body.String() != "A" {
			t.Fatalf("handler lost the request body, got %q", resp.Body.String())
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes for agent A %v", codes)
	}

	if resp := do(http.MethodPost, "/api/tickets/t2/reply", "", map[string]string{"X-Agent-ID": "B"}); resp.Code != http.StatusOK {
		t.Fatalf("agent B should have its own bucket, got %d", resp.Code)
	}
	if resp := do(http.MethodGet, "/api/tickets/t1", "", map[string]string{"X-Agent-ID": "A"}); resp.Code != http.StatusOK {
		t.Fatalf("reads should not be charged, got %d", resp.Code)
	}
	if resp := do(http.MethodPost, "/api/sessions/s1/start", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("session commands use the session bucket, got %d", resp.Code)
	}
}
