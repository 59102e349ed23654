package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"qms/inbox-service/internal/credentials"
	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/queue"
	"qms/inbox-service/internal/realtime"
	"qms/inbox-service/internal/router"
	"qms/inbox-service/internal/session"
	"qms/inbox-service/internal/store"
)

type SessionService interface {
	List(ctx context.Context) ([]models.Session, error)
	Get(ctx context.Context, sessionID string) (models.Session, error)
	Create(ctx context.Context, input session.Input) (models.Session, error)
	Update(ctx context.Context, sessionID string, input session.Input) (models.Session, error)
	Start(ctx context.Context, sessionID string) (models.Session, error)
	Stop(ctx context.Context, sessionID string) (models.Session, error)
	Restart(ctx context.Context, sessionID string) (models.Session, error)
	Delete(ctx context.Context, sessionID string) error
	QR(ctx context.Context, sessionID string) (string, models.SessionStatus, error)
}

type QueueService interface {
	List(ctx context.Context, includeArchived bool) ([]models.Queue, error)
	Get(ctx context.Context, queueID string) (models.Queue, error)
	Create(ctx context.Context, input queue.Input) (models.Queue, error)
	Update(ctx context.Context, queueID string, input queue.Input) (models.Queue, error)
	Delete(ctx context.Context, queueID string) error
	Archive(ctx context.Context, queueID string) (models.Queue, error)
	Duplicate(ctx context.Context, queueID string) (models.Queue, error)
	Members(ctx context.Context, queueID string) ([]models.QueueMembership, error)
	AddAgent(ctx context.Context, queueID, agentID string) (models.QueueMembership, error)
	RemoveAgent(ctx context.Context, queueID, agentID string) error
	Bulk(ctx context.Context, action string, queueIDs []string) ([]queue.BulkResult, error)
}

type TicketService interface {
	Accept(ctx context.Context, ticketID, agentID string) (models.Ticket, error)
	Transfer(ctx context.Context, ticketID string, target router.Target) (models.Ticket, error)
	Resolve(ctx context.Context, ticketID string) (models.Ticket, error)
	Close(ctx context.Context, ticketID string) (models.Ticket, error)
	Reopen(ctx context.Context, ticketID string) (models.Ticket, error)
	Reply(ctx context.Context, ticketID, agentID, body string) (models.Message, error)
}

// RecordStore is the read side used by list and detail endpoints.
type RecordStore interface {
	CreateAgent(ctx context.Context, agent models.Agent) (models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
	ListMessages(ctx context.Context, ticketID string, limit int) ([]models.Message, error)
}

type Deps struct {
	Sessions SessionService
	Queues   QueueService
	Tickets  TicketService
	Records  RecordStore
	State    func(ctx context.Context) (realtime.Snapshot, error)
}

type Handler struct {
	deps Deps
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type agentRequest struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

type replyRequest struct {
	AgentID string `json:"agent_id"`
	Body    string `json:"body"`
}

type bulkRequest struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
}

type qrResponse struct {
	SessionID string               `json:"session_id"`
	QRCode    string               `json:"qr_code"`
	Status    models.SessionStatus `json:"status"`
}

const defaultMessageLimit = 100

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/api/sessions/", h.handleSessionActions)
	mux.HandleFunc("/api/queues", h.handleQueues)
	mux.HandleFunc("/api/queues/bulk", h.handleQueueBulk)
	mux.HandleFunc("/api/queues/", h.handleQueueActions)
	mux.HandleFunc("/api/agents", h.handleAgents)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicketActions)
	mux.HandleFunc("/api/state", h.handleState)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := h.deps.Sessions.List(r.Context())
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(sessions))
	case http.MethodPost:
		var input session.Input
		if !decodeBody(w, r, &input) {
			return
		}
		created, err := h.deps.Sessions.Create(r.Context(), input)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/sessions/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_found", "route not found")
		return
	}
	sessionID := parts[0]
	ctx := r.Context()

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			found, err := h.deps.Sessions.Get(ctx, sessionID)
			respond(w, r, http.StatusOK, found, err)
		case http.MethodPut, http.MethodPatch:
			var input session.Input
			if !decodeBody(w, r, &input) {
				return
			}
			updated, err := h.deps.Sessions.Update(ctx, sessionID, input)
			respond(w, r, http.StatusOK, updated, err)
		case http.MethodDelete:
			if err := h.deps.Sessions.Delete(ctx, sessionID); err != nil {
				writeMappedError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	action := parts[1]
	if action == "qr" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		code, status, err := h.deps.Sessions.QR(ctx, sessionID)
		respond(w, r, http.StatusOK, qrResponse{SessionID: sessionID, QRCode: code, Status: status}, err)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var (
		result models.Session
		err    error
	)
	switch action {
	case "start":
		result, err = h.deps.Sessions.Start(ctx, sessionID)
	case "stop":
		result, err = h.deps.Sessions.Stop(ctx, sessionID)
	case "restart":
		result, err = h.deps.Sessions.Restart(ctx, sessionID)
	default:
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_found", "route not found")
		return
	}
	respond(w, r, http.StatusOK, result, err)
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		archived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))
		queues, err := h.deps.Queues.List(r.Context(), archived)
		respond(w, r, http.StatusOK, nonNil(queues), err)
	case http.MethodPost:
		var input queue.Input
		if !decodeBody(w, r, &input) {
			return
		}
		created, err := h.deps.Queues.Create(r.Context(), input)
		respond(w, r, http.StatusCreated, created, err)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleQueueBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req bulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ids := make([]string, 0, len(req.IDs))
	for _, id := range req.IDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ids are required")
		return
	}
	results, err := h.deps.Queues.Bulk(r.Context(), strings.TrimSpace(req.Action), ids)
	respond(w, r, http.StatusOK, map[string]any{"results": results}, err)
}

func (h *Handler) handleQueueActions(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/queues/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_found", "route not found")
		return
	}
	queueID := parts[0]
	ctx := r.Context()

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			found, err := h.deps.Queues.Get(ctx, queueID)
			respond(w, r, http.StatusOK, found, err)
		case http.MethodPut, http.MethodPatch:
			var input queue.Input
			if !decodeBody(w, r, &input) {
				return
			}
			updated, err := h.deps.Queues.Update(ctx, queueID, input)
			respond(w, r, http.StatusOK, updated, err)
		case http.MethodDelete:
			if err := h.deps.Queues.Delete(ctx, queueID); err != nil {
				writeMappedError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "archive":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		archived, err := h.deps.Queues.Archive(ctx, queueID)
		respond(w, r, http.StatusOK, archived, err)
	case "duplicate":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		clone, err := h.deps.Queues.Duplicate(ctx, queueID)
		respond(w, r, http.StatusCreated, clone, err)
	case "agents":
		h.handleQueueAgents(w, r, queueID)
	default:
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_found", "route not found")
	}
}

func (h *Handler) handleQueueAgents(w http.ResponseWriter, r *http.Request, queueID string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		members, err := h.deps.Queues.Members(ctx, queueID)
		respond(w, r, http.StatusOK, nonNil(members), err)
	case http.MethodPost:
		var req agentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		agentID := strings.TrimSpace(req.AgentID)
		if agentID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "agent_id is required")
			return
		}
		member, err := h.deps.Queues.AddAgent(ctx, queueID, agentID)
		respond(w, r, http.StatusOK, member, err)
	case http.MethodDelete:
		agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
		if agentID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "agent_id is required")
			return
		}
		if err := h.deps.Queues.RemoveAgent(ctx, queueID, agentID); err != nil {
			writeMappedError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := h.deps.Records.ListAgents(r.Context())
		respond(w, r, http.StatusOK, nonNil(agents), err)
	case http.MethodPost:
		var req agentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "name is required")
			return
		}
		agent, err := h.deps.Records.CreateAgent(r.Context(), models.Agent{AgentID: strings.TrimSpace(req.AgentID), Name: name})
		respond(w, r, http.StatusCreated, agent, err)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	filter := store.TicketFilter{
		QueueID:   strings.TrimSpace(query.Get("queue_id")),
		SessionID: strings.TrimSpace(query.Get("session_id")),
		AgentID:   strings.TrimSpace(query.Get("agent_id")),
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		for _, value := range strings.Split(raw, ",") {
			status := models.ChatStatus(strings.TrimSpace(value))
			if !status.Valid() {
				writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "unknown status "+string(status))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	tickets, err := h.deps.Records.ListTickets(r.Context(), filter)
	respond(w, r, http.StatusOK, nonNil(tickets), err)
}

func (h *Handler) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/tickets/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_found", "route not found")
		return
	}
	ticketID := parts[0]
	ctx := r.Context()

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ticket, err := h.deps.Records.GetTicket(ctx, ticketID)
		respond(w, r, http.StatusOK, ticket, err)
		return
	}

	action := parts[1]
	if action == "messages" {
		h.handleTicketMessages(w, r, ticketID)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var (
		ticket models.Ticket
		err    error
	)
	switch action {
	case store.ActionAccept:
		var req agentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		agentID := agentFromRequest(r, req.AgentID)
		if agentID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "agent_id is required")
			return
		}
		ticket, err = h.deps.Tickets.Accept(ctx, ticketID, agentID)
	case store.ActionTransfer:
		var target router.Target
		if !decodeBody(w, r, &target) {
			return
		}
		target.QueueID = strings.TrimSpace(target.QueueID)
		target.AgentID = strings.TrimSpace(target.AgentID)
		ticket, err = h.deps.Tickets.Transfer(ctx, ticketID, target)
	case store.ActionResolve:
		ticket, err = h.deps.Tickets.Resolve(ctx, ticketID)
	case store.ActionClose:
		ticket, err = h.deps.Tickets.Close(ctx, ticketID)
	case store.ActionReopen:
		ticket, err = h.deps.Tickets.Reopen(ctx, ticketID)
	default:
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "not_found", "route not found")
		return
	}
	respond(w, r, http.StatusOK, ticket, err)
}

func (h *Handler) handleTicketMessages(w http.ResponseWriter, r *http.Request, ticketID string) {
	switch r.Method {
	case http.MethodGet:
		limit := defaultMessageLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value <= 0 {
				writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
				return
			}
			limit = value
		}
		messages, err := h.deps.Records.ListMessages(r.Context(), ticketID, limit)
		respond(w, r, http.StatusOK, nonNil(messages), err)
	case http.MethodPost:
		var req replyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Body) == "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "body is required")
			return
		}
		message, err := h.deps.Tickets.Reply(r.Context(), ticketID, agentFromRequest(r, req.AgentID), req.Body)
		respond(w, r, http.StatusCreated, message, err)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snapshot, err := h.deps.State(r.Context())
	respond(w, r, http.StatusOK, snapshot, err)
}

func agentFromRequest(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Agent-ID"))
}

// pathParts splits the path below prefix into non-empty segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func respond(w http.ResponseWriter, r *http.Request, status int, payload interface{}, err error) {
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found", "session not found"
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrAgentNotFound):
		return http.StatusNotFound, "agent_not_found", "agent not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrContactNotFound):
		return http.StatusNotFound, "contact_not_found", "contact not found"
	case errors.Is(err, store.ErrAlreadyAssigned):
		return http.StatusConflict, "ticket_already_assigned", "ticket already assigned"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrQueueInUse):
		return http.StatusConflict, "queue_in_use", "queue has open tickets"
	case errors.Is(err, queue.ErrArchived):
		return http.StatusConflict, "queue_archived", "queue is archived"
	case errors.Is(err, queue.ErrInvalidQueue), errors.Is(err, session.ErrInvalidSession),
		errors.Is(err, router.ErrInvalidTarget), errors.Is(err, credentials.ErrInvalidID):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "session_busy", "session must be disconnected"
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict, "session_not_connected", "session is not connected"
	case errors.Is(err, router.ErrNotOwner):
		return http.StatusForbidden, "not_ticket_owner", "ticket is owned by another agent"
	case errors.Is(err, session.ErrClosed), errors.Is(err, router.ErrNoSender):
		return http.StatusServiceUnavailable, "unavailable", "service unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
