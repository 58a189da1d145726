package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimasry/go-collab-docs/session"
	"github.com/alimasry/go-collab-docs/store"
)

// UserHeader carries the authenticated caller. Authentication itself
// happens in front of this server.
const UserHeader = "X-User-ID"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// APIResponse is the body of every REST response.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub) http.Handler {
	h := &handler{hub: hub}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.serveWS)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", h.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", h.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/history", h.getHistory).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/snapshots", h.createSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/end", h.endSession).Methods(http.MethodPost)

	return r
}

type handler struct {
	hub *Hub
}

func callerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserHeader)); id != "" {
		return id
	}
	// Browsers cannot set headers on a WebSocket handshake.
	return strings.TrimSpace(r.URL.Query().Get("user"))
}

func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, APIResponse{Message: "missing user", Code: "Unauthenticated"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn("websocket upgrade error", "error", err)
		return
	}
	client := newClient(h.hub, conn, userID)
	go client.WritePump()
	go client.ReadPump()
}

type createSessionRequest struct {
	DocumentID string `json:"documentId" validate:"required,max=256"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Message: "invalid JSON body", Code: "InvalidMessage"})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Message: err.Error(), Code: "InvalidMessage"})
		return
	}
	sess, err := h.hub.orch.Create(r.Context(), req.DocumentID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: sess})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	all, err := h.hub.orch.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	mine := make([]*session.Session, 0, len(all))
	for _, s := range all {
		if _, ok := s.Participant(userID); ok {
			mine = append(mine, s)
		}
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: mine})
}

// authorizeRead loads the session and checks the caller has ever been in it.
func (h *handler) authorizeRead(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return "", false
	}
	id := mux.Vars(r)["id"]
	sess, err := h.hub.orch.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return "", false
	}
	if _, ok := sess.Participant(userID); !ok {
		writeError(w, session.ErrNotAParticipant)
		return "", false
	}
	return id, true
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeRead(w, r)
	if !ok {
		return
	}
	state, err := h.hub.orch.State(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: state})
}

func (h *handler) getHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorizeRead(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, APIResponse{Message: "limit must be a non-negative integer", Code: "InvalidMessage"})
			return
		}
		limit = n
	}
	ops, err := h.hub.orch.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: ops})
}

func (h *handler) createSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	snap, err := h.hub.orch.CreateSnapshot(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: snap})
}

func (h *handler) endSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	sess, err := h.hub.orch.End(r.Context(), id, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.hub.broadcast(r.Context(), EventStatus, id, "", sess)
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: sess})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := callerID(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, APIResponse{Message: "missing " + UserHeader, Code: "Unauthenticated"})
		return "", false
	}
	return userID, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, store.ErrDocumentNotFound),
		errors.Is(err, store.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInsufficientPermission), errors.Is(err, session.ErrNotAParticipant):
		return http.StatusForbidden
	case errors.Is(err, session.ErrSessionInactive), errors.Is(err, session.ErrSessionFull),
		errors.Is(err, session.ErrSessionExists), errors.Is(err, session.ErrVersionConflict),
		errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidOperation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), APIResponse{Message: err.Error(), Code: session.Code(err)})
}

func writeJSON(w http.ResponseWriter, status int, body APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
