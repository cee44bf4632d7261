package api

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"gapshap/internal/chat"
)

const (
	defaultMessagePage = 0
	defaultMessageSize = 20
	maxMessageSize     = 200
)

// Handler serves the chat REST API. All routes require authentication; the
// caller is the user resolved by RequireAuth.
type Handler struct {
	log    *slog.Logger
	engine *chat.Engine
	users  chat.UserStore
}

// NewHandler constructs the REST handler.
func NewHandler(log *slog.Logger, engine *chat.Engine, users chat.UserStore) *Handler {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Handler{log: log, engine: engine, users: users}
}

// Register mounts all API routes on mux, wrapped with auth.
func (h *Handler) Register(mux *http.ServeMux, verifier IdentityVerifier) {
	authed := func(fn http.HandlerFunc) http.Handler {
		return RequireAuth(h.log, verifier, h.users, fn)
	}

	mux.Handle("GET /api/conversations", authed(h.listConversations))
	mux.Handle("GET /api/conversations/{id}/messages", authed(h.getMessages))
	mux.Handle("POST /api/conversations/direct/{userId}", authed(h.createDirect))
	mux.Handle("POST /api/conversations/group", authed(h.createGroup))
	mux.Handle("POST /api/conversations/{id}/read", authed(h.markRead))
	mux.Handle("GET /api/users", authed(h.searchUsers))
	mux.Handle("GET /api/user", authed(h.currentUser))
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	out, err := h.engine.ListConversations(r.Context(), user)
	if err != nil {
		h.fail(w, r, "api.conversations.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	convID := r.PathValue("id")
	page, err := queryInt(r, "page", defaultMessagePage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	size, err := queryInt(r, "size", defaultMessageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if size > maxMessageSize {
		size = maxMessageSize
	}

	out, err := h.engine.GetMessages(r.Context(), user, convID, page, size)
	if err != nil {
		h.fail(w, r, "api.messages.get.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createDirect(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	otherID := r.PathValue("userId")
	out, err := h.engine.GetOrCreateDirect(r.Context(), user, otherID)
	if err != nil {
		h.fail(w, r, "api.conversations.direct.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type createGroupRequest struct {
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds"`
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := h.engine.CreateGroup(r.Context(), user, req.Name, req.ParticipantIDs)
	if err != nil {
		h.fail(w, r, "api.conversations.group.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	convID := r.PathValue("id")
	if err := h.engine.MarkRead(r.Context(), user, convID); err != nil {
		h.fail(w, r, "api.conversations.read.fail", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) searchUsers(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("query"))
	found, err := h.users.SearchUsers(r.Context(), query)
	if err != nil {
		h.fail(w, r, "api.users.search.fail", err)
		return
	}

	out := make([]chat.UserView, 0, len(found))
	for _, u := range found {
		if u.ID == user.ID {
			continue // the caller never shows up in their own search
		}
		out = append(out, chat.ViewOfUser(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, chat.ViewOfUser(user))
}

// fail maps domain errors to HTTP statuses: validation failures, including
// lookups of absent resources, answer 400 with the message text; everything
// else answers 500 with the detail kept in the log.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case chat.IsInvalidArgument(err), chat.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case chat.IsUnauthenticated(err):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		h.log.Error(event, "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &badQueryError{key: key, raw: raw}
	}
	return n, nil
}

type badQueryError struct{ key, raw string }

func (e *badQueryError) Error() string {
	return "invalid query parameter " + e.key + ": " + e.raw
}
