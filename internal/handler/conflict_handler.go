package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"collabsync-server/internal/coordinator"
	"collabsync-server/internal/domain"
	"collabsync-server/internal/middleware"
	"collabsync-server/internal/session"
	"collabsync-server/internal/store"
	"collabsync-server/pkg/response"

	"github.com/gorilla/mux"
)

// ConflictHandler exposes manual conflict resolution over REST; the
// channel protocol only announces conflicts, resolving them goes through
// here.
type ConflictHandler struct {
	coordinator *coordinator.Coordinator
	sessions    *session.Manager
}

func NewConflictHandler(coord *coordinator.Coordinator, sessions *session.Manager) *ConflictHandler {
	return &ConflictHandler{
		coordinator: coord,
		sessions:    sessions,
	}
}

func (h *ConflictHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}
	vars := mux.Vars(r)
	sessionID := vars["id"]

	if h.sessions.Participant(sessionID, userID) == nil {
		response.Forbidden(w, "not a participant")
		return
	}

	pendingOnly := r.URL.Query().Get("pending") == "true"
	conflicts, err := h.coordinator.ListConflicts(r.Context(), sessionID, pendingOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, conflicts)
}

func (h *ConflictHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}
	vars := mux.Vars(r)
	conflictID := vars["id"]

	var req domain.ResolveConflictRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
	}

	result, err := h.coordinator.ResolveConflict(r.Context(), conflictID, userID, req.Payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, result)
}

func (h *ConflictHandler) WithdrawConflict(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}
	vars := mux.Vars(r)
	conflictID := vars["id"]

	if err := h.coordinator.WithdrawConflict(r.Context(), conflictID, userID); err != nil {
		writeDomainError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{
		"message": "conflict withdrawn",
	})
}

func (h *ConflictHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return
	}
	vars := mux.Vars(r)
	sessionID := vars["id"]

	sess, ok := h.sessions.Session(sessionID)
	if !ok {
		response.NotFound(w, "session not found")
		return
	}
	if h.sessions.Participant(sessionID, userID) == nil {
		response.Forbidden(w, "not a participant")
		return
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{
		"session":      sess,
		"participants": h.sessions.Participants(sessionID),
	})
}

func writeDomainError(w http.ResponseWriter, err error) {
	var valErr *domain.ValidationError
	var stateErr *domain.SessionStateError
	var txErr *store.TransactionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.NotFound(w, "not found")
	case errors.As(err, &valErr):
		if valErr.Reason == domain.ReasonPermissionDenied ||
			valErr.Reason == domain.ReasonNotParticipant ||
			valErr.Reason == domain.ReasonViewerRole {
			response.Forbidden(w, valErr.Error())
			return
		}
		response.BadRequest(w, valErr.Error())
	case errors.As(err, &stateErr):
		response.Error(w, http.StatusConflict, stateErr.Error())
	case errors.As(err, &txErr):
		response.Error(w, http.StatusServiceUnavailable, txErr.Error())
	default:
		response.InternalError(w, err.Error())
	}
}
