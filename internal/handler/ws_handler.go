package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"collabsync-server/internal/coordinator"
	"collabsync-server/internal/domain"
	"collabsync-server/internal/session"
	"collabsync-server/internal/store"
	"collabsync-server/internal/websocket"
	"collabsync-server/pkg/jwt"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
	log       zerolog.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.With().Str("component", "ws_handler").Logger(),
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}

	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.log.Warn().Err(err).Msg("token validation failed")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	clientID := uuid.New().String()
	client := websocket.NewClient(clientID, claims.UserID, conn, h.manager)

	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

type WebSocketMessageHandler struct {
	sessions    *session.Manager
	coordinator *coordinator.Coordinator
	manager     *websocket.Manager
	log         zerolog.Logger
}

func NewWebSocketMessageHandler(sessions *session.Manager, coord *coordinator.Coordinator, manager *websocket.Manager, log zerolog.Logger) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{
		sessions:    sessions,
		coordinator: coord,
		manager:     manager,
		log:         log.With().Str("component", "ws_handler").Logger(),
	}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeJoin:
		return h.handleJoin(client, msg)

	case websocket.TypeLeave:
		return h.handleLeave(client, msg)

	case websocket.TypeSubmitOperation:
		return h.handleSubmit(client, msg)

	case websocket.TypePresence:
		return h.handlePresence(client, msg)

	case websocket.TypePing:
		return h.handlePing(client)

	default:
		h.log.Warn().Str("type", string(msg.Type)).Msg("unknown message type")
	}

	return nil
}

func (h *WebSocketMessageHandler) handleJoin(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.JoinPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return h.sendError(client, "malformed_payload", err.Error())
	}
	if payload.ResourceType == "" || payload.ResourceID == "" {
		return h.sendError(client, "malformed_payload", "resource_type and resource_id are required")
	}

	role := domain.RoleEditor
	switch payload.Role {
	case "", string(domain.RoleEditor):
	case string(domain.RoleViewer):
		role = domain.RoleViewer
	default:
		return h.sendError(client, "malformed_payload", "unknown role: "+payload.Role)
	}

	resource := domain.ResourceRef{Type: payload.ResourceType, ID: payload.ResourceID}
	snap, _, err := h.sessions.Join(context.Background(), resource, client.UserID, role)
	if err != nil {
		return h.sendDomainError(client, err)
	}

	// subscribe before the snapshot is retaken so no committed delta can
	// fall between the two; duplicates below the snapshot sequence are
	// dropped client-side
	h.manager.Subscribe(client, snap.SessionID)
	if fresh, err := h.sessions.Snapshot(snap.SessionID); err == nil {
		snap = fresh
	}

	if err := h.send(client, websocket.TypeSnapshot, snap); err != nil {
		return err
	}

	h.manager.BroadcastPresence(snap.SessionID, domain.PresenceEvent{
		UserID: client.UserID,
		State:  domain.PresenceActive,
	}, client.ID)
	return nil
}

func (h *WebSocketMessageHandler) handleLeave(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.LeavePayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return h.sendError(client, "malformed_payload", err.Error())
	}
	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = client.SessionID
	}
	if sessionID == "" {
		return h.sendError(client, "not_joined", "no session to leave")
	}

	if err := h.sessions.Leave(context.Background(), sessionID, client.UserID); err != nil {
		return h.sendDomainError(client, err)
	}
	h.manager.Unsubscribe(client)

	h.manager.BroadcastPresence(sessionID, domain.PresenceEvent{
		UserID: client.UserID,
		State:  domain.PresenceIdle,
	}, client.ID)
	return nil
}

func (h *WebSocketMessageHandler) handleSubmit(client *websocket.Client, msg *websocket.Message) error {
	var req domain.SubmitOperationRequest
	if err := msg.UnmarshalPayload(&req); err != nil {
		return h.sendError(client, "malformed_payload", err.Error())
	}
	if req.SessionID == "" {
		req.SessionID = client.SessionID
	}

	res, err := h.coordinator.Submit(context.Background(), client.UserID, &req)
	if err != nil {
		return h.answerSubmitError(client, &req, err)
	}

	outType := websocket.TypeAck
	switch res.Status {
	case coordinator.StatusConflictPending:
		outType = websocket.TypeConflictPending
	case coordinator.StatusRejected:
		outType = websocket.TypeRejected
	}

	return h.send(client, outType, websocket.SubmitResultPayload{
		SessionID:          req.SessionID,
		Field:              req.Field,
		LocalCounter:       req.LocalCounter,
		Sequence:           res.Sequence,
		OperationID:        res.OperationID,
		ConflictID:         res.ConflictID,
		Reason:             res.Reason,
		CurrentValue:       res.CurrentValue,
		CurrentFingerprint: res.CurrentFingerprint,
	})
}

// answerSubmitError maps pipeline errors onto a rejected answer so the
// client can release the pending operation.
func (h *WebSocketMessageHandler) answerSubmitError(client *websocket.Client, req *domain.SubmitOperationRequest, err error) error {
	reason := "internal_error"
	var stateErr *domain.SessionStateError
	var txErr *store.TransactionError
	switch {
	case errors.As(err, &stateErr):
		reason = "session_not_active"
	case errors.As(err, &txErr):
		reason = string(txErr.Kind)
	}
	h.log.Warn().Err(err).Str("session", req.SessionID).Str("field", req.Field).Msg("submit failed")

	return h.send(client, websocket.TypeRejected, websocket.SubmitResultPayload{
		SessionID:    req.SessionID,
		Field:        req.Field,
		LocalCounter: req.LocalCounter,
		Reason:       reason,
	})
}

func (h *WebSocketMessageHandler) handlePresence(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.PresencePayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return h.sendError(client, "malformed_payload", err.Error())
	}
	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = client.SessionID
	}
	if sessionID == "" {
		return h.sendError(client, "not_joined", "no session for presence update")
	}

	ev, err := h.sessions.UpdatePresence(context.Background(), sessionID, client.UserID, payload.State)
	if err != nil {
		return h.sendDomainError(client, err)
	}
	h.manager.BroadcastPresence(sessionID, *ev, client.ID)
	return nil
}

func (h *WebSocketMessageHandler) handlePing(client *websocket.Client) error {
	return h.send(client, websocket.TypePong, nil)
}

func (h *WebSocketMessageHandler) send(client *websocket.Client, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	bytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	client.Send <- bytes
	return nil
}

func (h *WebSocketMessageHandler) sendError(client *websocket.Client, code, message string) error {
	return h.send(client, websocket.TypeError, websocket.ErrorPayload{Code: code, Message: message})
}

func (h *WebSocketMessageHandler) sendDomainError(client *websocket.Client, err error) error {
	var valErr *domain.ValidationError
	var stateErr *domain.SessionStateError
	switch {
	case errors.As(err, &valErr):
		return h.sendError(client, valErr.Reason, valErr.Detail)
	case errors.As(err, &stateErr):
		return h.sendError(client, "session_not_active", stateErr.Error())
	default:
		h.log.Error().Err(err).Msg("request failed")
		return h.sendError(client, "internal_error", "request failed")
	}
}
