package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"collabsync-server/internal/domain"

	"github.com/rs/zerolog"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

// Manager owns every live connection and the session subscription index.
// Deltas for one session are marshalled and enqueued in broadcast-call
// order, so a client never sees sequence N+1 before N.
type Manager struct {
	clients        map[string]*Client
	userIndex      map[string]map[string]bool
	sessionIndex   map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	maxConnPerUser int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	messageHandler MessageHandler
	log            zerolog.Logger
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

func NewManager(maxConnPerUser int, writeWait, pongWait, pingPeriod time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		clients:        make(map[string]*Client),
		userIndex:      make(map[string]map[string]bool),
		sessionIndex:   make(map[string]map[string]bool),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		maxConnPerUser: maxConnPerUser,
		writeWait:      writeWait,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		log:            log.With().Str("component", "websocket").Logger(),
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

func (m *Manager) Run() {
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.userIndex[client.UserID] == nil {
		m.userIndex[client.UserID] = make(map[string]bool)
	}

	if len(m.userIndex[client.UserID]) >= m.maxConnPerUser {
		m.log.Warn().Str("user", client.UserID).Msg("max connections reached")
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.userIndex[client.UserID][client.ID] = true

	m.log.Info().Str("client", client.ID).Str("user", client.UserID).Msg("client registered")
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		delete(m.userIndex[client.UserID], client.ID)
		if len(m.userIndex[client.UserID]) == 0 {
			delete(m.userIndex, client.UserID)
		}
		if client.SessionID != "" {
			m.dropSubscription(client.SessionID, client.ID)
		}

		close(client.Send)
		m.log.Info().Str("client", client.ID).Msg("client unregistered")
	}
}

// Subscribe must be called BEFORE the join snapshot is taken: a client
// subscribed first and snapshotted second can drop deltas at or below the
// snapshot sequence, but a gap between snapshot and subscription would
// lose operations silently.
func (m *Manager) Subscribe(client *Client, sessionID string) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if client.SessionID != "" && client.SessionID != sessionID {
		m.dropSubscription(client.SessionID, client.ID)
	}
	client.SessionID = sessionID
	if m.sessionIndex[sessionID] == nil {
		m.sessionIndex[sessionID] = make(map[string]bool)
	}
	m.sessionIndex[sessionID][client.ID] = true
}

func (m *Manager) Unsubscribe(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if client.SessionID != "" {
		m.dropSubscription(client.SessionID, client.ID)
		client.SessionID = ""
	}
}

func (m *Manager) dropSubscription(sessionID, clientID string) {
	delete(m.sessionIndex[sessionID], clientID)
	if len(m.sessionIndex[sessionID]) == 0 {
		delete(m.sessionIndex, sessionID)
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.log.Warn().Err(err).Msg("malformed websocket message")
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(clientMsg.Client, &msg); err != nil {
			m.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("message handling failed")
		}
	}
}

// BroadcastDelta fans a committed operation out to every subscriber of
// the session, the author's connections included; clients correlate
// their own operations by author and local counter.
func (m *Manager) BroadcastDelta(delta domain.DeltaEvent) {
	msg, err := NewMessage(TypeDelta, delta)
	if err != nil {
		m.log.Error().Err(err).Msg("marshal delta")
		return
	}
	m.BroadcastToSession(delta.SessionID, msg, "")
}

func (m *Manager) BroadcastConflict(sessionID, conflictID, field string) {
	msg, err := NewMessage(TypeConflictDetected, ConflictDetectedPayload{
		SessionID:  sessionID,
		ConflictID: conflictID,
		Field:      field,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("marshal conflict notice")
		return
	}
	m.BroadcastToSession(sessionID, msg, "")
}

func (m *Manager) BroadcastPresence(sessionID string, ev domain.PresenceEvent, excludeClientID string) {
	msg, err := NewMessage(TypePresence, PresencePayload{
		SessionID: sessionID,
		User:      ev.UserID,
		State:     ev.State,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("marshal presence")
		return
	}
	m.BroadcastToSession(sessionID, msg, excludeClientID)
}

// Notify lets the session lifecycle reach subscribed clients; the session
// manager calls it on idle and close transitions.
func (m *Manager) Notify(event string, detail map[string]any) {
	sessionID, _ := detail["session_id"].(string)
	if sessionID == "" {
		return
	}
	switch event {
	case domain.EventSessionIdle:
		if msg, err := NewMessage(TypeSessionIdle, SessionEventPayload{SessionID: sessionID}); err == nil {
			m.BroadcastToSession(sessionID, msg, "")
		}
	case domain.EventSessionClosed:
		if msg, err := NewMessage(TypeSessionClosed, SessionEventPayload{SessionID: sessionID}); err == nil {
			m.BroadcastToSession(sessionID, msg, "")
		}
		m.clearSession(sessionID)
	}
}

func (m *Manager) clearSession(sessionID string) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for clientID := range m.sessionIndex[sessionID] {
		if client := m.clients[clientID]; client != nil {
			client.SessionID = ""
		}
	}
	delete(m.sessionIndex, sessionID)
}

func (m *Manager) BroadcastToSession(sessionID string, message *Message, excludeClientID string) {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	messageBytes, err := json.Marshal(message)
	if err != nil {
		m.log.Error().Err(err).Msg("marshal message")
		return
	}

	for clientID := range m.sessionIndex[sessionID] {
		if clientID == excludeClientID {
			continue
		}
		client := m.clients[clientID]
		if client == nil {
			continue
		}
		select {
		case client.Send <- messageBytes:
		default:
			m.log.Warn().Str("client", clientID).Msg("send buffer full, dropping connection")
			go func(c *Client) { m.Unregister <- c }(client)
		}
	}
}

func (m *Manager) SendToClient(clientID string, message *Message) error {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	client, exists := m.clients[clientID]
	if !exists {
		return nil
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case client.Send <- messageBytes:
	default:
		m.log.Warn().Str("client", clientID).Msg("send buffer full")
	}

	return nil
}

func (m *Manager) SessionSubscribers(sessionID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.sessionIndex[sessionID])
}

func (m *Manager) GetUserConnections(userID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if clients, exists := m.userIndex[userID]; exists {
		return len(clients)
	}
	return 0
}
