package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// relayPublisher forwards locally published messages to other nodes
type relayPublisher interface {
	Publish(ctx context.Context, rooms []string, data []byte) error
}

// HubConfig bounds the hub's resources
type HubConfig struct {
	MaxClients int
	SendBuffer int
}

// Hub routes events to connections grouped in rooms. Every connection is in
// its user room; project rooms are joined explicitly after an access check.
// The hub owns the connection and room maps; nothing else touches them.
type Hub struct {
	auth   Authenticator
	access async.AccessChecker
	cfg    HubConfig
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[*Connection]struct{}
	rooms map[string]map[*Connection]struct{}
	relay relayPublisher

	dropped   atomic.Int64
	delivered atomic.Int64
}

// NewHub creates a hub
func NewHub(auth Authenticator, access async.AccessChecker, cfg HubConfig, log *zap.SugaredLogger) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if log == nil {
		log = logger.Logger
	}
	return &Hub{
		auth:   auth,
		access: access,
		cfg:    cfg,
		logger: logger.AddHubSymbol(log.Named("hub")),
		conns:  make(map[*Connection]struct{}),
		rooms:  make(map[string]map[*Connection]struct{}),
	}
}

// SetRelay attaches a cross-node relay. Call before the hub is published to.
func (h *Hub) SetRelay(r relayPublisher) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Connect authenticates credential and registers a connection in the user's
// room. A rejected credential joins nothing.
func (h *Hub) Connect(ctx context.Context, credential string) (*Connection, error) {
	userID, err := h.auth.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, h.cfg.SendBuffer),
		rooms:  make(map[string]struct{}),
	}

	h.mu.Lock()
	if len(h.conns) >= h.cfg.MaxClients {
		h.mu.Unlock()
		h.logger.Warnw("Max clients reached, rejecting connection",
			logger.FieldUserID, userID,
			"max_clients", h.cfg.MaxClients)
		return nil, ErrTooManyConnections
	}
	h.conns[c] = struct{}{}
	h.joinLocked(c, async.UserRoom(userID))
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Infow("Client connected",
		logger.FieldConnectionID, c.id,
		logger.FieldUserID, userID,
		"total_clients", total)
	return c, nil
}

// JoinScopeRoom adds c to a project's room. Access is checked now, not at
// connect time; anything below viewer is reported as not found.
func (h *Hub) JoinScopeRoom(ctx context.Context, c *Connection, projectID string) error {
	if projectID == "" {
		return errors.Invalidf("project id cannot be empty")
	}

	role, err := h.access.RoleFor(ctx, c.userID, projectID)
	if err != nil {
		return errors.Internal(err, "access check failed")
	}
	if !role.CanView() {
		return errors.NotFoundf("project not found: %s", projectID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return ErrConnectionClosed
	}
	h.joinLocked(c, async.ProjectRoom(projectID))

	h.logger.Debugw("Joined project room",
		logger.FieldConnectionID, c.id,
		logger.FieldUserID, c.userID,
		logger.FieldProjectID, projectID,
		"role", role.String())
	return nil
}

// LeaveScopeRoom removes c from a project's room. Leaving a room it never
// joined is a no-op.
func (h *Hub) LeaveScopeRoom(c *Connection, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, async.ProjectRoom(projectID))
}

// Disconnect removes c from every room and closes its send queue
func (h *Hub) Disconnect(c *Connection) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	total := len(h.conns)
	h.mu.Unlock()

	if removed {
		h.logger.Infow("Client disconnected",
			logger.FieldConnectionID, c.id,
			logger.FieldUserID, c.userID,
			"total_clients", total)
	}
}

// Publish implements async.Publisher. The message goes to every connection
// in the union of rooms exactly once. Slow or dead connections are dropped
// without affecting the others, and never cause an error here.
func (h *Hub) Publish(ctx context.Context, eventType async.EventType, payload interface{}, rooms ...string) error {
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		return err
	}

	h.deliverLocal(rooms, data)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(ctx, rooms, data); err != nil {
			return errors.Wrap(err, "relay publish failed")
		}
	}
	return nil
}

// deliverLocal enqueues data on the local members of rooms. Sends happen
// under the read lock so a concurrent Disconnect cannot close a queue
// mid-send.
func (h *Hub) deliverLocal(rooms []string, data []byte) int {
	var slow []*Connection
	sent := 0

	h.mu.RLock()
	seen := make(map[*Connection]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.send <- data:
				sent++
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	h.delivered.Add(int64(sent))
	for _, c := range slow {
		h.dropped.Add(1)
		h.logger.Warnw("Client send queue full, dropping connection",
			logger.FieldConnectionID, c.id,
			logger.FieldUserID, c.userID)
		h.Disconnect(c)
	}
	return sent
}

// reply queues a message for a single connection. A full queue drops the
// reply, not the connection.
func (h *Hub) reply(c *Connection, msg Message) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warnw("Failed to queue reply (channel full)", logger.FieldConnectionID, c.id)
	}
}

// Len returns the number of live connections
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomSize returns the number of connections in room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Dropped returns the number of connections dropped for being too slow
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// CloseAll disconnects every connection
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.conns {
		if h.removeLocked(c) {
			n++
		}
	}
	return n
}

func (h *Hub) joinLocked(c *Connection, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Connection]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Connection, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) removeLocked(c *Connection) bool {
	if _, ok := h.conns[c]; !ok {
		return false
	}
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.conns, c)
	c.close()
	return true
}

// encodeEvent wraps an event payload in the client wire format
func encodeEvent(eventType async.EventType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s payload", eventType)
	}
	data, err := json.Marshal(Message{
		Type:      string(eventType),
		Payload:   raw,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return data, nil
}
