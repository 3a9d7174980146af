package rooms

import (
	"sync"

	"go.uber.org/zap"
)

// Frame is one outbound event.
type Frame struct {
	Event string
	Data  interface{}
}

// Connection is a member of one or more rooms. Send must not block; it
// returns false when the frame was dropped or the connection is closed.
type Connection interface {
	ID() string
	Send(frame Frame) bool
}

// Hub tracks many-to-many room membership and fans frames out to members.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[Address]map[string]Connection
	memberships map[string]map[Address]struct{}
	logger      *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:       make(map[Address]map[string]Connection),
		memberships: make(map[string]map[Address]struct{}),
		logger:      logger,
	}
}

// Join adds the connection to the room and reports whether it was newly added.
func (h *Hub) Join(conn Connection, address Address) bool {
	if conn == nil || !address.Valid() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[address]
	if !ok {
		members = make(map[string]Connection)
		h.rooms[address] = members
	}
	if _, exists := members[conn.ID()]; exists {
		return false
	}
	members[conn.ID()] = conn

	joined, ok := h.memberships[conn.ID()]
	if !ok {
		joined = make(map[Address]struct{})
		h.memberships[conn.ID()] = joined
	}
	joined[address] = struct{}{}
	return true
}

// Leave removes the connection from the room and reports whether it was a member.
func (h *Hub) Leave(conn Connection, address Address) bool {
	if conn == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(conn.ID(), address)
}

// LeaveAll removes the connection from every room it joined.
func (h *Hub) LeaveAll(conn Connection) []Address {
	if conn == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	joined := h.memberships[conn.ID()]
	left := make([]Address, 0, len(joined))
	for address := range joined {
		left = append(left, address)
	}
	for _, address := range left {
		h.leaveLocked(conn.ID(), address)
	}
	return left
}

func (h *Hub) leaveLocked(connID string, address Address) bool {
	members := h.rooms[address]
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, address)
	}
	if joined := h.memberships[connID]; joined != nil {
		delete(joined, address)
		if len(joined) == 0 {
			delete(h.memberships, connID)
		}
	}
	return true
}

// Members returns the number of connections in the room.
func (h *Hub) Members(address Address) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[address])
}

// Rooms returns the rooms a connection currently belongs to.
func (h *Hub) Rooms(connID string) []Address {
	h.mu.RLock()
	defer h.mu.RUnlock()
	joined := h.memberships[connID]
	addresses := make([]Address, 0, len(joined))
	for address := range joined {
		addresses = append(addresses, address)
	}
	return addresses
}

// Emit delivers the event to every member of the room and returns how many
// connections accepted it. Membership is snapshotted under the read lock and
// sends happen outside it.
func (h *Hub) Emit(address Address, event string, data interface{}) int {
	if !address.Valid() || event == "" {
		return 0
	}
	h.mu.RLock()
	members := h.rooms[address]
	if len(members) == 0 {
		h.mu.RUnlock()
		return 0
	}
	targets := make([]Connection, 0, len(members))
	for _, conn := range members {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	frame := Frame{Event: event, Data: data}
	delivered := 0
	for _, conn := range targets {
		if conn.Send(frame) {
			delivered++
			continue
		}
		h.logger.Debug("frame dropped",
			zap.String("room", address.String()),
			zap.String("event", event),
			zap.String("connection_id", conn.ID()))
	}
	return delivered
}
