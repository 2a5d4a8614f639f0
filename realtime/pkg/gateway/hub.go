package gateway

import (
	"sync"

	"github.com/giftlane/relay/domain"
)

// Conn is the outbound side of one client connection.
type Conn interface {
	// Send queues f without blocking and reports whether it was accepted.
	Send(f Frame) bool
	// Close sends final, when non-nil, and then closes the connection.
	Close(final *Frame)
}

type member struct {
	sess *Session
	conn Conn
	// topics maps each joined topic to the permissions granted on it.
	topics map[string]domain.Permissions
}

// hub tracks the connections and rooms served by this process.
type hub struct {
	mu      sync.RWMutex
	members map[string]*member
	rooms   map[string]map[string]*member
}

func newHub() *hub {
	return &hub{
		members: make(map[string]*member),
		rooms:   make(map[string]map[string]*member),
	}
}

func (h *hub) attach(sess *Session, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[sess.ConnID] = &member{sess: sess, conn: conn, topics: make(map[string]domain.Permissions)}
}

// detach removes the connection from every room.
func (h *hub) detach(connID string) *member {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[connID]
	if !ok {
		return nil
	}
	for topic := range m.topics {
		h.leaveLocked(topic, connID)
	}
	delete(h.members, connID)
	return m
}

func (h *hub) get(connID string) (*member, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[connID]
	return m, ok
}

func (h *hub) join(topic, connID string, p domain.Permissions) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[connID]
	if !ok {
		return false
	}
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[string]*member)
		h.rooms[topic] = room
	}
	room[connID] = m
	m.topics[topic] = p
	return true
}

func (h *hub) leave(topic, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(topic, connID)
}

func (h *hub) leaveLocked(topic, connID string) bool {
	room, ok := h.rooms[topic]
	if !ok {
		return false
	}
	m, ok := room[connID]
	if !ok {
		return false
	}
	delete(room, connID)
	delete(m.topics, topic)
	if len(room) == 0 {
		delete(h.rooms, topic)
	}
	return true
}

type recipient struct {
	user  string
	conn  Conn
	perms domain.Permissions
}

// room snapshots the members of topic.
func (h *hub) room(topic string) []recipient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[topic]
	out := make([]recipient, 0, len(room))
	for _, m := range room {
		out = append(out, recipient{user: m.sess.UserID, conn: m.conn, perms: m.topics[topic]})
	}
	return out
}

// grantClaims lets user see claims on topic from now on.
func (h *hub) grantClaims(topic, user string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.rooms[topic] {
		if m.sess.UserID != user {
			continue
		}
		p := m.topics[topic]
		p.CanViewClaims = true
		m.topics[topic] = p
	}
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}
