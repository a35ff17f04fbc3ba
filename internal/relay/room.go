package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicedesk/voicedesk/internal/signal"
)

var (
	errRoomFull  = errors.New("room is full")
	errRoleTaken = errors.New("role already taken")
)

const memberWriteWait = 5 * time.Second

// member is one websocket connection that completed the join handshake.
// Writes go through send so concurrent broadcasts never interleave frames.
type member struct {
	role string
	name string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (m *member) send(env signal.Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(memberWriteWait))
	return m.conn.WriteJSON(env)
}

// room holds at most two members, one agent and one customer. The relay keeps
// no negotiation state here; the room only routes envelopes.
type room struct {
	name string

	mu      sync.Mutex
	members map[string]*member // keyed by role
}

func newRoom(name string) *room {
	return &room{name: name, members: map[string]*member{}}
}

// join admits m or reports why it cannot. At most one member per role, at
// most two members total.
func (r *room) join(m *member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.members[m.role]; taken {
		return errRoleTaken
	}
	if len(r.members) >= 2 {
		return errRoomFull
	}
	r.members[m.role] = m
	return nil
}

// leave removes m if it is still the registered member for its role. It is a
// no-op when a newer connection already replaced the slot.
func (r *room) leave(m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[m.role] == m {
		delete(r.members, m.role)
	}
}

// other returns the member on the opposite side of m, or nil.
func (r *room) other(m *member) *member {
	r.mu.Lock()
	defer r.mu.Unlock()
	for role, peer := range r.members {
		if role != m.role {
			return peer
		}
	}
	return nil
}

// connected reports whether both roles are present.
func (r *room) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 2
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// snapshot returns the current members for iteration outside the room lock.
func (r *room) snapshot() []*member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}
