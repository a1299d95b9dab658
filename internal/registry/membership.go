package registry

import (
	"fmt"
	"sort"
)

// JoinRoom records room membership for an open connection. attach runs under
// the registry lock, so a concurrent Remove either happens before (and the
// join fails with ErrNotOpen) or after (and sees the room in the final
// Change). Joining a room twice is a no-op.
func (r *Registry) JoinRoom(id, room string, attach func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil || c.status != Open {
		return fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	if _, ok := c.rooms[room]; ok {
		return nil
	}
	if attach != nil {
		if err := attach(); err != nil {
			return err
		}
	}
	c.rooms[room] = struct{}{}
	c.lastSeen = r.now()
	return nil
}

// LeaveRoom drops membership; detach runs under the registry lock. It reports
// false when the connection is unknown or was not in the room.
func (r *Registry) LeaveRoom(id, room string, detach func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil {
		return false
	}
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	if detach != nil {
		detach()
	}
	delete(c.rooms, room)
	return true
}

// Endpoint resolves an open connection for delivery.
func (r *Registry) Endpoint(id string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil || c.status != Open {
		return Endpoint{}, false
	}
	return Endpoint{ID: c.id, UserID: c.userID, T: c.t}, true
}

func (r *Registry) Info(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	if c == nil {
		return Info{}, false
	}
	return c.info(), true
}

// OpenEndpoints snapshots every open connection.
func (r *Registry) OpenEndpoints() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Endpoint, 0, len(r.conns))
	for _, c := range r.conns {
		if c.status == Open {
			out = append(out, Endpoint{ID: c.id, UserID: c.userID, T: c.t})
		}
	}
	return out
}

// HasLive reports whether owner has any connecting or open connection.
// owner matches either the user id or, for anonymous connections, the id.
func (r *Registry) HasLive(owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.conns[owner]; c != nil && c.userID == "" && c.status.Live() {
		return true
	}
	for _, c := range r.conns {
		if c.userID != "" && c.userID == owner && c.status.Live() {
			return true
		}
	}
	return false
}

// ConnsOf returns the open endpoints owned by owner, matched the same way as
// HasLive.
func (r *Registry) ConnsOf(owner string) []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.conns[owner]; c != nil && c.userID == "" {
		if c.status == Open {
			return []Endpoint{{ID: c.id, T: c.t}}
		}
		return nil
	}
	var out []Endpoint
	for _, c := range r.conns {
		if c.userID != "" && c.userID == owner && c.status == Open {
			out = append(out, Endpoint{ID: c.id, UserID: c.userID, T: c.t})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
