package signaling

import (
	"sort"
	"sync"
)

// Registry maps room names to member sets. A room exists exactly as long as
// it has at least one member. The lock is held for one mutation at a time and
// never across I/O; callers broadcast to the returned snapshots afterwards.
type Registry[M comparable] struct {
	mu    sync.Mutex
	rooms map[string]map[M]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry[M comparable]() *Registry[M] {
	return &Registry[M]{rooms: make(map[string]map[M]struct{})}
}

// Join adds m to room, creating the room if needed. It returns the members
// that were already present (never m itself). added is false when m was
// already a member, in which case nothing changed.
func (r *Registry[M]) Join(room string, m M) (others []M, created, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[M]struct{})
		r.rooms[room] = members
		created = true
	}
	if _, dup := members[m]; dup {
		return nil, false, false
	}
	others = make([]M, 0, len(members))
	for o := range members {
		others = append(others, o)
	}
	members[m] = struct{}{}
	return others, created, true
}

// Departure describes one room a member was removed from.
type Departure[M comparable] struct {
	Room      string
	Remaining []M
	// Deleted is true when the departing member was the last one.
	Deleted bool
}

// Leave removes m from room. ok is false when m was not a member.
func (r *Registry[M]) Leave(room string, m M) (d Departure[M], ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, m)
}

// LeaveAll removes m from every room it belongs to.
func (r *Registry[M]) LeaveAll(m M) []Departure[M] {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Departure[M]
	for room, members := range r.rooms {
		if _, in := members[m]; !in {
			continue
		}
		d, _ := r.leaveLocked(room, m)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

func (r *Registry[M]) leaveLocked(room string, m M) (Departure[M], bool) {
	members, exists := r.rooms[room]
	if !exists {
		return Departure[M]{}, false
	}
	if _, in := members[m]; !in {
		return Departure[M]{}, false
	}
	delete(members, m)
	d := Departure[M]{Room: room}
	if len(members) == 0 {
		delete(r.rooms, room)
		d.Deleted = true
		return d, true
	}
	d.Remaining = make([]M, 0, len(members))
	for o := range members {
		d.Remaining = append(d.Remaining, o)
	}
	return d, true
}

// Members returns a snapshot of room's members, excluding skip.
func (r *Registry[M]) Members(room string, skip M) []M {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	out := make([]M, 0, len(members))
	for m := range members {
		if m != skip {
			out = append(out, m)
		}
	}
	return out
}

// Size returns the member count of room; zero if the room does not exist.
func (r *Registry[M]) Size(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// Snapshot returns the member count of every room.
func (r *Registry[M]) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.rooms))
	for room, members := range r.rooms {
		out[room] = len(members)
	}
	return out
}

// Len returns the number of rooms.
func (r *Registry[M]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
