package signaling

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRegistry_JoinReturnsExistingMembers(t *testing.T) {
	t.Parallel()
	r := NewRegistry[string]()

	others, created, added := r.Join("r1", "a")
	if !created || !added || len(others) != 0 {
		t.Fatalf("first join: others=%v created=%v added=%v", others, created, added)
	}
	others, created, added = r.Join("r1", "b")
	if created || !added || !equal(others, []string{"a"}) {
		t.Fatalf("second join: others=%v created=%v added=%v", others, created, added)
	}
	others, _, _ = r.Join("r1", "c")
	if got := sorted(others); !equal(got, []string{"a", "b"}) {
		t.Errorf("third join others = %v, want [a b]", got)
	}
}

func TestRegistry_DuplicateJoinIsNoop(t *testing.T) {
	t.Parallel()
	r := NewRegistry[string]()
	r.Join("r1", "a")
	others, created, added := r.Join("r1", "a")
	if added || created || others != nil {
		t.Errorf("duplicate join: others=%v created=%v added=%v", others, created, added)
	}
	if r.Size("r1") != 1 {
		t.Errorf("size = %d, want 1", r.Size("r1"))
	}
}

func TestRegistry_LeaveDeletesEmptyRoom(t *testing.T) {
	t.Parallel()
	r := NewRegistry[string]()
	r.Join("r1", "a")
	r.Join("r1", "b")

	d, ok := r.Leave("r1", "a")
	if !ok || d.Deleted || !equal(d.Remaining, []string{"b"}) {
		t.Fatalf("leave a: %+v ok=%v", d, ok)
	}
	d, ok = r.Leave("r1", "b")
	if !ok || !d.Deleted || len(d.Remaining) != 0 {
		t.Fatalf("leave b: %+v ok=%v", d, ok)
	}
	if r.Len() != 0 {
		t.Errorf("rooms = %v, want none", r.Snapshot())
	}
	if _, ok := r.Leave("r1", "b"); ok {
		t.Error("leaving a deleted room reported ok")
	}
}

func TestRegistry_LeaveNonMember(t *testing.T) {
	t.Parallel()
	r := NewRegistry[string]()
	r.Join("r1", "a")
	if _, ok := r.Leave("r1", "x"); ok {
		t.Error("non-member leave reported ok")
	}
	if r.Size("r1") != 1 {
		t.Error("non-member leave changed the room")
	}
}

func TestRegistry_LeaveAll(t *testing.T) {
	t.Parallel()
	r := NewRegistry[string]()
	r.Join("r1", "a")
	r.Join("r2", "a")
	r.Join("r2", "b")
	r.Join("r3", "b")

	ds := r.LeaveAll("a")
	if len(ds) != 2 {
		t.Fatalf("departures = %+v, want 2", ds)
	}
	if ds[0].Room != "r1" || !ds[0].Deleted {
		t.Errorf("r1 departure = %+v", ds[0])
	}
	if ds[1].Room != "r2" || ds[1].Deleted || !equal(ds[1].Remaining, []string{"b"}) {
		t.Errorf("r2 departure = %+v", ds[1])
	}
	snap := r.Snapshot()
	if len(snap) != 2 || snap["r2"] != 1 || snap["r3"] != 1 {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestRegistry_MembersExcludesSkip(t *testing.T) {
	t.Parallel()
	r := NewRegistry[string]()
	r.Join("r1", "a")
	r.Join("r1", "b")
	r.Join("r1", "c")
	if got := sorted(r.Members("r1", "b")); !equal(got, []string{"a", "c"}) {
		t.Errorf("Members = %v, want [a c]", got)
	}
	if got := r.Members("nope", "b"); len(got) != 0 {
		t.Errorf("Members of unknown room = %v", got)
	}
}

// No room ever exists without members, whatever the interleaving.
func TestRegistry_ConcurrentMembershipInvariant(t *testing.T) {
	t.Parallel()
	r := NewRegistry[string]()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("m%d", w)
			for i := range 200 {
				room := fmt.Sprintf("r%d", i%3)
				r.Join(room, id)
				if i%2 == 0 {
					r.Leave(room, id)
				} else {
					r.LeaveAll(id)
				}
				for name, n := range r.Snapshot() {
					if n == 0 {
						t.Errorf("room %q exists with no members", name)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("rooms left over: %v", r.Snapshot())
	}
}
