package responder

import (
	"cmp"
	"slices"
)

// Registry is the arena of entries owned by the engine, indexed by identity
// and by owner name.
//
// The engine is single-threaded, so the registry does no locking. Iteration
// order is deterministic: hosts, then services, then keys, each in
// registration order.
type Registry struct {
	byKey  map[entryKey]*entry
	byName map[string][]*entry
	seq    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[entryKey]*entry),
		byName: make(map[string][]*entry),
	}
}

// Add inserts e. An entry with the same identity must not exist.
func (r *Registry) Add(e *entry) {
	r.seq++
	e.seq = r.seq
	e.timer = timerItem{index: -1, entry: e}
	r.byKey[e.key] = e
	r.byName[e.key.name] = append(r.byName[e.key.name], e)
}

// Get returns the entry with identity key.
func (r *Registry) Get(key entryKey) (*entry, bool) {
	e, ok := r.byKey[key]
	return e, ok
}

// Remove deletes e.
func (r *Registry) Remove(e *entry) {
	if r.byKey[e.key] != e {
		return
	}
	delete(r.byKey, e.key)
	siblings := slices.DeleteFunc(r.byName[e.key.name], func(o *entry) bool { return o == e })
	if len(siblings) == 0 {
		delete(r.byName, e.key.name)
		return
	}
	r.byName[e.key.name] = siblings
}

// ByName returns the entries whose owner name has comparison key nameKey.
func (r *Registry) ByName(nameKey string) []*entry {
	return r.byName[nameKey]
}

// List returns every entry in deterministic order.
func (r *Registry) List() []*entry {
	out := make([]*entry, 0, len(r.byKey))
	for _, e := range r.byKey {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.byKey)
}

// Clear drops every entry.
func (r *Registry) Clear() {
	clear(r.byKey)
	clear(r.byName)
}

func sortEntries(es []*entry) {
	slices.SortFunc(es, func(a, b *entry) int {
		if c := cmp.Compare(a.kind, b.kind); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}
