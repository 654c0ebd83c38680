// Package mirror holds a client's in-memory projection of one room.
package mirror

import (
	"reflect"
	"sort"
	"sync"

	"tablesync/internal/table"
)

// Mirror is keyed by (kind, id). Writes replace entities wholesale.
type Mirror struct {
	mu       sync.RWMutex
	entities map[table.Ref]table.Entity
	version  uint64
}

// New returns an empty mirror.
func New() *Mirror {
	return &Mirror{entities: make(map[table.Ref]table.Entity)}
}

// Upsert stores e, replacing any entity with the same ref. It reports whether
// the stored value changed; an identical payload is a no-op.
func (m *Mirror) Upsert(e table.Entity) bool {
	ref := table.RefOf(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entities[ref]; ok && reflect.DeepEqual(cur, e) {
		return false
	}
	m.entities[ref] = e
	m.version++
	return true
}

// Remove deletes the entity at ref and reports whether it existed.
func (m *Mirror) Remove(ref table.Ref) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[ref]; !ok {
		return false
	}
	delete(m.entities, ref)
	m.version++
	return true
}

// Get returns the entity at ref.
func (m *Mirror) Get(ref table.Ref) (table.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[ref]
	return e, ok
}

// Find looks an id up across kinds. Ids are uuids, so collisions between
// kinds do not occur in practice; the first kind in lookup order wins.
func (m *Mirror) Find(id string) (table.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range []table.Kind{table.KindCard, table.KindToken, table.KindFog, table.KindCounter} {
		if e, ok := m.entities[table.Ref{Kind: k, ID: id}]; ok {
			return e, true
		}
	}
	return nil, false
}

// List returns every entity matching pred, ordered by z-order then id.
// A nil pred matches everything.
func (m *Mirror) List(pred func(table.Entity) bool) []table.Entity {
	m.mu.RLock()
	out := make([]table.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Meta(), out[j].Meta()
		if a.ZOrder != b.ZOrder {
			return a.ZOrder < b.ZOrder
		}
		return a.ID < b.ID
	})
	return out
}

// Replace swaps every entity of the given kinds for rows. Entities of other
// kinds are untouched, which keeps local-only counters across a refetch.
func (m *Mirror) Replace(kinds []table.Kind, rows []table.Entity) {
	drop := make(map[table.Kind]bool, len(kinds))
	for _, k := range kinds {
		drop[k] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for ref := range m.entities {
		if drop[ref.Kind] {
			delete(m.entities, ref)
		}
	}
	for _, e := range rows {
		if drop[e.Kind()] {
			m.entities[table.RefOf(e)] = e
		}
	}
	m.version++
}

// Len returns the number of entities held.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// Version increases on every effective write. Renderers compare it to skip
// redundant redraws.
func (m *Mirror) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// OfKind is a List predicate.
func OfKind(k table.Kind) func(table.Entity) bool {
	return func(e table.Entity) bool { return e.Kind() == k }
}

// TablePool matches unowned entities of kind k.
func TablePool(k table.Kind) func(table.Entity) bool {
	return func(e table.Entity) bool { return e.Kind() == k && !e.Meta().Held() }
}
