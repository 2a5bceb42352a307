// Package mutation implements the optimistic write contract: apply locally,
// confirm with the server, or restore the exact pre-edit snapshot.
package mutation

import (
	"sync"
)

// =============================================================================
// Store
// =============================================================================

// ChangeFunc observes a store write. present is false for removals.
type ChangeFunc[K comparable, V any] func(key K, value V, present bool)

// Store is the client-side entity state shared by optimistic writes and
// realtime events. Values are replaced by key and never mutated in place.
//
// Every server-confirmed write bumps the key's revision. A snapshot taken
// before the bump is not restored over it.
//
// Optimistic writes made through Stage are layered per key over the last
// confirmed value. Settling a layer removes only that layer, so overlapping
// mutations of one key never leave a rejected value behind.
type Store[K comparable, V any] struct {
	mu        sync.RWMutex
	items     map[K]V
	revisions map[K]uint64
	clock     uint64
	pending   map[K]*pendingKey[V]
	seq       uint64

	listenerMu sync.RWMutex
	listeners  map[uint64]ChangeFunc[K, V]
	nextID     uint64
}

// NewStore creates an empty store.
func NewStore[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{
		items:     make(map[K]V),
		revisions: make(map[K]uint64),
		pending:   make(map[K]*pendingKey[V]),
		listeners: make(map[uint64]ChangeFunc[K, V]),
	}
}

// Snapshot is the exact state of one key at a point in time.
type Snapshot[K comparable, V any] struct {
	Key     K
	Value   V
	Present bool
	rev     uint64
	seq     uint64 // layer written by Stage, 0 for a plain Snapshot
}

// pendingKey is the confirmed base of a key under unsettled local writes.
type pendingKey[V any] struct {
	base        V
	basePresent bool
	layers      []layer[V]
}

type layer[V any] struct {
	seq     uint64
	value   V
	present bool
}

// Get returns the current value for key.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Values returns every value in no particular order.
func (s *Store[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]V, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	return out
}

// Len returns the number of entities held.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Snapshot captures key's current value or absence.
func (s *Store[K, V]) Snapshot(key K) Snapshot[K, V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return Snapshot[K, V]{Key: key, Value: v, Present: ok, rev: s.revisions[key]}
}

// Set writes an unconfirmed local value.
func (s *Store[K, V]) Set(key K, value V) {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	s.notify(key, value, true)
}

// Delete removes key locally without confirmation.
func (s *Store[K, V]) Delete(key K) {
	s.mu.Lock()
	_, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	if ok {
		var zero V
		s.notify(key, zero, false)
	}
}

// Confirm writes a server-confirmed value.
func (s *Store[K, V]) Confirm(key K, value V) {
	s.mu.Lock()
	s.confirmLocked(key, value, true)
	s.mu.Unlock()
	s.notify(key, value, true)
}

// ConfirmDelete records a server-confirmed removal.
func (s *Store[K, V]) ConfirmDelete(key K) {
	s.mu.Lock()
	_, ok := s.items[key]
	var zero V
	s.confirmLocked(key, zero, false)
	s.mu.Unlock()
	if ok {
		s.notify(key, zero, false)
	}
}

// Revision returns the store clock. Pass it to ConfirmAsOf and
// ConfirmDeleteAsOf when applying a server read that started now.
func (s *Store[K, V]) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock
}

// Changed reports whether key was confirmed after revision asOf.
func (s *Store[K, V]) Changed(key K, asOf uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revisions[key] > asOf
}

// ConfirmAsOf confirms value unless key was confirmed after asOf, the
// revision read when the server answer was requested. It reports whether
// value was written.
func (s *Store[K, V]) ConfirmAsOf(key K, value V, asOf uint64) bool {
	s.mu.Lock()
	if s.revisions[key] > asOf {
		s.mu.Unlock()
		return false
	}
	s.confirmLocked(key, value, true)
	s.mu.Unlock()
	s.notify(key, value, true)
	return true
}

// ConfirmDeleteAsOf is ConfirmAsOf for a removal.
func (s *Store[K, V]) ConfirmDeleteAsOf(key K, asOf uint64) bool {
	s.mu.Lock()
	if s.revisions[key] > asOf {
		s.mu.Unlock()
		return false
	}
	_, ok := s.items[key]
	var zero V
	s.confirmLocked(key, zero, false)
	s.mu.Unlock()
	if ok {
		s.notify(key, zero, false)
	}
	return true
}

func (s *Store[K, V]) confirmLocked(key K, value V, present bool) {
	if present {
		s.items[key] = value
	} else {
		delete(s.items, key)
	}
	s.clock++
	s.revisions[key] = s.clock
	if pk, ok := s.pending[key]; ok {
		pk.base, pk.basePresent = value, present
	}
}

// Replace swaps a locally keyed entity for its server-confirmed identity,
// e.g. a temporary id for the id the server assigned.
func (s *Store[K, V]) Replace(oldKey, newKey K, value V) {
	s.mu.Lock()
	_, hadOld := s.items[oldKey]
	delete(s.items, oldKey)
	delete(s.revisions, oldKey)
	if oldKey != newKey {
		delete(s.pending, oldKey)
	}
	s.confirmLocked(newKey, value, true)
	s.mu.Unlock()

	if hadOld && oldKey != newKey {
		var zero V
		s.notify(oldKey, zero, false)
	}
	s.notify(newKey, value, true)
}

// Stage captures key's current state and writes an optimistic value (or
// removal when present is false) as a new layer. The returned snapshot
// settles that layer through Settle or Restore.
func (s *Store[K, V]) Stage(key K, value V, present bool) Snapshot[K, V] {
	s.mu.Lock()
	cur, ok := s.items[key]
	snap := Snapshot[K, V]{Key: key, Value: cur, Present: ok, rev: s.revisions[key]}

	pk, found := s.pending[key]
	if !found {
		pk = &pendingKey[V]{base: cur, basePresent: ok}
		s.pending[key] = pk
	}
	s.seq++
	snap.seq = s.seq
	pk.layers = append(pk.layers, layer[V]{seq: snap.seq, value: value, present: present})

	if present {
		s.items[key] = value
	} else {
		delete(s.items, key)
	}
	s.mu.Unlock()

	if present || ok {
		s.notify(key, value, present)
	}
	return snap
}

// Settle drops the layer written by Stage after the server accepted it.
// The visible value is left to the commit that follows.
func (s *Store[K, V]) Settle(snap Snapshot[K, V]) {
	s.mu.Lock()
	s.dropLayerLocked(snap.Key, snap.seq)
	s.mu.Unlock()
}

// Restore rolls back snap unless the server confirmed the key after the
// snapshot was taken. For a staged snapshot only its own layer is undone:
// the key shows the newest layer still pending, or the confirmed base when
// none is left. It reports whether the key was rewritten.
func (s *Store[K, V]) Restore(snap Snapshot[K, V]) bool {
	s.mu.Lock()
	if snap.seq == 0 {
		if s.revisions[snap.Key] > snap.rev {
			s.mu.Unlock()
			return false
		}
		s.writeLocked(snap.Key, snap.Value, snap.Present)
		s.mu.Unlock()
		s.notify(snap.Key, snap.Value, snap.Present)
		return true
	}

	pk := s.pending[snap.Key]
	s.dropLayerLocked(snap.Key, snap.seq)
	if pk == nil || s.revisions[snap.Key] > snap.rev {
		s.mu.Unlock()
		return false
	}

	value, present := pk.base, pk.basePresent
	if n := len(pk.layers); n > 0 {
		value, present = pk.layers[n-1].value, pk.layers[n-1].present
	}
	s.writeLocked(snap.Key, value, present)
	s.mu.Unlock()

	s.notify(snap.Key, value, present)
	return true
}

// Pending returns the number of unsettled optimistic writes on key.
func (s *Store[K, V]) Pending(key K) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pk, ok := s.pending[key]; ok {
		return len(pk.layers)
	}
	return 0
}

func (s *Store[K, V]) writeLocked(key K, value V, present bool) {
	if present {
		s.items[key] = value
	} else {
		delete(s.items, key)
	}
}

func (s *Store[K, V]) dropLayerLocked(key K, seq uint64) {
	pk, ok := s.pending[key]
	if !ok {
		return
	}
	for i, l := range pk.layers {
		if l.seq == seq {
			pk.layers = append(pk.layers[:i], pk.layers[i+1:]...)
			break
		}
	}
	if len(pk.layers) == 0 {
		delete(s.pending, key)
	}
}

// Reset replaces the whole store with confirmed values.
func (s *Store[K, V]) Reset(values map[K]V) {
	s.mu.Lock()
	old := s.items
	s.items = make(map[K]V, len(values))
	for k, v := range values {
		s.items[k] = v
		s.clock++
		s.revisions[k] = s.clock
	}
	s.pending = make(map[K]*pendingKey[V])
	s.mu.Unlock()

	for k := range old {
		if _, ok := values[k]; !ok {
			var zero V
			s.notify(k, zero, false)
		}
	}
	for k, v := range values {
		s.notify(k, v, true)
	}
}

// OnChange registers fn for every write and returns its unsubscribe func.
func (s *Store[K, V]) OnChange(fn ChangeFunc[K, V]) func() {
	s.listenerMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Store[K, V]) notify(key K, value V, present bool) {
	s.listenerMu.RLock()
	fns := make([]ChangeFunc[K, V], 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.RUnlock()

	for _, fn := range fns {
		fn(key, value, present)
	}
}
