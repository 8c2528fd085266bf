package chm

import (
	"sync/atomic"
)

// Map is a thread-safe hash map with atomic compound operations.
// Multiple goroutines may read and mutate it without external locking;
// operations on the same key are linearizable, operations on
// different keys never contend with each other.
//
// Core properties:
//   - Lock-free reads, fine-grained per-bucket locking for writes
//   - Atomic read-modify-write primitives (LoadOrStoreFn, Compute,
//     ComputeIfPresent, Merge, CompareAndSwap, ...)
//   - Cooperative incremental resizing that never loses or duplicates
//     an association
//   - Custom hash and value equality function support
//
// A Map must be created with New; the zero value is not usable. It must
// not be copied after first use.
type Map[K comparable, V any] struct {
	_       noCopy
	table   atomic.Pointer[table[K, V]]
	resize  atomic.Pointer[resizeState[K, V]]
	growths atomic.Uint32
	clears  atomic.Uint32

	seed        uint64
	keyHash     func(K, uint64) uint64
	valEqual    func(V, V) bool
	loadFactor  float64
	minTableLen int
}

// entry is an immutable key-value association. A value update replaces
// the whole entry, so a reader that reached an entry through a
// published slice never sees a partially written value.
type entry[K comparable, V any] struct {
	hash  uint64
	key   K
	value V
}

// New creates a Map configured by the given options (WithInitialCapacity,
// WithLoadFactor, WithKeyHasher, WithValueEqual).
//
// It returns ErrInvalidConfiguration if an option is out of range or
// typed for a different key or value type. Without options the map
// holds DefaultInitialCapacity entries before the first growth and
// doubles at DefaultLoadFactor occupancy.
func New[K comparable, V any](options ...func(*MapConfig)) (*Map[K, V], error) {
	var cfg MapConfig
	for _, o := range options {
		o(&cfg)
	}
	m := &Map[K, V]{}
	if err := m.init(&cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Load retrieves the value for the given key. The read takes no locks
// and may observe the previous table while a concurrent resize is in
// flight, which is at worst slightly stale, never torn.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	t := m.table.Load()
	hash := m.keyHash(key, m.seed)
	if e := loadEntry(t, hash, key); e != nil {
		return e.value, true
	}
	return *new(V), false
}

// LoadOrDefault returns the value for key, or def if no entry exists.
func (m *Map[K, V]) LoadOrDefault(key K, def V) V {
	if v, ok := m.Load(key); ok {
		return v
	}
	return def
}

// Has reports whether key is present.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.Load(key)
	return ok
}

// Store inserts or overwrites the value for key.
func (m *Map[K, V]) Store(key K, value V) {
	m.processEntry(key, m.keyHash(key, m.seed),
		func(*entry[K, V]) (*entry[K, V], V, bool, error) {
			return &entry[K, V]{value: value}, *new(V), false, nil
		},
	)
}

// Swap stores value for key and returns the previous value, if any
// (get-and-set).
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	previous, loaded, _ = m.processEntry(key, m.keyHash(key, m.seed),
		func(e *entry[K, V]) (*entry[K, V], V, bool, error) {
			if e != nil {
				return &entry[K, V]{value: value}, e.value, true, nil
			}
			return &entry[K, V]{value: value}, *new(V), false, nil
		},
	)
	return previous, loaded
}

// LoadOrStore returns the existing value for key if present; otherwise
// it stores value. The loaded result is true if the value was already
// present, in which case the stored value is left untouched.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	t := m.table.Load()
	hash := m.keyHash(key, m.seed)
	if e := loadEntry(t, hash, key); e != nil {
		return e.value, true
	}
	actual, loaded, _ = m.processEntry(key, hash,
		func(e *entry[K, V]) (*entry[K, V], V, bool, error) {
			if e != nil {
				return e, e.value, true, nil
			}
			return &entry[K, V]{value: value}, value, false, nil
		},
	)
	return actual, loaded
}

// LoadOrStoreFn returns the existing value for key if present.
// Otherwise it invokes fn and, if fn reports ok, stores and returns the
// produced value. fn runs at most once, only when the key is absent at
// the moment of atomic insertion; if fn reports !ok no entry is
// created. An error from fn aborts the operation with nothing stored
// and is returned unchanged.
//
// The ok result is true if an entry exists after the call (found or
// stored).
//
// fn executes while the key's bucket lock is held: it must not call
// other methods of this map, or a nested operation that lands on the
// same bucket will deadlock.
func (m *Map[K, V]) LoadOrStoreFn(
	key K,
	fn func() (value V, ok bool, err error),
) (actual V, ok bool, err error) {
	t := m.table.Load()
	hash := m.keyHash(key, m.seed)
	if e := loadEntry(t, hash, key); e != nil {
		return e.value, true, nil
	}
	return m.processEntry(key, hash,
		func(e *entry[K, V]) (*entry[K, V], V, bool, error) {
			if e != nil {
				return e, e.value, true, nil
			}
			value, ok, err := fn()
			if err != nil {
				return nil, *new(V), false, err
			}
			if !ok {
				return nil, *new(V), false, nil
			}
			return &entry[K, V]{value: value}, value, true, nil
		},
	)
}

// ComputeIfPresent atomically remaps the value for key if one exists.
// fn receives the current value; if it reports ok the entry is replaced
// with the produced value, otherwise the entry is removed. For an
// absent key fn is not invoked and nothing changes. An error from fn
// leaves the entry untouched and is returned unchanged.
//
// The ok result is true if an entry exists after the call, and value is
// then the remapped value.
//
// fn runs under the key's bucket lock; see LoadOrStoreFn for the
// re-entrancy contract.
func (m *Map[K, V]) ComputeIfPresent(
	key K,
	fn func(old V) (value V, ok bool, err error),
) (value V, ok bool, err error) {
	t := m.table.Load()
	hash := m.keyHash(key, m.seed)
	if e := loadEntry(t, hash, key); e == nil {
		return *new(V), false, nil
	}
	return m.processEntry(key, hash,
		func(e *entry[K, V]) (*entry[K, V], V, bool, error) {
			if e == nil {
				return nil, *new(V), false, nil
			}
			value, ok, err := fn(e.value)
			if err != nil {
				return e, *new(V), false, err
			}
			if !ok {
				return nil, *new(V), false, nil
			}
			return &entry[K, V]{value: value}, value, true, nil
		},
	)
}

// Compute atomically remaps the value for key whether or not an entry
// exists. fn always runs, receiving the current value and a loaded flag
// acting as the absent marker. If fn reports ok the produced value is
// stored; otherwise an existing entry is removed and an absent key
// stays absent. An error from fn commits nothing and is returned
// unchanged.
//
// The ok result is true if an entry exists after the call.
//
// fn runs under the key's bucket lock; see LoadOrStoreFn for the
// re-entrancy contract.
func (m *Map[K, V]) Compute(
	key K,
	fn func(old V, loaded bool) (value V, ok bool, err error),
) (value V, ok bool, err error) {
	return m.processEntry(key, m.keyHash(key, m.seed),
		func(e *entry[K, V]) (*entry[K, V], V, bool, error) {
			var old V
			if e != nil {
				old = e.value
			}
			value, ok, err := fn(old, e != nil)
			if err != nil {
				return e, *new(V), false, err
			}
			if !ok {
				return nil, *new(V), false, nil
			}
			return &entry[K, V]{value: value}, value, true, nil
		},
	)
}

// Merge associates value with an absent key directly, without invoking
// fn. If the key is present, fn computes the replacement from the old
// and the given value; reporting !ok removes the entry. An error from
// fn commits nothing and is returned unchanged.
//
// The ok result is true if an entry exists after the call, and the
// returned value is then the one now associated with key.
//
// fn runs under the key's bucket lock; see LoadOrStoreFn for the
// re-entrancy contract.
func (m *Map[K, V]) Merge(
	key K,
	value V,
	fn func(old, new V) (merged V, ok bool, err error),
) (actual V, ok bool, err error) {
	return m.processEntry(key, m.keyHash(key, m.seed),
		func(e *entry[K, V]) (*entry[K, V], V, bool, error) {
			if e == nil {
				return &entry[K, V]{value: value}, value, true, nil
			}
			merged, ok, err := fn(e.value, value)
			if err != nil {
				return e, *new(V), false, err
			}
			if !ok {
				return nil, *new(V), false, nil
			}
			return &entry[K, V]{value: merged}, merged, true, nil
		},
	)
}

// Replace stores value only if an entry for key already exists,
// returning the previous value. A missing key is a no-op.
func (m *Map[K, V]) Replace(key K, value V) (previous V, loaded bool) {
	t := m.table.Load()
	hash := m.keyHash(key, m.seed)
	if e := loadEntry(t, hash, key); e == nil {
		return *new(V), false
	}
	previous, loaded, _ = m.processEntry(key, hash,
		func(e *entry[K, V]) (*entry[K, V], V, bool, error) {
			if e == nil {
				return nil, *new(V), false, nil
			}
			return &entry[K, V]{value: value}, e.value, true, nil
		},
	)
	return previous, loaded
}

// CompareAndSwap replaces the value for key with new only if the
// current value equals old under the map's value equality. It reports
// whether the swap happened.
//
// Panics if the value type is not comparable and no WithValueEqual
// function was configured.
func (m *Map[K, V]) CompareAndSwap(key K, old, new V) (swapped bool) {
	if m.valEqual == nil {
		panic("chm: CompareAndSwap called without value equality; use WithValueEqual")
	}
	t := m.table.Load()
	hash := m.keyHash(key, m.seed)
	if e := loadEntry(t, hash, key); e == nil {
		return false
	}
	_, swapped, _ = m.processEntry(key, hash,
		func(e *entry[K, V]) (*entry[K, V], V, bool, error) {
			var zero V
			if e != nil && m.valEqual(e.value, old) {
				return &entry[K, V]{value: new}, zero, true, nil
			}
			return e, zero, false, nil
		},
	)
	return swapped
}

// CompareAndDelete removes the entry for key only if its value equals
// old under the map's value equality. It reports whether the entry was
// removed.
//
// Panics if the value type is not comparable and no WithValueEqual
// function was configured.
func (m *Map[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	if m.valEqual == nil {
		panic("chm: CompareAndDelete called without value equality; use WithValueEqual")
	}
	t := m.table.Load()
	hash := m.keyHash(key, m.seed)
	if e := loadEntry(t, hash, key); e == nil {
		return false
	}
	_, deleted, _ = m.processEntry(key, hash,
		func(e *entry[K, V]) (*entry[K, V], V, bool, error) {
			if e != nil && m.valEqual(e.value, old) {
				return nil, *new(V), true, nil
			}
			return e, *new(V), false, nil
		},
	)
	return deleted
}

// Delete removes the entry for key. Missing keys are a no-op.
func (m *Map[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// LoadAndDelete removes the entry for key, returning the removed value
// if the key was present.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	t := m.table.Load()
	hash := m.keyHash(key, m.seed)
	if e := loadEntry(t, hash, key); e == nil {
		return *new(V), false
	}
	value, loaded, _ = m.processEntry(key, hash,
		func(e *entry[K, V]) (*entry[K, V], V, bool, error) {
			if e != nil {
				return nil, e.value, true, nil
			}
			return nil, *new(V), false, nil
		},
	)
	return value, loaded
}

// Size returns the number of entries. It sums striped counters without
// a global lock, so under concurrent modification the result is an
// approximation consistent with some serialization of the operations.
func (m *Map[K, V]) Size() int {
	return m.table.Load().sumSize()
}

// Clear removes all entries by swapping in a fresh minimum-sized table.
// Clearing is not atomic as a whole: entries inserted concurrently may
// land in either table and so may or may not survive.
func (m *Map[K, V]) Clear() {
	for {
		if rs := m.resize.Load(); rs != nil {
			m.helpCopy(rs)
		}
		t := m.table.Load()
		if m.tryResize(t, m.minTableLen, true) {
			return
		}
	}
}

// Range calls fn for each entry until fn returns false.
//
// Iteration is weakly consistent: it takes no locks, every entry
// present for the whole traversal is visited at least once, entries
// inserted or removed concurrently may or may not be visited, and no
// entry is ever observed torn or twice from the same table snapshot.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	t := m.table.Load()
	for i := range t.buckets {
		if p := t.buckets[i].entries.Load(); p != nil {
			for _, e := range *p {
				if !fn(e.key, e.value) {
					return
				}
			}
		}
	}
}

// All returns an iterator over the map's entries, for use with
// range-over-func. Same consistency as Range.
func (m *Map[K, V]) All() func(yield func(K, V) bool) {
	return m.Range
}

// ToMap collects up to limit entries into a native map; omit limit to
// collect everything. A non-positive limit yields an empty map.
func (m *Map[K, V]) ToMap(limit ...int) map[K]V {
	l := -1
	if len(limit) != 0 {
		l = limit[0]
		if l <= 0 {
			return map[K]V{}
		}
	}
	out := make(map[K]V, m.Size())
	m.Range(func(k K, v V) bool {
		out[k] = v
		if l > 0 {
			l--
			return l > 0
		}
		return true
	})
	return out
}

// Clone returns a new, empty Map carrying the same configuration as m
// (hasher, value equality, capacity, load factor). Entries are
// deliberately not copied: duplicating a map yields a fresh container,
// which is the duplication contract of the cache this engine backs.
func (m *Map[K, V]) Clone() *Map[K, V] {
	c := &Map[K, V]{
		seed:        newSeed(),
		keyHash:     m.keyHash,
		valEqual:    m.valEqual,
		loadFactor:  m.loadFactor,
		minTableLen: m.minTableLen,
	}
	c.table.Store(newTable[K, V](c.minTableLen))
	return c
}

// loadEntry is the shared lock-free lookup path.
func loadEntry[K comparable, V any](t *table[K, V], hash uint64, key K) *entry[K, V] {
	b := &t.buckets[hash&t.mask]
	if p := b.entries.Load(); p != nil {
		es := *p
		if i := findEntry(es, hash, key); i >= 0 {
			return &es[i]
		}
	}
	return nil
}

// processEntry applies fn to the entry for key as one atomic unit. It
// is the single funnel for every mutating operation.
//
// fn receives the current entry, nil when the key is absent, and
// returns the replacement entry plus the (value, ok) pair handed back
// to the caller:
//   - returning the received entry (or nil for nil) leaves the map
//     unchanged
//   - returning a different entry inserts or replaces the association
//   - returning nil for an existing entry removes it
//   - a non-nil error aborts the operation before any of the above is
//     committed and is propagated to the caller verbatim
//
// fn executes while the bucket lock is held; re-entrant calls into the
// same map can deadlock (see the package documentation).
func (m *Map[K, V]) processEntry(
	key K,
	hash uint64,
	fn func(e *entry[K, V]) (*entry[K, V], V, bool, error),
) (V, bool, error) {
	t := m.table.Load()
	for {
		idx := hash & t.mask
		b := &t.buckets[idx]
		b.mu.Lock()

		// A rebuild in flight will freeze this bucket; cooperate first
		// and retry on the table it produces.
		if rs := m.resize.Load(); rs != nil {
			b.mu.Unlock()
			m.helpCopy(rs)
			t = m.table.Load()
			continue
		}
		// The table may have been swapped between the initial load and
		// lock acquisition.
		if nt := m.table.Load(); nt != t {
			b.mu.Unlock()
			t = nt
			continue
		}
		// Migration state machine guard: only a live bucket may be
		// mutated.
		if b.state.Load() != bucketLive {
			b.mu.Unlock()
			t = m.table.Load()
			continue
		}

		var es []entry[K, V]
		if p := b.entries.Load(); p != nil {
			es = *p
		}
		i := findEntry(es, hash, key)
		var cur *entry[K, V]
		if i >= 0 {
			cur = &es[i]
		}

		newE, value, ok, err := fn(cur)
		if err != nil {
			b.mu.Unlock()
			return *new(V), false, err
		}

		switch {
		case newE == cur:
			// No mutation requested.
			b.mu.Unlock()
			return value, ok, nil

		case newE == nil:
			// Delete.
			ne := make([]entry[K, V], 0, len(es)-1)
			ne = append(ne, es[:i]...)
			ne = append(ne, es[i+1:]...)
			if len(ne) == 0 {
				b.entries.Store(nil)
			} else {
				b.entries.Store(&ne)
			}
			b.mu.Unlock()
			t.addSize(idx, -1)
			return value, ok, nil

		case cur != nil:
			// Replace in place.
			newE.hash, newE.key = hash, key
			ne := make([]entry[K, V], len(es))
			copy(ne, es)
			ne[i] = *newE
			b.entries.Store(&ne)
			b.mu.Unlock()
			return value, ok, nil

		default:
			// Insert at the hash-ordered position.
			newE.hash, newE.key = hash, key
			pos := upperBound(es, hash)
			ne := make([]entry[K, V], 0, len(es)+1)
			ne = append(ne, es[:pos]...)
			ne = append(ne, *newE)
			ne = append(ne, es[pos:]...)
			b.entries.Store(&ne)
			b.mu.Unlock()
			t.addSize(idx, 1)

			// Growth check; sumSize is cheap relative to the insert.
			if m.resize.Load() == nil {
				tableLen := int(t.mask) + 1
				if size := t.sumSize(); float64(size) > m.loadFactor*float64(tableLen) {
					m.grow(t, size)
				}
			}
			return value, ok, nil
		}
	}
}
