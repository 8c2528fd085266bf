package chm

import (
	"fmt"
	"math"
)

// ============================================================================
// Configuration
// ============================================================================

// MapConfig defines configurable options for Map construction.
//
// Hash and equality functions are carried as untyped values so the
// option constructors stay inferable at the call site; New checks them
// against the map's actual key and value types and fails with
// ErrInvalidConfiguration on a mismatch.
type MapConfig struct {
	// capacity is the expected number of entries the map should hold
	// before the first table growth.
	capacity    int
	capacitySet bool

	// loadFactor is the entries-to-buckets ratio that triggers growth.
	loadFactor    float64
	loadFactorSet bool

	// keyHash holds a func(K, uint64) uint64 supplied via WithKeyHasher.
	keyHash any

	// valEqual holds a func(V, V) bool supplied via WithValueEqual.
	valEqual any
}

// WithInitialCapacity configures a new Map instance with capacity
// enough to hold n entries before the first resize. If the option is
// omitted, DefaultInitialCapacity is used. Non-positive values are
// rejected by New.
func WithInitialCapacity(n int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.capacity = n
		c.capacitySet = true
	}
}

// WithLoadFactor sets the occupancy ratio above which the bucket table
// doubles. If the option is omitted, DefaultLoadFactor is used. Values
// outside (0, 1] are rejected by New: a factor above 1 would leave the
// table permanently over capacity with unbounded bucket chains.
func WithLoadFactor(f float64) func(*MapConfig) {
	return func(c *MapConfig) {
		c.loadFactor = f
		c.loadFactorSet = true
	}
}

// WithKeyHasher sets a custom key hashing function for the map.
//
// Parameters:
//   - fn: hash function taking a key and the per-map seed. The seed is
//     chosen randomly at construction so hash ordering differs between
//     map instances. fn must be stable for the lifetime of every entry.
//
// K must match the map's key type; New reports a mismatch as
// ErrInvalidConfiguration. Key equality is always Go's == over the
// comparable key type.
func WithKeyHasher[K comparable](fn func(key K, seed uint64) uint64) func(*MapConfig) {
	return func(c *MapConfig) {
		if fn != nil {
			c.keyHash = fn
		}
	}
}

// WithValueEqual sets the value equality function used by
// CompareAndSwap and CompareAndDelete. For comparable value types it
// defaults to ==; for non-comparable types there is no default and the
// Compare* methods panic unless this option is provided.
func WithValueEqual[V any](fn func(a, b V) bool) func(*MapConfig) {
	return func(c *MapConfig) {
		if fn != nil {
			c.valEqual = fn
		}
	}
}

// init validates cfg and prepares m for use.
func (m *Map[K, V]) init(cfg *MapConfig) error {
	capacity := DefaultInitialCapacity
	if cfg.capacitySet {
		if cfg.capacity <= 0 {
			return fmt.Errorf("%w: initial capacity %d, want a positive integer",
				ErrInvalidConfiguration, cfg.capacity)
		}
		capacity = cfg.capacity
	}

	loadFactor := DefaultLoadFactor
	if cfg.loadFactorSet {
		if math.IsNaN(cfg.loadFactor) || cfg.loadFactor <= 0 || cfg.loadFactor > 1 {
			return fmt.Errorf("%w: load factor %v, want a value in (0, 1]",
				ErrInvalidConfiguration, cfg.loadFactor)
		}
		loadFactor = cfg.loadFactor
	}

	if cfg.keyHash != nil {
		fn, ok := cfg.keyHash.(func(K, uint64) uint64)
		if !ok {
			return fmt.Errorf("%w: key hasher is %T, want func(%T, uint64) uint64",
				ErrInvalidConfiguration, cfg.keyHash, *new(K))
		}
		m.keyHash = fn
	} else {
		m.keyHash = defaultHasher[K]()
	}

	if cfg.valEqual != nil {
		fn, ok := cfg.valEqual.(func(V, V) bool)
		if !ok {
			return fmt.Errorf("%w: value equality is %T, want func(%T, %T) bool",
				ErrInvalidConfiguration, cfg.valEqual, *new(V), *new(V))
		}
		m.valEqual = fn
	} else {
		m.valEqual = defaultEqual[V]()
	}

	m.seed = newSeed()
	m.loadFactor = loadFactor
	m.minTableLen = calcTableLen(capacity, loadFactor)
	m.table.Store(newTable[K, V](m.minTableLen))
	return nil
}
