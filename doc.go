// Package chm provides a thread-safe hash map with atomic compound
// operations, designed as the storage engine behind cache-style
// bindings.
//
// The engine keeps one power-of-two bucket table at a time. Buckets
// publish their entries as immutable hash-ordered slices, so plain
// reads (Load, Has, Range, Size) take no locks and never observe a
// torn value, while every mutation funnels through a per-bucket lock
// that makes it atomic with respect to its key. When occupancy exceeds
// the configured load factor the table is rebuilt cooperatively:
// writers that run into the rebuild help copy buckets instead of
// queueing, and each bucket passes through an explicit
// live/migrating/moved state so no association is ever lost or
// duplicated by a resize.
//
// Consistency model:
//   - Operations on the same key are linearizable.
//   - Operations on different keys have no ordering relative to each
//     other and never block each other.
//   - Size and Range are weakly consistent: correct on a quiescent
//     map, approximate but never corrupt under concurrent mutation.
//
// Re-entrancy: the callback passed to LoadOrStoreFn, Compute,
// ComputeIfPresent or Merge executes while the target key's bucket
// lock is held. Calling any method of the same map from inside the
// callback is undefined and deadlocks whenever the nested call lands
// on a locked bucket. Keep callbacks short and free of map access.
package chm
