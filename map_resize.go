package chm

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Bucket migration states. Every bucket moves live -> migrating ->
// moved exactly once per rebuild; a writer that acquires a bucket lock
// and does not find the bucket live must retry on the current table.
const (
	bucketLive uint32 = iota
	bucketMigrating
	bucketMoved
)

// bucket holds the entries whose hash maps to its table slot.
//
// Entries are published as an immutable slice ordered by hash. Readers
// binary-search the slice without taking mu, so they can never observe
// a torn entry; writers build a replacement slice under mu and publish
// it with a single atomic store.
type bucket[K comparable, V any] struct {
	mu      sync.Mutex
	state   atomic.Uint32
	entries atomic.Pointer[[]entry[K, V]]
}

// table is the bucket array plus its striped size counter. A Map owns
// exactly one live table at a time; a rebuild constructs a successor
// and swaps it in wholesale, abandoning the old one.
type table[K comparable, V any] struct {
	buckets  []bucket[K, V]
	mask     uint64
	size     []counterStripe
	sizeMask uint64
	// chunk partitioning used when this table is the source of a
	// cooperative copy
	chunks  int32
	chunkSz int
}

func newTable[K comparable, V any](tableLen int) *table[K, V] {
	chunkSz, chunks := calcChunks(tableLen, runtime.GOMAXPROCS(0))
	sizeLen := calcSizeLen(tableLen)
	return &table[K, V]{
		buckets:  make([]bucket[K, V], tableLen),
		mask:     uint64(tableLen - 1),
		size:     make([]counterStripe, sizeLen),
		sizeMask: uint64(sizeLen - 1),
		chunks:   int32(chunks),
		chunkSz:  chunkSz,
	}
}

// addSize atomically adds delta to the size stripe for the given
// bucket index.
func (t *table[K, V]) addSize(idx uint64, delta int) {
	t.size[idx&t.sizeMask].c.Add(int64(delta))
}

// sumSize sums all counter stripes. In the presence of concurrent
// modification the result is an approximation, never negative.
func (t *table[K, V]) sumSize() int {
	var sum int64
	for i := range t.size {
		sum += t.size[i].c.Load()
	}
	if sum < 0 {
		sum = 0
	}
	return int(sum)
}

// resizeState coordinates one cooperative table rebuild. Writers that
// observe it help copy chunks of the old table instead of queueing
// behind a single resizer; everyone else waits on wg.
type resizeState[K comparable, V any] struct {
	wg       sync.WaitGroup
	oldTable *table[K, V]
	newTable atomic.Pointer[table[K, V]]
	// discard drops the old entries instead of copying them (Clear)
	discard   bool
	process   atomic.Int32
	completed atomic.Int32
}

// grow doubles the table (or more, if size already demands it).
// Called after an insert when no rebuild is in flight; losing the
// race to another resizer is fine, the insert is already committed.
func (m *Map[K, V]) grow(t *table[K, V], size int) {
	newLen := max(calcTableLen(size, m.loadFactor), (int(t.mask)+1)<<1)
	m.tryResize(t, newLen, false)
}

// tryResize installs a resizeState for table t and runs the copy to
// completion. It returns false without effect if another rebuild holds
// the slot or t is no longer the live table.
func (m *Map[K, V]) tryResize(t *table[K, V], newLen int, discard bool) bool {
	rs := &resizeState[K, V]{oldTable: t, discard: discard}
	rs.wg.Add(1)
	if !m.resize.CompareAndSwap(nil, rs) {
		return false
	}
	// The previous rebuild may have swapped the table between our table
	// load and winning the slot.
	if m.table.Load() != t {
		m.resize.Store(nil)
		rs.wg.Done()
		return false
	}
	if discard {
		m.clears.Add(1)
	} else {
		m.growths.Add(1)
	}
	rs.newTable.Store(newTable[K, V](newLen))
	m.helpCopy(rs)
	return true
}

// helpCopy contributes to an in-flight rebuild until the new table is
// published. Chunks of the old table are claimed with an atomic
// counter; the helper that completes the final chunk performs the
// table swap and releases the waiters.
func (m *Map[K, V]) helpCopy(rs *resizeState[K, V]) {
	nt := rs.newTable.Load()
	if nt == nil {
		// The initiator has not published the destination yet; by the
		// time wg releases, the swap is complete.
		rs.wg.Wait()
		return
	}
	ot := rs.oldTable
	tableLen := int(ot.mask) + 1
	for {
		chunk := rs.process.Add(1) - 1
		if chunk >= ot.chunks {
			rs.wg.Wait()
			return
		}
		start := int(chunk) * ot.chunkSz
		end := min(start+ot.chunkSz, tableLen)
		m.copyChunk(ot, start, end, nt, rs.discard)
		if rs.completed.Add(1) == ot.chunks {
			m.table.Store(nt)
			m.resize.Store(nil)
			rs.wg.Done()
			return
		}
	}
}

// copyChunk migrates buckets [start, end) of ot into nt, driving each
// bucket through the migrating/moved states under its lock. The old
// entries are left in place so readers still on ot observe a stable
// pre-rebuild snapshot.
//
// No destination locking is needed: the new table is unpublished, and
// for power-of-two growth two distinct source buckets can never feed
// the same destination bucket.
func (m *Map[K, V]) copyChunk(
	ot *table[K, V],
	start, end int,
	nt *table[K, V],
	discard bool,
) {
	copied := 0
	for i := start; i < end; i++ {
		b := &ot.buckets[i]
		b.mu.Lock()
		b.state.Store(bucketMigrating)
		if !discard {
			if p := b.entries.Load(); p != nil {
				for _, e := range *p {
					nb := &nt.buckets[e.hash&nt.mask]
					var es []entry[K, V]
					if np := nb.entries.Load(); np != nil {
						es = *np
					}
					// source slices are hash-ordered, so appending the
					// filtered subsequence keeps the destination ordered
					es = append(es, e)
					nb.entries.Store(&es)
					copied++
				}
			}
		}
		b.state.Store(bucketMoved)
		b.mu.Unlock()
	}
	if copied != 0 {
		nt.addSize(uint64(start), copied)
	}
}
