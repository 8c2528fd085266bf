package chm

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Test utilities
// ============================================================================

// mapStats is diagnostic data about a Map, for tests only.
type mapStats struct {
	RootBuckets  int
	Size         int
	Counter      int
	TotalGrowths uint32
	TotalClears  uint32
}

func (m *Map[K, V]) stats() mapStats {
	t := m.table.Load()
	s := mapStats{
		RootBuckets:  int(t.mask) + 1,
		Counter:      t.sumSize(),
		TotalGrowths: m.growths.Load(),
		TotalClears:  m.clears.Load(),
	}
	m.Range(func(K, V) bool {
		s.Size++
		return true
	})
	return s
}

func newTestMap[K comparable, V any](t testing.TB, options ...func(*MapConfig)) *Map[K, V] {
	t.Helper()
	m, err := New[K, V](options...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// ============================================================================
// Round-trip basics
// ============================================================================

func TestMapStoreLoad(t *testing.T) {
	m := newTestMap[string, int](t)

	if _, ok := m.Load("missing"); ok {
		t.Fatalf("load of missing key reported ok")
	}
	m.Store("a", 1)
	if v, ok := m.Load("a"); !ok || v != 1 {
		t.Fatalf("got %v, %v; want 1, true", v, ok)
	}
	m.Store("a", 2)
	if v, _ := m.Load("a"); v != 2 {
		t.Fatalf("overwrite lost: got %v", v)
	}
	if n := m.Size(); n != 1 {
		t.Fatalf("size=%d, want 1", n)
	}
}

func TestMapIntKeys(t *testing.T) {
	m := newTestMap[int, string](t)
	for i := range 100 {
		m.Store(i, strconv.Itoa(i))
	}
	for i := range 100 {
		if v, ok := m.Load(i); !ok || v != strconv.Itoa(i) {
			t.Fatalf("key %d: got %q, %v", i, v, ok)
		}
	}
	if n := m.Size(); n != 100 {
		t.Fatalf("size=%d, want 100", n)
	}
}

func TestMapStructKeys(t *testing.T) {
	type point struct{ X, Y int }
	m := newTestMap[point, int](t)
	for i := range 50 {
		m.Store(point{i, -i}, i)
	}
	for i := range 50 {
		if v, ok := m.Load(point{i, -i}); !ok || v != i {
			t.Fatalf("key %d: got %v, %v", i, v, ok)
		}
	}
}

func TestMapDelete(t *testing.T) {
	m := newTestMap[string, int](t)
	m.Store("a", 1)
	m.Delete("a")
	if _, ok := m.Load("a"); ok {
		t.Fatalf("key survived delete")
	}
	// deleting a missing key is a no-op
	m.Delete("a")
	if n := m.Size(); n != 0 {
		t.Fatalf("size=%d, want 0", n)
	}
}

func TestMapLoadAndDelete(t *testing.T) {
	m := newTestMap[string, int](t)
	if v, loaded := m.LoadAndDelete("a"); loaded || v != 0 {
		t.Fatalf("got %v, %v on empty map", v, loaded)
	}
	m.Store("a", 42)
	if v, loaded := m.LoadAndDelete("a"); !loaded || v != 42 {
		t.Fatalf("got %v, %v; want 42, true", v, loaded)
	}
	if _, ok := m.Load("a"); ok {
		t.Fatalf("key survived LoadAndDelete")
	}
}

func TestMapSwap(t *testing.T) {
	m := newTestMap[string, int](t)
	if prev, loaded := m.Swap("a", 1); loaded || prev != 0 {
		t.Fatalf("first swap: got %v, %v", prev, loaded)
	}
	if prev, loaded := m.Swap("a", 2); !loaded || prev != 1 {
		t.Fatalf("second swap: got %v, %v; want 1, true", prev, loaded)
	}
	if v, _ := m.Load("a"); v != 2 {
		t.Fatalf("got %v, want 2", v)
	}
}

func TestMapLoadOrStore(t *testing.T) {
	m := newTestMap[string, int](t)
	if actual, loaded := m.LoadOrStore("a", 1); loaded || actual != 1 {
		t.Fatalf("insert: got %v, %v", actual, loaded)
	}
	// a present key is returned untouched
	if actual, loaded := m.LoadOrStore("a", 99); !loaded || actual != 1 {
		t.Fatalf("existing: got %v, %v; want 1, true", actual, loaded)
	}
	if v, _ := m.Load("a"); v != 1 {
		t.Fatalf("LoadOrStore overwrote: got %v", v)
	}
}

func TestMapReplace(t *testing.T) {
	m := newTestMap[string, int](t)
	if _, loaded := m.Replace("a", 1); loaded {
		t.Fatalf("replace of missing key reported loaded")
	}
	if m.Has("a") {
		t.Fatalf("replace of missing key created an entry")
	}
	m.Store("a", 1)
	if prev, loaded := m.Replace("a", 2); !loaded || prev != 1 {
		t.Fatalf("got %v, %v; want 1, true", prev, loaded)
	}
	if v, _ := m.Load("a"); v != 2 {
		t.Fatalf("got %v, want 2", v)
	}
}

func TestMapHasAndLoadOrDefault(t *testing.T) {
	m := newTestMap[string, int](t)
	if m.Has("a") {
		t.Fatalf("empty map has key")
	}
	if v := m.LoadOrDefault("a", -1); v != -1 {
		t.Fatalf("got %v, want -1", v)
	}
	m.Store("a", 7)
	if !m.Has("a") {
		t.Fatalf("stored key missing")
	}
	if v := m.LoadOrDefault("a", -1); v != 7 {
		t.Fatalf("got %v, want 7", v)
	}
}

func TestMapClear(t *testing.T) {
	m := newTestMap[string, int](t)
	for i := range 1000 {
		m.Store(strconv.Itoa(i), i)
	}
	m.Clear()
	if n := m.Size(); n != 0 {
		t.Fatalf("size=%d after clear", n)
	}
	if _, ok := m.Load("1"); ok {
		t.Fatalf("key survived clear")
	}
	// the map stays usable
	m.Store("x", 1)
	if v, ok := m.Load("x"); !ok || v != 1 {
		t.Fatalf("store after clear: got %v, %v", v, ok)
	}
	if s := m.stats(); s.TotalClears == 0 {
		t.Fatalf("clear not recorded: %+v", s)
	}
}

func TestMapClone_Empty(t *testing.T) {
	m := newTestMap[string, int](t, WithInitialCapacity(64))
	for i := range 500 {
		m.Store(strconv.Itoa(i), i)
	}

	c := m.Clone()
	if n := c.Size(); n != 0 {
		t.Fatalf("clone size=%d, want 0", n)
	}
	// source is untouched
	if n := m.Size(); n != 500 {
		t.Fatalf("source size=%d, want 500", n)
	}
	// the clone carries the configuration and works independently
	c.Store("a", 1)
	if v, ok := c.Load("a"); !ok || v != 1 {
		t.Fatalf("clone store/load: got %v, %v", v, ok)
	}
	if m.Has("a") {
		t.Fatalf("clone write leaked into source")
	}
	if c.minTableLen != m.minTableLen {
		t.Fatalf("clone minTableLen=%d, want %d", c.minTableLen, m.minTableLen)
	}
}

// ============================================================================
// Iteration
// ============================================================================

func TestMapRange_Exact(t *testing.T) {
	m := newTestMap[string, int](t)
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	got := map[string]int{}
	visits := 0
	m.Range(func(k string, v int) bool {
		got[k] = v
		visits++
		return true
	})
	if visits != 3 {
		t.Fatalf("visits=%d, want 3", visits)
	}
	if got["a"] != 1 || got["b"] != 2 || got["c"] != 3 {
		t.Fatalf("entries=%v", got)
	}
}

func TestMapRange_EarlyStop(t *testing.T) {
	m := newTestMap[int, int](t)
	for i := range 100 {
		m.Store(i, i)
	}
	visits := 0
	m.Range(func(int, int) bool {
		visits++
		return visits < 10
	})
	if visits != 10 {
		t.Fatalf("visits=%d, want 10", visits)
	}
}

func TestMapAll(t *testing.T) {
	m := newTestMap[int, int](t)
	for i := range 10 {
		m.Store(i, i*i)
	}
	count := 0
	for k, v := range m.All() {
		if v != k*k {
			t.Fatalf("key %d: got %d", k, v)
		}
		count++
	}
	if count != 10 {
		t.Fatalf("count=%d, want 10", count)
	}
}

func TestMapToMap(t *testing.T) {
	m := newTestMap[string, int](t)
	for i := range 20 {
		m.Store(strconv.Itoa(i), i)
	}
	a := m.ToMap()
	if len(a) != 20 {
		t.Fatalf("len=%d, want 20", len(a))
	}
	for i := range 20 {
		if a[strconv.Itoa(i)] != i {
			t.Fatalf("entry %d: got %d", i, a[strconv.Itoa(i)])
		}
	}
	if got := m.ToMap(5); len(got) != 5 {
		t.Fatalf("limited len=%d, want 5", len(got))
	}
	for _, l := range []int{0, -1} {
		if got := m.ToMap(l); len(got) != 0 {
			t.Fatalf("limit %d: len=%d, want 0", l, len(got))
		}
	}
}

// ============================================================================
// Hash collisions
// ============================================================================

// A constant hasher forces every key into one bucket chain, exercising
// the equal-hash lookup and ordering paths.
func TestMapDegenerateHasher(t *testing.T) {
	m := newTestMap[string, int](t,
		WithKeyHasher(func(string, uint64) uint64 { return 42 }),
	)
	const n = 200
	for i := range n {
		m.Store(strconv.Itoa(i), i)
	}
	if got := m.Size(); got != n {
		t.Fatalf("size=%d, want %d", got, n)
	}
	for i := range n {
		if v, ok := m.Load(strconv.Itoa(i)); !ok || v != i {
			t.Fatalf("key %d: got %v, %v", i, v, ok)
		}
	}
	for i := 0; i < n; i += 2 {
		m.Delete(strconv.Itoa(i))
	}
	for i := range n {
		_, ok := m.Load(strconv.Itoa(i))
		if want := i%2 == 1; ok != want {
			t.Fatalf("key %d: present=%v, want %v", i, ok, want)
		}
	}
}

// ============================================================================
// Concurrency
// ============================================================================

func TestMapConcurrentReadWrite(t *testing.T) {
	const (
		workers = 8
		keys    = 128
		rounds  = 2000
	)
	m := newTestMap[int, int](t)
	for i := range keys {
		m.Store(i, 0)
	}

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range rounds {
				k := (w*rounds + i) % keys
				m.Store(k, i)
				if _, ok := m.Load(k); !ok {
					t.Errorf("key %d disappeared", k)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if n := m.Size(); n != keys {
		t.Fatalf("size=%d, want %d", n, keys)
	}
}

// Racing LoadOrStoreFn calls must invoke the supplier exactly once and
// agree on its value.
func TestMapLoadOrStoreFn_SupplierRunsOnce(t *testing.T) {
	const goroutines = 16
	for round := range 100 {
		m := newTestMap[string, int](t)
		var calls atomic.Int32
		var start sync.WaitGroup
		start.Add(1)

		var g errgroup.Group
		for range goroutines {
			g.Go(func() error {
				start.Wait()
				v, ok, err := m.LoadOrStoreFn("k", func() (int, bool, error) {
					calls.Add(1)
					return round, true, nil
				})
				if err != nil {
					return err
				}
				if !ok || v != round {
					t.Errorf("round %d: got %v, %v", round, v, ok)
				}
				return nil
			})
		}
		start.Done()
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if c := calls.Load(); c != 1 {
			t.Fatalf("round %d: supplier ran %d times", round, c)
		}
	}
}

// Exactly one of two racing compare-and-swaps with the same expected
// value may succeed.
func TestMapCompareAndSwap_Race(t *testing.T) {
	m := newTestMap[string, int](t)
	for round := range 500 {
		m.Store("k", 0)
		var start, done sync.WaitGroup
		start.Add(1)
		var wins atomic.Int32
		for i := range 2 {
			done.Add(1)
			go func(i int) {
				defer done.Done()
				start.Wait()
				if m.CompareAndSwap("k", 0, i+1) {
					wins.Add(1)
				}
			}(i)
		}
		start.Done()
		done.Wait()
		if w := wins.Load(); w != 1 {
			t.Fatalf("round %d: %d winners", round, w)
		}
		v, _ := m.Load("k")
		if v != 1 && v != 2 {
			t.Fatalf("round %d: value %d", round, v)
		}
	}
}

// M concurrent merge increments must not lose updates.
func TestMapMerge_NoLostUpdates(t *testing.T) {
	const (
		workers   = 8
		perWorker = 2000
	)
	m := newTestMap[string, int](t)
	add := func(old, new int) (int, bool, error) { return old + new, true, nil }

	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for range perWorker {
				if _, _, err := m.Merge("counter", 1, add); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if v, _ := m.Load("counter"); v != workers*perWorker {
		t.Fatalf("counter=%d, want %d", v, workers*perWorker)
	}
}

func TestMapConcurrentCompareAndDelete(t *testing.T) {
	const keys = 256
	m := newTestMap[int, int](t)
	for i := range keys {
		m.Store(i, i)
	}
	var deleted atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range keys {
				if m.CompareAndDelete(i, i) {
					deleted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if d := deleted.Load(); d != keys {
		t.Fatalf("deleted=%d, want %d", d, keys)
	}
	if n := m.Size(); n != 0 {
		t.Fatalf("size=%d, want 0", n)
	}
}
