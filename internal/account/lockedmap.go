// Package account holds the server's client records and the locked map that
// makes pairwise transfers atomic.
package account

import "sync"

// LockedMap is a concurrent map where every entry carries its own
// reader-writer lock with writer preference. The map-structure mutex guards
// only the hash table itself and is never held while an entry lock is taken,
// so inserts do not wait behind long transfers.
type LockedMap[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	nextSeq uint64
}

// entry state is guarded by its own mutex; cv signals every lock-state
// change. seq is assigned at insert and never changes, giving a total order
// over live entries for pair locking.
type entry[V any] struct {
	mu             sync.Mutex
	cv             *sync.Cond
	value          V
	activeReaders  uint32
	writerActive   bool
	waitingWriters uint32
	seq            uint64
}

func newEntry[V any](value V, seq uint64) *entry[V] {
	e := &entry[V]{value: value, seq: seq}
	e.cv = sync.NewCond(&e.mu)
	return e
}

// Writer preference: a reader must also yield to waiting writers, otherwise a
// stream of duplicate-detection reads against a hot entry starves the writer.
func (e *entry[V]) lockRead() {
	e.mu.Lock()
	for e.writerActive || e.waitingWriters > 0 {
		e.cv.Wait()
	}
	e.activeReaders++
	e.mu.Unlock()
}

func (e *entry[V]) unlockRead() {
	e.mu.Lock()
	e.activeReaders--
	if e.activeReaders == 0 {
		e.cv.Broadcast()
	}
	e.mu.Unlock()
}

func (e *entry[V]) lockWrite() {
	e.mu.Lock()
	e.waitingWriters++
	for e.writerActive || e.activeReaders > 0 {
		e.cv.Wait()
	}
	e.waitingWriters--
	e.writerActive = true
	e.mu.Unlock()
}

func (e *entry[V]) unlockWrite() {
	e.mu.Lock()
	e.writerActive = false
	e.cv.Broadcast()
	e.mu.Unlock()
}

func NewLockedMap[K comparable, V any]() *LockedMap[K, V] {
	return &LockedMap[K, V]{entries: make(map[K]*entry[V])}
}

// Insert adds key with value if absent. Returns true iff the key was new.
func (m *LockedMap[K, V]) Insert(key K, value V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return false
	}
	m.nextSeq++
	m.entries[key] = newEntry(value, m.nextSeq)
	return true
}

// Exists is a structural check only; the answer can go stale immediately.
func (m *LockedMap[K, V]) Exists(key K) bool {
	m.mu.Lock()
	_, ok := m.entries[key]
	m.mu.Unlock()
	return ok
}

func (m *LockedMap[K, V]) get(key K) *entry[V] {
	m.mu.Lock()
	e := m.entries[key]
	m.mu.Unlock()
	return e
}

// Read returns a copy of the value under the entry's read lock.
func (m *LockedMap[K, V]) Read(key K) (V, bool) {
	var zero V
	e := m.get(key)
	if e == nil {
		return zero, false
	}
	e.lockRead()
	v := e.value
	e.unlockRead()
	return v, true
}

// Write replaces the value under the entry's write lock. False if absent.
func (m *LockedMap[K, V]) Write(key K, value V) bool {
	e := m.get(key)
	if e == nil {
		return false
	}
	e.lockWrite()
	e.value = value
	e.unlockWrite()
	return true
}

// Update runs fn with exclusive access to the value. False if absent.
func (m *LockedMap[K, V]) Update(key K, fn func(*V)) bool {
	e := m.get(key)
	if e == nil {
		return false
	}
	e.lockWrite()
	fn(&e.value)
	e.unlockWrite()
	return true
}

// AtomicPair runs fn while holding the write locks of both entries. The locks
// are taken in insertion-sequence order, so any two goroutines operating on
// the same pair agree on the order and AB-BA cycles cannot form. For k1 == k2
// a single lock is taken and fn receives the same value twice.
func (m *LockedMap[K, V]) AtomicPair(k1, k2 K, fn func(v1, v2 *V)) bool {
	m.mu.Lock()
	e1 := m.entries[k1]
	e2 := m.entries[k2]
	m.mu.Unlock()
	if e1 == nil || e2 == nil {
		return false
	}

	if e1 == e2 {
		e1.lockWrite()
		fn(&e1.value, &e1.value)
		e1.unlockWrite()
		return true
	}

	first, second := e1, e2
	if second.seq < first.seq {
		first, second = second, first
	}
	first.lockWrite()
	second.lockWrite()
	fn(&e1.value, &e2.value)
	second.unlockWrite()
	first.unlockWrite()
	return true
}

// Len reports the number of entries.
func (m *LockedMap[K, V]) Len() int {
	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	return n
}
