package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used by tests and single-process
// deployments. All mutations happen under one mutex, so UpdateFunc is
// trivially atomic. Each subscription drains its own ordered queue on a
// dedicated goroutine, which preserves per-subscription delivery order
// without blocking writers.
type MemoryStore struct {
	mu         sync.Mutex
	docs       map[string][]byte
	streams    map[string][]Entry
	lastMillis map[string]int64 // per stream, for monotonic timestamps
	seq        map[string]int64
	docSubs    map[string]map[int64]*memSub
	streamSubs map[string]map[int64]*memSub
	nextSubID  int64

	// Now is the clock used for stream timestamps. Overridable in tests.
	Now func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:       make(map[string][]byte),
		streams:    make(map[string][]Entry),
		lastMillis: make(map[string]int64),
		seq:        make(map[string]int64),
		docSubs:    make(map[string]map[int64]*memSub),
		streamSubs: make(map[string]map[int64]*memSub),
		Now:        time.Now,
	}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, path string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[path]
	if !ok {
		return Snapshot{Path: path}, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	return Snapshot{Path: path, Exists: true, Data: append([]byte(nil), data...)}, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, path string, v interface{}, merge bool) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if merge {
		if body, err = mergeJSON(m.docs[path], body); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	m.docs[path] = body
	m.notifyDocLocked(path)
	return nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.docs[path]
	if !ok {
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	merged, err := mergeJSON(current, patch)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	m.docs[path] = merged
	m.notifyDocLocked(path)
	return nil
}

// UpdateFunc implements Store. fn runs under the store lock and therefore
// observes and produces a consistent document.
func (m *MemoryStore) UpdateFunc(ctx context.Context, path string, fn UpdateFn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(m.docs[path])
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	m.docs[path] = body
	m.notifyDocLocked(path)
	return nil
}

// AppendToStream implements Store. Timestamps are monotonic per stream
// even when the wall clock stalls within a millisecond.
func (m *MemoryStore) AppendToStream(ctx context.Context, path string, v interface{}) (Entry, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("append %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ms := m.Now().UnixMilli()
	if last := m.lastMillis[path]; ms <= last {
		ms = last + 1
	}
	m.lastMillis[path] = ms
	m.seq[path]++
	id := strconv.FormatInt(ms, 10) + "-" + strconv.FormatInt(m.seq[path], 10)

	stamped, err := mergeJSON(body, []byte(`{"created_at":`+strconv.FormatInt(ms, 10)+`}`))
	if err != nil {
		return Entry{}, fmt.Errorf("append %s: %w", path, err)
	}
	entry := Entry{ID: id, CreatedAt: ms, Data: stamped}
	m.streams[path] = append(m.streams[path], entry)
	m.notifyStreamLocked(path)
	return entry, nil
}

// UpdateStreamEntry implements Store.
func (m *MemoryStore) UpdateStreamEntry(ctx context.Context, path, id string, fields map[string]interface{}) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("update stream %s/%s: %w", path, id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.streams[path]
	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		merged, err := mergeJSON(entries[i].Data, patch)
		if err != nil {
			return fmt.Errorf("update stream %s/%s: %w", path, id, err)
		}
		entries[i].Data = merged
		m.notifyStreamLocked(path)
		return nil
	}
	return fmt.Errorf("update stream %s/%s: %w", path, id, ErrNotFound)
}

// Subscribe implements Store. The current snapshot is enqueued before any
// later change, so the first delivery is always the initial state.
func (m *MemoryStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error) {
	sub := newMemSub(func(v interface{}) { fn(v.(Snapshot)) })
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	if m.docSubs[path] == nil {
		m.docSubs[path] = make(map[int64]*memSub)
	}
	m.docSubs[path][id] = sub
	sub.push(m.snapshotLocked(path))
	m.mu.Unlock()

	sub.onCancel = func() {
		m.mu.Lock()
		delete(m.docSubs[path], id)
		m.mu.Unlock()
	}
	return sub, nil
}

// SubscribeStream implements Store.
func (m *MemoryStore) SubscribeStream(ctx context.Context, path string, fn func([]Entry)) (Subscription, error) {
	sub := newMemSub(func(v interface{}) { fn(v.([]Entry)) })
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	if m.streamSubs[path] == nil {
		m.streamSubs[path] = make(map[int64]*memSub)
	}
	m.streamSubs[path][id] = sub
	sub.push(m.entriesLocked(path))
	m.mu.Unlock()

	sub.onCancel = func() {
		m.mu.Lock()
		delete(m.streamSubs[path], id)
		m.mu.Unlock()
	}
	return sub, nil
}

func (m *MemoryStore) snapshotLocked(path string) Snapshot {
	data, ok := m.docs[path]
	if !ok {
		return Snapshot{Path: path}
	}
	return Snapshot{Path: path, Exists: true, Data: append([]byte(nil), data...)}
}

func (m *MemoryStore) entriesLocked(path string) []Entry {
	src := m.streams[path]
	entries := make([]Entry, len(src))
	copy(entries, src)
	return entries
}

func (m *MemoryStore) notifyDocLocked(path string) {
	snap := m.snapshotLocked(path)
	for _, sub := range m.docSubs[path] {
		sub.push(snap)
	}
}

func (m *MemoryStore) notifyStreamLocked(path string) {
	entries := m.entriesLocked(path)
	for _, sub := range m.streamSubs[path] {
		sub.push(entries)
	}
}

// memSub serializes deliveries for one subscription. Writers enqueue under
// the store lock, which fixes the order; a single drain goroutine invokes
// the callback, so deliveries never interleave and never happen after
// Cancel returns.
type memSub struct {
	notify   func(interface{})
	mu       sync.Mutex
	pending  []interface{}
	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	onCancel func()
	once     sync.Once
}

func newMemSub(notify func(interface{})) *memSub {
	s := &memSub{
		notify:  notify,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *memSub) push(v interface{}) {
	s.mu.Lock()
	s.pending = append(s.pending, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memSub) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			for {
				s.mu.Lock()
				if len(s.pending) == 0 {
					s.mu.Unlock()
					break
				}
				v := s.pending[0]
				s.pending = s.pending[1:]
				s.mu.Unlock()

				select {
				case <-s.done:
					return
				default:
				}
				s.notify(v)
			}
		}
	}
}

// Cancel implements Subscription. It is idempotent and waits for the drain
// goroutine to exit, so no callback runs after it returns.
func (s *memSub) Cancel() {
	s.once.Do(func() {
		if s.onCancel != nil {
			s.onCancel()
		}
		close(s.done)
	})
	<-s.stopped
}
