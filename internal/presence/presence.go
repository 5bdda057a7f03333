// Package presence owns a session's online/offline state: an idempotent
// activation write, a fixed-interval heartbeat refreshing last-seen,
// visibility and unload transitions, and deduplicated subscriptions to
// peers' presence records.
//
// Presence writes are best-effort and fire-and-forget: a failed write is
// logged and not retried, because the next heartbeat self-heals. Readers
// trust the stored online flag verbatim; staleness beyond the heartbeat
// interval is not independently detected.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/metrics"
	"github.com/huddle/chat-sync/internal/model"
)

// Config holds presence tuning parameters.
type Config struct {
	HeartbeatInterval time.Duration // how often to refresh last-seen (default: 30s)
}

// DefaultConfig returns the standard heartbeat interval.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 30 * time.Second}
}

// Manager maintains the local user's presence record and observes peers.
// One Manager belongs to one session.
type Manager struct {
	store docstore.Store
	cfg   Config
	now   func() time.Time

	mu        sync.Mutex
	userID    string
	active    bool
	hbDone    chan struct{}
	hbStopped chan struct{}
	peers     map[string]*peerWatch
	nextID    int64
}

// NewManager creates a presence manager on the given store.
func NewManager(store docstore.Store, cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		peers: make(map[string]*peerWatch),
	}
}

// Activate marks userID online and starts the heartbeat. Calling it again
// for the same session is a no-op, so no second timer is ever started.
func (m *Manager) Activate(ctx context.Context, userID string) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.userID = userID
	m.active = true
	m.hbDone = make(chan struct{})
	m.hbStopped = make(chan struct{})
	done, stopped := m.hbDone, m.hbStopped
	m.mu.Unlock()

	m.writeStatus(ctx, true)
	go m.heartbeat(done, stopped)
}

// heartbeat refreshes last-seen at the configured interval until the
// session deactivates.
func (m *Manager) heartbeat(done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			userID := m.userID
			m.mu.Unlock()

			err := m.store.Update(context.Background(), model.StatusPath(userID),
				map[string]interface{}{"last_seen": m.now().UnixMilli()})
			if err != nil {
				log.Printf("[presence] heartbeat %s: %v", userID, err)
				continue
			}
			metrics.PresenceHeartbeats.Inc()
		}
	}
}

// SetVisible records a tab visibility transition: hidden marks the user
// offline, visible marks them back online. No-op before Activate.
func (m *Manager) SetVisible(ctx context.Context, visible bool) {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if !active {
		return
	}
	m.writeStatus(ctx, visible)
}

// Deactivate stops the heartbeat, releases every peer subscription, and
// writes the final offline record.
func (m *Manager) Deactivate(ctx context.Context) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	close(m.hbDone)
	stopped := m.hbStopped
	watches := make([]*peerWatch, 0, len(m.peers))
	for _, w := range m.peers {
		watches = append(watches, w)
	}
	m.peers = make(map[string]*peerWatch)
	m.mu.Unlock()

	<-stopped
	for _, w := range watches {
		w.sub.Cancel()
	}
	m.writeStatus(ctx, false)
}

// writeStatus merge-writes the presence record so unrelated fields on the
// status document survive.
func (m *Manager) writeStatus(ctx context.Context, online bool) {
	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()

	record := model.PresenceRecord{Online: online, LastSeen: m.now().UnixMilli()}
	if err := m.store.Set(ctx, model.StatusPath(userID), record, true); err != nil {
		log.Printf("[presence] write status %s online=%v: %v", userID, online, err)
	}
}

// SubscribePeer watches a peer's presence record and invokes onChange on
// every remote update. Watching the same peer again from this manager
// reuses the existing store subscription, so duplicate subscriptions never
// duplicate timers or callbacks. The returned handle releases only this
// caller's interest; the store subscription closes when the last interest
// goes.
func (m *Manager) SubscribePeer(peerID string, onChange func(online bool, lastSeen time.Time)) (docstore.Subscription, error) {
	m.mu.Lock()
	w, ok := m.peers[peerID]
	if !ok {
		w = &peerWatch{listeners: make(map[int64]func(bool, time.Time))}
		m.peers[peerID] = w
	}
	m.nextID++
	id := m.nextID
	w.listeners[id] = onChange
	m.mu.Unlock()

	if !ok {
		sub, err := m.store.Subscribe(context.Background(), model.StatusPath(peerID), func(snap docstore.Snapshot) {
			var record model.PresenceRecord
			if snap.Exists {
				if err := snap.Decode(&record); err != nil {
					log.Printf("[presence] peer %s: %v", peerID, err)
					return
				}
			}
			m.mu.Lock()
			fns := make([]func(bool, time.Time), 0, len(w.listeners))
			for _, fn := range w.listeners {
				fns = append(fns, fn)
			}
			m.mu.Unlock()
			for _, fn := range fns {
				fn(record.Online, time.UnixMilli(record.LastSeen))
			}
		})
		if err != nil {
			m.mu.Lock()
			delete(w.listeners, id)
			if len(w.listeners) == 0 {
				delete(m.peers, peerID)
			}
			m.mu.Unlock()
			return nil, err
		}
		m.mu.Lock()
		w.sub = sub
		m.mu.Unlock()
	}

	return &peerHandle{m: m, peerID: peerID, id: id}, nil
}

// peerWatch is one store subscription fanned out to every local listener
// for that peer.
type peerWatch struct {
	sub       docstore.Subscription
	listeners map[int64]func(online bool, lastSeen time.Time)
}

// peerHandle releases one listener's interest in a peer watch.
type peerHandle struct {
	m      *Manager
	peerID string
	id     int64
	once   sync.Once
}

// Cancel implements docstore.Subscription.
func (h *peerHandle) Cancel() {
	h.once.Do(func() {
		h.m.mu.Lock()
		w, ok := h.m.peers[h.peerID]
		var sub docstore.Subscription
		if ok {
			delete(w.listeners, h.id)
			if len(w.listeners) == 0 {
				sub = w.sub
				delete(h.m.peers, h.peerID)
			}
		}
		h.m.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
	})
}
