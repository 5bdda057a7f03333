// Package chatlist produces a session's enriched, sorted, unread-annotated
// view of its conversations. It watches the owner's chat-list document,
// enriches direct entries with peer profile and presence, and keeps a
// live presence overlay per distinct peer that updates entries in place
// without re-running the full pass.
package chatlist

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/model"
	"github.com/huddle/chat-sync/internal/presence"
)

// PeerInfo is the profile and presence of a direct chat's counterpart at
// snapshot time.
type PeerInfo struct {
	Profile  model.UserProfile
	Online   bool
	LastSeen time.Time
}

// Entry is one conversation in the synchronized view.
type Entry struct {
	model.ChatSummary
	Peer *PeerInfo // direct chats only
}

// Snapshot is the full synchronized state emitted to the consumer, who
// replaces any previous snapshot with it.
type Snapshot struct {
	List    []Entry // all conversations, updatedAt descending
	Groups  []Entry
	Directs []Entry
	Unread  map[string]bool // conversation IDs with unseen activity
}

// Synchronizer builds chat-list views for sessions.
type Synchronizer struct {
	store    docstore.Store
	presence *presence.Manager
}

// New creates a Synchronizer using the given store and presence manager.
func New(store docstore.Store, pm *presence.Manager) *Synchronizer {
	return &Synchronizer{store: store, presence: pm}
}

// Sync subscribes to userID's chat list and invokes onUpdate with a fresh
// Snapshot on every change, plus in-place refreshes when a peer's presence
// changes. The returned handle releases the document subscription and
// every presence overlay subscription exactly once.
func (s *Synchronizer) Sync(ctx context.Context, userID string, onUpdate func(Snapshot)) (docstore.Subscription, error) {
	w := &watcher{
		sync:     s,
		userID:   userID,
		onUpdate: onUpdate,
		peerSubs: make(map[string]docstore.Subscription),
	}

	sub, err := s.store.Subscribe(ctx, model.ChatListPath(userID), w.apply)
	if err != nil {
		return nil, err
	}
	w.docSub = sub
	return w, nil
}

// watcher is the per-session synchronization state.
type watcher struct {
	sync     *Synchronizer
	userID   string
	onUpdate func(Snapshot)
	docSub   docstore.Subscription

	mu       sync.Mutex
	closed   bool
	entries  []Entry
	peerSubs map[string]docstore.Subscription
}

// apply runs the full synchronization pass for one chat-list snapshot.
func (w *watcher) apply(snap docstore.Snapshot) {
	var list model.ChatList
	if snap.Exists {
		if err := snap.Decode(&list); err != nil {
			log.Printf("[chatlist] %s: bad chat list document: %v", w.userID, err)
			return
		}
	}

	// Defensive filtering against partial writes: entries missing their
	// conversation ID, timestamp, or (for direct chats) peer are dropped.
	valid := make([]model.ChatSummary, 0, len(list.Entries))
	for _, entry := range list.Entries {
		if entry.ConversationID == "" || entry.UpdatedAt == 0 {
			continue
		}
		if !entry.IsGroup && entry.PeerID == "" {
			continue
		}
		valid = append(valid, entry)
	}

	enriched := w.enrich(valid)

	sort.SliceStable(enriched, func(i, j int) bool {
		return enriched[i].UpdatedAt > enriched[j].UpdatedAt
	})

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.entries = enriched
	added, removed := w.reconcilePeersLocked(enriched)
	out := w.snapshotLocked()
	w.mu.Unlock()

	// Subscription churn happens outside the lock: presence callbacks
	// take it too.
	for _, sub := range removed {
		sub.Cancel()
	}
	for _, peerID := range added {
		w.watchPeer(peerID)
	}

	w.onUpdate(out)
}

// enrich fetches profile and presence for every direct entry. The fetches
// for all entries run concurrently; a missing profile degrades to a
// placeholder and a missing status record reads as offline.
func (w *watcher) enrich(valid []model.ChatSummary) []Entry {
	enriched := make([]Entry, len(valid))
	var wg sync.WaitGroup
	for i, summary := range valid {
		enriched[i] = Entry{ChatSummary: summary}
		if summary.IsGroup {
			continue
		}
		wg.Add(1)
		go func(i int, peerID string) {
			defer wg.Done()
			enriched[i].Peer = w.fetchPeer(peerID)
		}(i, summary.PeerID)
	}
	wg.Wait()
	return enriched
}

func (w *watcher) fetchPeer(peerID string) *PeerInfo {
	info := &PeerInfo{Profile: model.UserProfile{ID: peerID, Username: "Unknown User"}}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		snap, err := w.sync.store.Get(context.Background(), model.UserPath(peerID))
		if err != nil {
			if !docstore.IsNotFound(err) {
				log.Printf("[chatlist] fetch profile %s: %v", peerID, err)
			}
			return
		}
		var profile model.UserProfile
		if err := snap.Decode(&profile); err != nil {
			log.Printf("[chatlist] decode profile %s: %v", peerID, err)
			return
		}
		if profile.Username == "" {
			profile.Username = "Unknown User"
		}
		profile.ID = peerID
		info.Profile = profile
	}()
	go func() {
		defer wg.Done()
		snap, err := w.sync.store.Get(context.Background(), model.StatusPath(peerID))
		if err != nil {
			return // absent or unreadable status reads as offline
		}
		var record model.PresenceRecord
		if err := snap.Decode(&record); err != nil {
			return
		}
		info.Online = record.Online
		info.LastSeen = time.UnixMilli(record.LastSeen)
	}()
	wg.Wait()
	return info
}

// reconcilePeersLocked diffs the wanted peer set against the live overlay
// subscriptions. Subscriptions whose chat-list entry disappeared are
// released rather than leaked.
func (w *watcher) reconcilePeersLocked(entries []Entry) (added []string, removed []docstore.Subscription) {
	wanted := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsGroup && entry.PeerID != "" {
			wanted[entry.PeerID] = true
		}
	}
	for peerID := range wanted {
		if _, ok := w.peerSubs[peerID]; !ok {
			added = append(added, peerID)
			w.peerSubs[peerID] = nil // reserved; filled by watchPeer
		}
	}
	for peerID, sub := range w.peerSubs {
		if !wanted[peerID] {
			delete(w.peerSubs, peerID)
			if sub != nil {
				removed = append(removed, sub)
			}
		}
	}
	return added, removed
}

// watchPeer opens the presence overlay subscription for one peer and
// patches matching entries in place on every update.
func (w *watcher) watchPeer(peerID string) {
	sub, err := w.sync.presence.SubscribePeer(peerID, func(online bool, lastSeen time.Time) {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		touched := false
		for i := range w.entries {
			if w.entries[i].IsGroup || w.entries[i].PeerID != peerID || w.entries[i].Peer == nil {
				continue
			}
			w.entries[i].Peer.Online = online
			w.entries[i].Peer.LastSeen = lastSeen
			touched = true
		}
		var out Snapshot
		if touched {
			out = w.snapshotLocked()
		}
		w.mu.Unlock()

		if touched {
			w.onUpdate(out)
		}
	})
	if err != nil {
		log.Printf("[chatlist] watch peer %s: %v", peerID, err)
		w.mu.Lock()
		delete(w.peerSubs, peerID)
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		sub.Cancel()
		return
	}
	if _, ok := w.peerSubs[peerID]; !ok {
		// Entry vanished while we were subscribing.
		w.mu.Unlock()
		sub.Cancel()
		return
	}
	w.peerSubs[peerID] = sub
	w.mu.Unlock()
}

// snapshotLocked builds the emitted view: partitioned, sorted, annotated.
func (w *watcher) snapshotLocked() Snapshot {
	out := Snapshot{
		List:   make([]Entry, len(w.entries)),
		Unread: make(map[string]bool),
	}
	for i, entry := range w.entries {
		if entry.Peer != nil {
			peer := *entry.Peer
			entry.Peer = &peer
		}
		out.List[i] = entry
		if entry.IsGroup {
			out.Groups = append(out.Groups, entry)
		} else {
			out.Directs = append(out.Directs, entry)
		}
		if !entry.MessageSeen && entry.LastMessage != "" {
			out.Unread[entry.ConversationID] = true
		}
	}
	return out
}

// Cancel implements docstore.Subscription: it releases the document
// subscription and every presence overlay exactly once.
func (w *watcher) Cancel() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	subs := make([]docstore.Subscription, 0, len(w.peerSubs))
	for _, sub := range w.peerSubs {
		if sub != nil {
			subs = append(subs, sub)
		}
	}
	w.peerSubs = make(map[string]docstore.Subscription)
	w.mu.Unlock()

	w.docSub.Cancel()
	for _, sub := range subs {
		sub.Cancel()
	}
}
