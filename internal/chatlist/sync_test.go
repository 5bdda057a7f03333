package chatlist

import (
	"context"
	"testing"
	"time"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/model"
	"github.com/huddle/chat-sync/internal/presence"
)

func newFixture(t *testing.T) (*docstore.MemoryStore, *Synchronizer) {
	t.Helper()
	store := docstore.NewMemoryStore()
	pm := presence.NewManager(store, presence.DefaultConfig())
	return store, New(store, pm)
}

func writeList(t *testing.T, store docstore.Store, ownerID string, entries map[string]model.ChatSummary) {
	t.Helper()
	if err := store.Set(context.Background(), model.ChatListPath(ownerID), model.ChatList{Entries: entries}, false); err != nil {
		t.Fatal(err)
	}
}

func nextSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestSync_SortedDescendingWithUnread(t *testing.T) {
	store, s := newFixture(t)
	ctx := context.Background()

	writeList(t, store, "me", map[string]model.ChatSummary{
		"c1": {ConversationID: "c1", PeerID: "p1", UpdatedAt: 100, LastMessage: "old", MessageSeen: false},
		"c2": {ConversationID: "c2", PeerID: "p2", UpdatedAt: 300, LastMessage: "new", MessageSeen: true},
		"g1": {ConversationID: "g1", IsGroup: true, UpdatedAt: 200, LastMessage: "group news", MessageSeen: false},
		"c3": {ConversationID: "c3", PeerID: "p3", UpdatedAt: 250, LastMessage: "", MessageSeen: false},
	})

	snaps := make(chan Snapshot, 8)
	sub, err := s.Sync(ctx, "me", func(snap Snapshot) { snaps <- snap })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	snap := nextSnapshot(t, snaps)
	if len(snap.List) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(snap.List))
	}
	for i := 1; i < len(snap.List); i++ {
		if snap.List[i].UpdatedAt > snap.List[i-1].UpdatedAt {
			t.Errorf("not sorted descending at %d: %d > %d", i, snap.List[i].UpdatedAt, snap.List[i-1].UpdatedAt)
		}
	}

	// unread == entries with messageSeen==false and a non-empty preview.
	if !snap.Unread["c1"] || !snap.Unread["g1"] {
		t.Errorf("expected c1 and g1 unread: %v", snap.Unread)
	}
	if snap.Unread["c2"] {
		t.Error("c2 was seen, must not be unread")
	}
	if snap.Unread["c3"] {
		t.Error("c3 has an empty preview, must not be unread")
	}

	if len(snap.Groups) != 1 || len(snap.Directs) != 3 {
		t.Errorf("bad partition: %d groups, %d directs", len(snap.Groups), len(snap.Directs))
	}
}

func TestSync_DropsPartialEntries(t *testing.T) {
	store, s := newFixture(t)
	ctx := context.Background()

	writeList(t, store, "me", map[string]model.ChatSummary{
		"ok":       {ConversationID: "ok", PeerID: "p1", UpdatedAt: 10},
		"no-conv":  {PeerID: "p2", UpdatedAt: 10},
		"no-time":  {ConversationID: "no-time", PeerID: "p3"},
		"no-peer":  {ConversationID: "no-peer", UpdatedAt: 10},
		"group-ok": {ConversationID: "group-ok", IsGroup: true, UpdatedAt: 10},
	})

	snaps := make(chan Snapshot, 8)
	sub, err := s.Sync(ctx, "me", func(snap Snapshot) { snaps <- snap })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	snap := nextSnapshot(t, snaps)
	if len(snap.List) != 2 {
		t.Fatalf("expected 2 surviving entries, got %d: %+v", len(snap.List), snap.List)
	}
	for _, entry := range snap.List {
		if entry.ConversationID != "ok" && entry.ConversationID != "group-ok" {
			t.Errorf("unexpected survivor %q", entry.ConversationID)
		}
	}
}

func TestSync_EnrichesDirectEntries(t *testing.T) {
	store, s := newFixture(t)
	ctx := context.Background()

	if err := store.Set(ctx, model.UserPath("p1"), model.UserProfile{ID: "p1", Username: "bea"}, false); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, model.StatusPath("p1"), model.PresenceRecord{Online: true, LastSeen: 777}, false); err != nil {
		t.Fatal(err)
	}
	writeList(t, store, "me", map[string]model.ChatSummary{
		"c1": {ConversationID: "c1", PeerID: "p1", UpdatedAt: 10},
		"c2": {ConversationID: "c2", PeerID: "ghost", UpdatedAt: 20},
	})

	snaps := make(chan Snapshot, 8)
	sub, err := s.Sync(ctx, "me", func(snap Snapshot) { snaps <- snap })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	snap := nextSnapshot(t, snaps)
	byConv := map[string]Entry{}
	for _, entry := range snap.List {
		byConv[entry.ConversationID] = entry
	}

	known := byConv["c1"]
	if known.Peer == nil {
		t.Fatal("c1 not enriched")
	}
	if known.Peer.Profile.Username != "bea" || !known.Peer.Online {
		t.Errorf("bad enrichment: %+v", known.Peer)
	}

	ghost := byConv["c2"]
	if ghost.Peer == nil {
		t.Fatal("c2 not enriched")
	}
	if ghost.Peer.Profile.Username != "Unknown User" || ghost.Peer.Online {
		t.Errorf("missing peer should degrade to placeholder offline: %+v", ghost.Peer)
	}
}

func TestSync_PresenceOverlayUpdatesInPlace(t *testing.T) {
	store, s := newFixture(t)
	ctx := context.Background()

	writeList(t, store, "me", map[string]model.ChatSummary{
		"c1": {ConversationID: "c1", PeerID: "p1", UpdatedAt: 10},
	})

	snaps := make(chan Snapshot, 16)
	sub, err := s.Sync(ctx, "me", func(snap Snapshot) { snaps <- snap })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	nextSnapshot(t, snaps) // full pass

	if err := store.Set(ctx, model.StatusPath("p1"), model.PresenceRecord{Online: true, LastSeen: 999}, false); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-snaps:
			if len(snap.List) == 1 && snap.List[0].Peer != nil && snap.List[0].Peer.Online {
				return
			}
		case <-deadline:
			t.Fatal("overlay update never arrived")
		}
	}
}

func TestSync_ReleasesOverlayWhenEntryDisappears(t *testing.T) {
	store, s := newFixture(t)
	ctx := context.Background()

	writeList(t, store, "me", map[string]model.ChatSummary{
		"c1": {ConversationID: "c1", PeerID: "p1", UpdatedAt: 10},
	})

	snaps := make(chan Snapshot, 16)
	sub, err := s.Sync(ctx, "me", func(snap Snapshot) { snaps <- snap })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	nextSnapshot(t, snaps)

	w := sub.(*watcher)
	waitFor(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.peerSubs) == 1
	}, "overlay subscription never opened")

	// The entry disappears; the overlay subscription must go with it.
	writeList(t, store, "me", map[string]model.ChatSummary{})
	waitFor(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.peerSubs) == 0
	}, "overlay subscription leaked after entry removal")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMarkSeen_Idempotent(t *testing.T) {
	store, s := newFixture(t)
	ctx := context.Background()

	writeList(t, store, "me", map[string]model.ChatSummary{
		"c1": {ConversationID: "c1", PeerID: "p1", UpdatedAt: 10, LastMessage: "hi", MessageSeen: false},
	})

	if err := s.MarkSeen(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}
	once, err := store.Get(ctx, model.ChatListPath("me"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.MarkSeen(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}
	twice, err := store.Get(ctx, model.ChatListPath("me"))
	if err != nil {
		t.Fatal(err)
	}

	if string(once.Data) != string(twice.Data) {
		t.Errorf("MarkSeen not idempotent:\nonce:  %s\ntwice: %s", once.Data, twice.Data)
	}

	var list model.ChatList
	if err := twice.Decode(&list); err != nil {
		t.Fatal(err)
	}
	if !list.Entries["c1"].MessageSeen {
		t.Error("entry not marked seen")
	}
}

func TestMarkSeen_MissingListOrEntry(t *testing.T) {
	_, s := newFixture(t)
	ctx := context.Background()

	if err := s.MarkSeen(ctx, "nobody", "c1"); err != nil {
		t.Errorf("missing list: %v", err)
	}
}
