package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/model"
)

func readStatus(t *testing.T, store docstore.Store, userID string) model.PresenceRecord {
	t.Helper()
	snap, err := store.Get(context.Background(), model.StatusPath(userID))
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var record model.PresenceRecord
	if err := snap.Decode(&record); err != nil {
		t.Fatal(err)
	}
	return record
}

func TestActivate_WritesOnline(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := NewManager(store, DefaultConfig())
	defer m.Deactivate(context.Background())

	m.Activate(context.Background(), "u1")

	record := readStatus(t, store, "u1")
	if !record.Online {
		t.Error("expected online=true after Activate")
	}
	if record.LastSeen == 0 {
		t.Error("expected last_seen to be set")
	}
}

func TestActivate_MergeKeepsUnrelatedFields(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	// Another writer left an unrelated field on the status document.
	if err := store.Set(ctx, model.StatusPath("u1"), map[string]interface{}{"device": "web"}, false); err != nil {
		t.Fatal(err)
	}

	m := NewManager(store, DefaultConfig())
	m.Activate(ctx, "u1")
	defer m.Deactivate(ctx)

	snap, err := store.Get(ctx, model.StatusPath("u1"))
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Device string `json:"device"`
		Online bool   `json:"online"`
	}
	if err := snap.Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Device != "web" {
		t.Error("activation clobbered an unrelated field")
	}
	if !doc.Online {
		t.Error("expected online=true")
	}
}

func TestActivate_Idempotent(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := NewManager(store, DefaultConfig())
	ctx := context.Background()

	m.Activate(ctx, "u1")
	m.Activate(ctx, "u1") // must not start a second heartbeat

	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if !active {
		t.Fatal("expected manager active")
	}
	m.Deactivate(ctx)
}

func TestVisibility_Transitions(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := NewManager(store, DefaultConfig())
	ctx := context.Background()

	hideTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return hideTime }

	m.Activate(ctx, "u1")
	defer m.Deactivate(ctx)

	m.SetVisible(ctx, false)
	record := readStatus(t, store, "u1")
	if record.Online {
		t.Error("expected online=false after tab hide")
	}
	if record.LastSeen != hideTime.UnixMilli() {
		t.Errorf("last_seen = %d, want hide time %d", record.LastSeen, hideTime.UnixMilli())
	}

	m.SetVisible(ctx, true)
	record = readStatus(t, store, "u1")
	if !record.Online {
		t.Error("expected online=true after tab show")
	}
}

func TestDeactivate_WritesFinalOffline(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := NewManager(store, DefaultConfig())
	ctx := context.Background()

	m.Activate(ctx, "u1")
	m.Deactivate(ctx)

	record := readStatus(t, store, "u1")
	if record.Online {
		t.Error("expected online=false after Deactivate")
	}

	m.Deactivate(ctx) // idempotent
}

func TestHeartbeat_RefreshesLastSeen(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := NewManager(store, Config{HeartbeatInterval: 10 * time.Millisecond})
	ctx := context.Background()

	base := time.Now()
	var mu sync.Mutex
	offset := time.Duration(0)
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		offset += time.Second
		return base.Add(offset)
	}

	m.Activate(ctx, "u1")
	defer m.Deactivate(ctx)

	first := readStatus(t, store, "u1")
	deadline := time.After(2 * time.Second)
	for {
		record := readStatus(t, store, "u1")
		if record.LastSeen > first.LastSeen {
			return // heartbeat advanced the timestamp
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat never refreshed last_seen")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubscribePeer_DeliversUpdates(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := NewManager(store, DefaultConfig())
	ctx := context.Background()

	updates := make(chan bool, 8)
	sub, err := m.SubscribePeer("peer", func(online bool, _ time.Time) {
		updates <- online
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	// Initial delivery: peer record absent, reported offline.
	select {
	case online := <-updates:
		if online {
			t.Error("absent record should report offline")
		}
	case <-time.After(time.Second):
		t.Fatal("no initial delivery")
	}

	if err := store.Set(ctx, model.StatusPath("peer"), model.PresenceRecord{Online: true, LastSeen: 42}, false); err != nil {
		t.Fatal(err)
	}
	select {
	case online := <-updates:
		if !online {
			t.Error("expected online=true delivery")
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery after peer came online")
	}
}

func TestSubscribePeer_DeduplicatesStoreSubscriptions(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := NewManager(store, DefaultConfig())

	var n1, n2 int
	var mu sync.Mutex
	sub1, err := m.SubscribePeer("peer", func(bool, time.Time) { mu.Lock(); n1++; mu.Unlock() })
	if err != nil {
		t.Fatal(err)
	}
	sub2, err := m.SubscribePeer("peer", func(bool, time.Time) { mu.Lock(); n2++; mu.Unlock() })
	if err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	watches := len(m.peers)
	listeners := len(m.peers["peer"].listeners)
	m.mu.Unlock()
	if watches != 1 {
		t.Errorf("expected 1 underlying watch, got %d", watches)
	}
	if listeners != 2 {
		t.Errorf("expected 2 listeners, got %d", listeners)
	}

	// Releasing one interest keeps the shared watch alive.
	sub1.Cancel()
	m.mu.Lock()
	_, stillWatched := m.peers["peer"]
	m.mu.Unlock()
	if !stillWatched {
		t.Error("watch dropped while a listener remains")
	}

	// Releasing the last interest drops the shared watch.
	sub2.Cancel()
	m.mu.Lock()
	_, stillWatched = m.peers["peer"]
	m.mu.Unlock()
	if stillWatched {
		t.Error("watch leaked after last listener cancelled")
	}
}
