package fanout

import (
	"context"
	"errors"
	"testing"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/model"
)

func readList(t *testing.T, store docstore.Store, ownerID string) model.ChatList {
	t.Helper()
	snap, err := store.Get(context.Background(), model.ChatListPath(ownerID))
	if docstore.IsNotFound(err) {
		return model.ChatList{Entries: map[string]model.ChatSummary{}}
	}
	if err != nil {
		t.Fatal(err)
	}
	var list model.ChatList
	if err := snap.Decode(&list); err != nil {
		t.Fatal(err)
	}
	return list
}

func TestSeed_InitializesChatList(t *testing.T) {
	store := docstore.NewMemoryStore()
	p := New(store)
	ctx := context.Background()

	summary := model.ChatSummary{ConversationID: "c1", PeerID: "u2", LastMessage: "", UpdatedAt: 100, MessageSeen: true}
	if err := p.Seed(ctx, "u1", summary); err != nil {
		t.Fatal(err)
	}

	list := readList(t, store, "u1")
	got, ok := list.Entries["c1"]
	if !ok {
		t.Fatal("seeded entry missing")
	}
	if got.PeerID != "u2" || !got.MessageSeen {
		t.Errorf("unexpected entry: %+v", got)
	}
}

func TestRemove_DeletesOnlyThatEntry(t *testing.T) {
	store := docstore.NewMemoryStore()
	p := New(store)
	ctx := context.Background()

	p.Seed(ctx, "u1", model.ChatSummary{ConversationID: "c1"})
	p.Seed(ctx, "u1", model.ChatSummary{ConversationID: "c2"})

	if err := p.Remove(ctx, "u1", "c1"); err != nil {
		t.Fatal(err)
	}

	list := readList(t, store, "u1")
	if _, ok := list.Entries["c1"]; ok {
		t.Error("c1 should be gone")
	}
	if _, ok := list.Entries["c2"]; !ok {
		t.Error("c2 should remain")
	}

	// Removing an absent entry or from an absent owner is a no-op.
	if err := p.Remove(ctx, "u1", "c1"); err != nil {
		t.Errorf("second remove: %v", err)
	}
	if err := p.Remove(ctx, "nobody", "c1"); err != nil {
		t.Errorf("remove from missing list: %v", err)
	}
}

func TestDeliver_SenderKeepsSeen(t *testing.T) {
	store := docstore.NewMemoryStore()
	p := New(store)
	ctx := context.Background()

	for _, owner := range []string{"a", "b", "c"} {
		p.Seed(ctx, owner, model.ChatSummary{ConversationID: "g1", IsGroup: true, MessageSeen: true})
	}

	p.Deliver(ctx, []string{"a", "b", "c"}, "g1", "a", "hi ~alice", 500)

	for _, owner := range []string{"a", "b", "c"} {
		entry := readList(t, store, owner).Entries["g1"]
		if entry.LastMessage != "hi ~alice" {
			t.Errorf("%s: last_message = %q", owner, entry.LastMessage)
		}
		if entry.UpdatedAt != 500 {
			t.Errorf("%s: updated_at = %d", owner, entry.UpdatedAt)
		}
		wantSeen := owner == "a"
		if entry.MessageSeen != wantSeen {
			t.Errorf("%s: message_seen = %v, want %v", owner, entry.MessageSeen, wantSeen)
		}
	}
}

func TestUpdate_SkipsMembersWithoutEntry(t *testing.T) {
	store := docstore.NewMemoryStore()
	p := New(store)
	ctx := context.Background()

	p.Seed(ctx, "a", model.ChatSummary{ConversationID: "g1"})
	// "b" has a chat list but no entry for g1; "c" has no chat list at all.
	p.Seed(ctx, "b", model.ChatSummary{ConversationID: "other"})

	p.Update(ctx, []string{"a", "b", "c"}, "g1", func(_ string, s *model.ChatSummary) {
		s.LastMessage = "updated"
	})

	if got := readList(t, store, "a").Entries["g1"].LastMessage; got != "updated" {
		t.Errorf("a: last_message = %q", got)
	}
	if got := readList(t, store, "b").Entries["other"].LastMessage; got != "" {
		t.Error("unrelated entry was touched")
	}
	if _, ok := readList(t, store, "b").Entries["g1"]; ok {
		t.Error("entry conjured for member without one")
	}
}

// failingStore wraps a Store and fails UpdateFunc for one path, modeling a
// partial fan-out failure.
type failingStore struct {
	docstore.Store
	failPath string
}

func (f *failingStore) UpdateFunc(ctx context.Context, path string, fn docstore.UpdateFn) error {
	if path == f.failPath {
		return errors.New("simulated write failure")
	}
	return f.Store.UpdateFunc(ctx, path, fn)
}

func TestUpdate_PartialFailureContinues(t *testing.T) {
	inner := docstore.NewMemoryStore()
	p := New(inner)
	ctx := context.Background()

	for _, owner := range []string{"a", "b", "c"} {
		p.Seed(ctx, owner, model.ChatSummary{ConversationID: "g1"})
	}

	failing := &failingStore{Store: inner, failPath: model.ChatListPath("b")}
	pf := New(failing)
	pf.Deliver(ctx, []string{"a", "b", "c"}, "g1", "a", "news", 900)

	// a and c updated despite b's failure; b left stale, not rolled back.
	if got := readList(t, inner, "a").Entries["g1"].UpdatedAt; got != 900 {
		t.Errorf("a not updated: %d", got)
	}
	if got := readList(t, inner, "c").Entries["g1"].UpdatedAt; got != 900 {
		t.Errorf("c not updated: %d", got)
	}
	if got := readList(t, inner, "b").Entries["g1"].UpdatedAt; got != 0 {
		t.Errorf("b should be stale: %d", got)
	}
}
