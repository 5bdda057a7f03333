package group

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/fanout"
	"github.com/huddle/chat-sync/internal/model"
)

func newManager(store docstore.Store, actorID, actorName string) *Manager {
	return New(store, fanout.New(store), actorID, actorName)
}

func getConversation(t *testing.T, store docstore.Store, id string) model.Conversation {
	t.Helper()
	snap, err := store.Get(context.Background(), model.ConversationPath(id))
	if err != nil {
		t.Fatal(err)
	}
	var conv model.Conversation
	if err := snap.Decode(&conv); err != nil {
		t.Fatal(err)
	}
	return conv
}

func getChatList(t *testing.T, store docstore.Store, ownerID string) model.ChatList {
	t.Helper()
	snap, err := store.Get(context.Background(), model.ChatListPath(ownerID))
	if docstore.IsNotFound(err) {
		return model.ChatList{}
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

func TestCreate_Validation(t *testing.T) {
	store := docstore.NewMemoryStore()
	m := newManager(store, "alice", "alice")

	if _, err := m.Create(context.Background(), "  ", "", "", []string{"bob"}); err != ErrMissingName {
		t.Errorf("blank name: got %v, want ErrMissingName", err)
	}
	if _, err := m.Create(context.Background(), "crew", "", "", nil); err != ErrNoMembers {
		t.Errorf("no members: got %v, want ErrNoMembers", err)
	}
}

func TestCreate_SeedsEveryChatList(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	m := newManager(store, "alice", "alice")

	conv, err := m.Create(ctx, "crew", "the crew", "", []string{"bob", "carol", "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(conv.Members, []string{"alice", "bob", "carol"}) {
		t.Errorf("members = %v", conv.Members)
	}
	if !reflect.DeepEqual(conv.Admins, []string{"alice"}) {
		t.Errorf("admins = %v", conv.Admins)
	}

	creator := getChatList(t, store, "alice").Entries[conv.ID]
	if creator.LastMessage != "Group created" || !creator.MessageSeen {
		t.Errorf("creator entry: %+v", creator)
	}
	for _, id := range []string{"bob", "carol"} {
		entry := getChatList(t, store, id).Entries[conv.ID]
		if entry.LastMessage != "alice added you to the group" || entry.MessageSeen {
			t.Errorf("%s entry: %+v", id, entry)
		}
		if entry.GroupName != "crew" || !entry.IsGroup {
			t.Errorf("%s entry metadata: %+v", id, entry)
		}
	}

	// Creation is recorded in the stream as a system message.
	var entries []docstore.Entry
	done := make(chan struct{})
	sub, err := store.SubscribeStream(ctx, model.MessagesPath(conv.ID), func(es []docstore.Entry) {
		select {
		case <-done:
		default:
			entries = es
			close(done)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	<-done
	sub.Cancel()
	if len(entries) != 1 {
		t.Fatalf("expected 1 system message, got %d", len(entries))
	}
	var msg model.Message
	if err := entries[0].Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if !msg.System() || msg.Text != `alice created the group "crew"` {
		t.Errorf("system message: %+v", msg)
	}
}

func TestAddMembers_RefreshesExistingMirrors(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	m := newManager(store, "alice", "alice")

	conv, err := m.Create(ctx, "crew", "", "", []string{"bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AddMembers(ctx, conv.ID, []string{"carol", "bob"}); err != nil {
		t.Fatal(err)
	}

	got := getConversation(t, store, conv.ID)
	if !reflect.DeepEqual(got.Members, []string{"alice", "bob", "carol"}) {
		t.Errorf("members = %v", got.Members)
	}

	carol := getChatList(t, store, "carol").Entries[conv.ID]
	if carol.LastMessage != "alice added you to the group" || carol.MessageSeen {
		t.Errorf("new member entry: %+v", carol)
	}
	bob := getChatList(t, store, "bob").Entries[conv.ID]
	if bob.LastMessage != "alice added 1 members to the group" {
		t.Errorf("existing member preview: %q", bob.LastMessage)
	}
	if bob.MessageSeen {
		t.Error("existing member must see the change as unread")
	}
	if !reflect.DeepEqual(bob.Members, got.Members) {
		t.Errorf("mirror roster stale: %v", bob.Members)
	}
	alice := getChatList(t, store, "alice").Entries[conv.ID]
	if !alice.MessageSeen {
		t.Error("actor's own entry stays seen")
	}
}

func TestAddMembers_NoNewMembersIsNoop(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	m := newManager(store, "alice", "alice")

	conv, err := m.Create(ctx, "crew", "", "", []string{"bob"})
	if err != nil {
		t.Fatal(err)
	}
	before := getChatList(t, store, "bob")
	if err := m.AddMembers(ctx, conv.ID, []string{"bob", "alice"}); err != nil {
		t.Fatal(err)
	}
	after := getChatList(t, store, "bob")
	if !reflect.DeepEqual(before, after) {
		t.Error("no-op add mutated a mirror")
	}
}

func TestAddMembers_ConcurrentEditsBothSurvive(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	m := newManager(store, "alice", "alice")

	conv, err := m.Create(ctx, "crew", "", "", []string{"seed"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveMember(ctx, conv.ID, "seed"); err != nil {
		t.Fatal(err)
	}

	// Starting from members=[alice], two concurrent adds serialize through
	// the atomic conversation update: both must land, none lost.
	var wg sync.WaitGroup
	for _, id := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.AddMembers(ctx, conv.ID, []string{id}); err != nil {
				t.Errorf("add %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	got := getConversation(t, store, conv.ID).Members
	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	if !reflect.DeepEqual(sorted, []string{"alice", "bob", "carol"}) {
		t.Errorf("lost update: members = %v", got)
	}
	if got[0] != "alice" {
		t.Errorf("creator must stay first: %v", got)
	}
}

func TestRemoveMember_DropsMirrorAndAdmin(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	m := newManager(store, "alice", "alice")

	conv, err := m.Create(ctx, "crew", "", "", []string{"bob", "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ToggleAdmin(ctx, conv.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveMember(ctx, conv.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	got := getConversation(t, store, conv.ID)
	if contains(got.Members, "bob") || contains(got.Admins, "bob") {
		t.Errorf("bob still present: members=%v admins=%v", got.Members, got.Admins)
	}
	if _, ok := getChatList(t, store, "bob").Entries[conv.ID]; ok {
		t.Error("removed member's chat entry not deleted")
	}
	carol := getChatList(t, store, "carol").Entries[conv.ID]
	if carol.LastMessage != "alice removed Unknown User from the group" {
		t.Errorf("remaining member preview: %q", carol.LastMessage)
	}
}

func TestRemoveMember_UsesProfileName(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	m := newManager(store, "alice", "alice")

	if err := store.Set(ctx, model.UserPath("bob"), model.UserProfile{ID: "bob", Username: "bobby"}, false); err != nil {
		t.Fatal(err)
	}
	conv, err := m.Create(ctx, "crew", "", "", []string{"bob", "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveMember(ctx, conv.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	carol := getChatList(t, store, "carol").Entries[conv.ID]
	if carol.LastMessage != "alice removed bobby from the group" {
		t.Errorf("preview: %q", carol.LastMessage)
	}
}

func TestToggleAdmin_SoleAdminRejected(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	m := newManager(store, "alice", "alice")

	conv, err := m.Create(ctx, "crew", "", "", []string{"bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ToggleAdmin(ctx, conv.ID, "alice"); !errors.Is(err, ErrSoleAdmin) {
		t.Fatalf("got %v, want ErrSoleAdmin", err)
	}
	got := getConversation(t, store, conv.ID)
	if !reflect.DeepEqual(got.Admins, []string{"alice"}) {
		t.Errorf("admins changed on rejected toggle: %v", got.Admins)
	}
}

func TestToggleAdmin_GrantAndRevoke(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	m := newManager(store, "alice", "alice")

	conv, err := m.Create(ctx, "crew", "", "", []string{"bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ToggleAdmin(ctx, conv.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if got := getConversation(t, store, conv.ID).Admins; !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("after grant: %v", got)
	}
	if err := m.ToggleAdmin(ctx, conv.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if got := getConversation(t, store, conv.ID).Admins; !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("after revoke: %v", got)
	}
}

func TestUpdateInfo_RefreshesMetadataEverywhere(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	m := newManager(store, "alice", "alice")

	conv, err := m.Create(ctx, "crew", "old", "", []string{"bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateInfo(ctx, conv.ID, "the crew", "new desc", "img.png", []string{"carol"}); err != nil {
		t.Fatal(err)
	}

	got := getConversation(t, store, conv.ID)
	if got.GroupName != "the crew" || got.GroupDescription != "new desc" || got.GroupImage != "img.png" {
		t.Errorf("metadata: %+v", got)
	}
	if !reflect.DeepEqual(got.Members, []string{"alice", "bob", "carol"}) {
		t.Errorf("members: %v", got.Members)
	}

	bob := getChatList(t, store, "bob").Entries[conv.ID]
	if bob.GroupName != "the crew" || bob.GroupImage != "img.png" {
		t.Errorf("mirror metadata stale: %+v", bob)
	}
	if bob.LastMessage != "alice updated the group information" || bob.MessageSeen {
		t.Errorf("mirror preview: %+v", bob)
	}
	carol := getChatList(t, store, "carol").Entries[conv.ID]
	if carol.LastMessage != "alice added you to the group" {
		t.Errorf("new member preview: %q", carol.LastMessage)
	}
}
