package stream

import (
	"context"
	"testing"
	"time"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/fanout"
	"github.com/huddle/chat-sync/internal/media"
	"github.com/huddle/chat-sync/internal/model"
)

func TestPreview_LongText(t *testing.T) {
	msg := model.Message{Type: model.MessageText, Text: "Hello world, this is a long message"}
	got := Preview(msg, "alice")
	want := "Hello world, this is a long me" + "... " + "~alice"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPreview_MediaIgnoresCaption(t *testing.T) {
	cases := []struct {
		kind string
		want string
	}{
		{model.MessageImage, "📷 Image"},
		{model.MessageVideo, "🎥 Video"},
		{model.MessageAudio, "🎵 Audio"},
		{model.MessageFile, "📎 File"},
	}
	for _, tc := range cases {
		msg := model.Message{Type: tc.kind, Text: "look at this caption"}
		if got := Preview(msg, "alice"); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.kind, got, tc.want)
		}
	}
}

func newController(store docstore.Store, userID, username string) *Controller {
	return New(store, fanout.New(store), userID, username, Config{TypingIdle: 50 * time.Millisecond})
}

func openConversation(t *testing.T, store docstore.Store, id string, members ...string) model.Conversation {
	t.Helper()
	conv := model.Conversation{ID: id, CreatedAt: 1, Members: members}
	if err := store.Set(context.Background(), model.ConversationPath(id), conv, false); err != nil {
		t.Fatal(err)
	}
	return conv
}

func waitForFeed(t *testing.T, feeds <-chan []model.Message, ok func([]model.Message) bool) []model.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case feed := <-feeds:
			if ok(feed) {
				return feed
			}
		case <-deadline:
			t.Fatal("timed out waiting for feed state")
			return nil
		}
	}
}

func TestSend_Validation(t *testing.T) {
	store := docstore.NewMemoryStore()
	c := newController(store, "alice", "alice")

	if err := c.Send(context.Background(), "   ", nil); err != ErrEmptyPayload {
		t.Errorf("whitespace only: got %v, want ErrEmptyPayload", err)
	}

	if err := c.Send(context.Background(), "hello", nil); err != ErrNoConversation {
		t.Errorf("before open: got %v, want ErrNoConversation", err)
	}
}

func TestSend_DeliversPreviewToAllMembers(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	c := newController(store, "alice", "alice")
	conv := openConversation(t, store, "c1", "alice", "bob")

	fan := fanout.New(store)
	for _, owner := range conv.Members {
		if err := fan.Seed(ctx, owner, model.ChatSummary{
			ConversationID: "c1", PeerID: "x", UpdatedAt: 1, MessageSeen: true,
		}); err != nil {
			t.Fatal(err)
		}
	}

	feeds := make(chan []model.Message, 16)
	if err := c.Open(ctx, conv, func(msgs []model.Message) { feeds <- msgs }, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Send(ctx, "Hello world, this is a long message", nil); err != nil {
		t.Fatal(err)
	}

	wantPreview := "Hello world, this is a long me... ~alice"
	for owner, wantSeen := range map[string]bool{"alice": true, "bob": false} {
		snap, err := store.Get(ctx, model.ChatListPath(owner))
		if err != nil {
			t.Fatal(err)
		}
		var list model.ChatList
		if err := snap.Decode(&list); err != nil {
			t.Fatal(err)
		}
		entry := list.Entries["c1"]
		if entry.LastMessage != wantPreview {
			t.Errorf("%s: preview %q, want %q", owner, entry.LastMessage, wantPreview)
		}
		if entry.MessageSeen != wantSeen {
			t.Errorf("%s: messageSeen=%v, want %v", owner, entry.MessageSeen, wantSeen)
		}
	}

	// The sender's own append also refreshes the conversation clock.
	snap, err := store.Get(ctx, model.ConversationPath("c1"))
	if err != nil {
		t.Fatal(err)
	}
	var got model.Conversation
	if err := snap.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.LastActivity == 0 {
		t.Error("last_activity not updated")
	}
}

func TestSend_MediaPreview(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	c := newController(store, "alice", "alice")
	conv := openConversation(t, store, "c1", "alice", "bob")

	fan := fanout.New(store)
	if err := fan.Seed(ctx, "bob", model.ChatSummary{ConversationID: "c1", PeerID: "alice", UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	if err := c.Open(ctx, conv, nil, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	att := &media.Attachment{URL: "https://cdn/x.png", Kind: media.KindImage}
	if err := c.Send(ctx, "with a caption", att); err != nil {
		t.Fatal(err)
	}

	snap, err := store.Get(ctx, model.ChatListPath("bob"))
	if err != nil {
		t.Fatal(err)
	}
	var list model.ChatList
	if err := snap.Decode(&list); err != nil {
		t.Fatal(err)
	}
	if got := list.Entries["c1"].LastMessage; got != "📷 Image" {
		t.Errorf("preview %q, want %q", got, "📷 Image")
	}
}

func TestSend_PendingEchoReconciles(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	c := newController(store, "alice", "alice")
	conv := openConversation(t, store, "c1", "alice", "bob")

	feeds := make(chan []model.Message, 16)
	if err := c.Open(ctx, conv, func(msgs []model.Message) { feeds <- msgs }, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Send(ctx, "hi", nil); err != nil {
		t.Fatal(err)
	}

	// First a local echo marked pending, then the authoritative record
	// replaces it with the store timestamp.
	sawPending := false
	final := waitForFeed(t, feeds, func(feed []model.Message) bool {
		if len(feed) != 1 {
			return false
		}
		if feed[0].Pending {
			sawPending = true
			return false
		}
		return true
	})
	if !sawPending {
		t.Error("no pending echo observed before the authoritative record")
	}
	if final[0].CreatedAt == 0 || final[0].Text != "hi" {
		t.Errorf("bad reconciled message: %+v", final[0])
	}
}

func TestOpen_NoStaleDeliveryAfterSwitch(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	c := newController(store, "alice", "alice")
	convA := openConversation(t, store, "a", "alice", "bob")
	convB := openConversation(t, store, "b", "alice", "bob")

	feeds := make(chan []model.Message, 64)
	if err := c.Open(ctx, convA, func(msgs []model.Message) { feeds <- msgs }, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, "in conversation a", nil); err != nil {
		t.Fatal(err)
	}
	waitForFeed(t, feeds, func(feed []model.Message) bool {
		return len(feed) == 1 && !feed[0].Pending
	})

	if err := c.Open(ctx, convB, func(msgs []model.Message) { feeds <- msgs }, nil); err != nil {
		t.Fatal(err)
	}

	// Traffic in the old conversation must not reach the feed anymore.
	if _, err := store.AppendToStream(ctx, model.MessagesPath("a"), model.Message{
		ID: "late", SenderID: "bob", Type: model.MessageText, Text: "late in a",
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, "in conversation b", nil); err != nil {
		t.Fatal(err)
	}

	waitForFeed(t, feeds, func(feed []model.Message) bool {
		for _, m := range feed {
			if m.Text == "late in a" || m.Text == "in conversation a" {
				t.Fatalf("stale delivery after switch: %+v", m)
			}
		}
		return len(feed) == 1 && feed[0].Text == "in conversation b" && !feed[0].Pending
	})
	c.Close()
}

func TestTyping_DebounceExpiry(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	c := newController(store, "alice", "alice")
	conv := openConversation(t, store, "c1", "alice", "bob")
	if err := c.Open(ctx, conv, nil, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	typingIs := func(want bool) func() bool {
		return func() bool {
			snap, err := store.Get(ctx, model.TypingPath("c1"))
			if err != nil {
				return !want
			}
			var st model.TypingState
			if err := snap.Decode(&st); err != nil {
				return false
			}
			return st.Users["alice"] == want
		}
	}

	c.Typing(ctx)
	waitCond(t, typingIs(true), "flag never set")

	// Keystrokes keep resetting the idle timer.
	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		c.Typing(ctx)
	}
	if !typingIs(true)() {
		t.Error("flag cleared while still typing")
	}

	waitCond(t, typingIs(false), "flag never expired after idle")
}

func waitCond(t *testing.T, cond func() bool, msg string) {
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

func TestReadReceipts_MarkOthersMessagesIndividually(t *testing.T) {
	store := docstore.NewMemoryStore()
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		if _, err := store.AppendToStream(ctx, model.MessagesPath("c1"), model.Message{
			ID: text, SenderID: "bob", Type: model.MessageText, Text: text,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.AppendToStream(ctx, model.MessagesPath("c1"), model.Message{
		ID: "mine", SenderID: "alice", Type: model.MessageText, Text: "mine",
	}); err != nil {
		t.Fatal(err)
	}

	c := newController(store, "alice", "alice")
	conv := openConversation(t, store, "c1", "alice", "bob")

	feeds := make(chan []model.Message, 16)
	if err := c.Open(ctx, conv, func(msgs []model.Message) { feeds <- msgs }, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	feed := waitForFeed(t, feeds, func(feed []model.Message) bool {
		read := 0
		for _, m := range feed {
			if m.SenderID == "bob" && m.Read {
				read++
			}
		}
		return read == 2
	})
	for _, m := range feed {
		if m.SenderID == "alice" && m.Read {
			t.Error("own message must not be receipt-marked")
		}
	}
}
