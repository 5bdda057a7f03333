// Package stream drives one user's view of the active conversation: the
// ordered message feed, optimistic local echo, typing debounce, and read
// receipts. A Controller belongs to a single session and holds at most one
// open conversation at a time.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/fanout"
	"github.com/huddle/chat-sync/internal/media"
	"github.com/huddle/chat-sync/internal/metrics"
	"github.com/huddle/chat-sync/internal/model"
)

var (
	// ErrEmptyPayload rejects a send with neither text nor attachment.
	ErrEmptyPayload = errors.New("stream: empty payload")

	// ErrNoConversation rejects a send before any conversation is open.
	ErrNoConversation = errors.New("stream: no open conversation")
)

// Config holds the controller timings.
type Config struct {
	// TypingIdle is how long after the last keystroke the typing flag
	// clears. Debounced: every keystroke resets the timer.
	TypingIdle time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{TypingIdle: 2 * time.Second}
}

// Controller is the per-session message feed driver.
type Controller struct {
	store    docstore.Store
	fan      *fanout.Protocol
	userID   string
	username string
	cfg      Config

	now func() time.Time

	mu         sync.Mutex
	epoch      int // bumped on every Open/Close; stale callbacks check it
	conv       *model.Conversation
	msgSub     docstore.Subscription
	typSub     docstore.Subscription
	onMessages func([]model.Message)
	onTyping   func(map[string]bool)
	msgs       []model.Message // authoritative, ascending
	pending    []model.Message // local echoes awaiting the store timestamp
	typTimer   *time.Timer
}

// New builds a controller for one signed-in user.
func New(store docstore.Store, fan *fanout.Protocol, userID, username string, cfg Config) *Controller {
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultConfig().TypingIdle
	}
	return &Controller{
		store:    store,
		fan:      fan,
		userID:   userID,
		username: username,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Open switches the controller to conv. The previous conversation's message
// and typing subscriptions are fully released before the new ones are
// established, so nothing from the old conversation is delivered once the
// switch begins. onMessages receives the full ordered feed on every change;
// onTyping receives the other members' typing flags.
func (c *Controller) Open(ctx context.Context, conv model.Conversation, onMessages func([]model.Message), onTyping func(map[string]bool)) error {
	c.mu.Lock()
	prevMsg, prevTyp, prevTimer := c.msgSub, c.typSub, c.typTimer
	c.msgSub, c.typSub, c.typTimer = nil, nil, nil
	c.epoch++
	epoch := c.epoch
	cc := conv
	c.conv = &cc
	c.onMessages = onMessages
	c.onTyping = onTyping
	c.msgs = nil
	c.pending = nil
	c.mu.Unlock()

	if prevTimer != nil {
		prevTimer.Stop()
	}
	if prevMsg != nil {
		prevMsg.Cancel()
	}
	if prevTyp != nil {
		prevTyp.Cancel()
	}

	msgSub, err := c.store.SubscribeStream(ctx, model.MessagesPath(conv.ID), func(entries []docstore.Entry) {
		c.applyEntries(ctx, epoch, conv, entries)
	})
	if err != nil {
		return fmt.Errorf("stream: subscribe messages %s: %w", conv.ID, err)
	}
	typSub, err := c.store.Subscribe(ctx, model.TypingPath(conv.ID), func(snap docstore.Snapshot) {
		c.applyTyping(epoch, snap)
	})
	if err != nil {
		msgSub.Cancel()
		return fmt.Errorf("stream: subscribe typing %s: %w", conv.ID, err)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		// Lost a race with a newer Open or Close.
		c.mu.Unlock()
		msgSub.Cancel()
		typSub.Cancel()
		return nil
	}
	c.msgSub, c.typSub = msgSub, typSub
	c.mu.Unlock()
	return nil
}

// Send appends a message to the open conversation. Text is trimmed; a send
// with no text and no attachment is rejected before any I/O. The message is
// echoed locally with wall-clock time until the store-assigned timestamp
// arrives through the subscription, then reconciled in place.
func (c *Controller) Send(ctx context.Context, text string, att *media.Attachment) error {
	text = strings.TrimSpace(text)
	if text == "" && att == nil {
		return ErrEmptyPayload
	}

	c.mu.Lock()
	if c.conv == nil {
		c.mu.Unlock()
		return ErrNoConversation
	}
	conv := *c.conv

	msg := model.Message{
		ID:       uuid.NewString(),
		SenderID: c.userID,
		Type:     model.MessageText,
		Text:     text,
	}
	if conv.IsGroup {
		msg.SenderName = c.username
	}
	if att != nil {
		msg.Type = att.Kind
		msg.FileURL = att.URL
	}

	echo := msg
	echo.Pending = true
	echo.CreatedAt = c.now().UnixMilli()
	c.pending = append(c.pending, echo)
	view := c.viewLocked()
	emit := c.onMessages
	c.mu.Unlock()
	if emit != nil {
		emit(view)
	}

	entry, err := c.store.AppendToStream(ctx, model.MessagesPath(conv.ID), msg)
	if err != nil {
		c.mu.Lock()
		c.dropPendingLocked(msg.ID)
		view = c.viewLocked()
		emit = c.onMessages
		c.mu.Unlock()
		if emit != nil {
			emit(view)
		}
		return fmt.Errorf("stream: append %s: %w", conv.ID, err)
	}
	metrics.MessagesSent.WithLabelValues(msg.Type).Inc()

	if err := c.store.Update(ctx, model.ConversationPath(conv.ID), map[string]interface{}{
		"last_activity": entry.CreatedAt,
	}); err != nil {
		log.Printf("[stream] %s: last_activity update: %v", conv.ID, err)
	}
	c.stopTypingTimer()
	c.writeTyping(ctx, conv.ID, false)

	c.fan.Deliver(ctx, conv.Members, conv.ID, c.userID, Preview(msg, c.username), entry.CreatedAt)
	return nil
}

// Typing records a keystroke. The first keystroke after idle sets the
// user's flag; the flag clears TypingIdle after the last keystroke.
func (c *Controller) Typing(ctx context.Context) {
	c.mu.Lock()
	if c.conv == nil {
		c.mu.Unlock()
		return
	}
	convID := c.conv.ID
	epoch := c.epoch
	if c.typTimer != nil {
		c.typTimer.Reset(c.cfg.TypingIdle)
		c.mu.Unlock()
		return
	}
	c.typTimer = time.AfterFunc(c.cfg.TypingIdle, func() {
		c.typingExpired(epoch, convID)
	})
	c.mu.Unlock()

	c.writeTyping(ctx, convID, true)
}

func (c *Controller) typingExpired(epoch int, convID string) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.typTimer = nil
	c.mu.Unlock()
	c.writeTyping(context.Background(), convID, false)
}

// Close releases the open conversation's subscriptions and clears the
// user's typing flag. Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	msgSub, typSub, timer := c.msgSub, c.typSub, c.typTimer
	conv := c.conv
	c.msgSub, c.typSub, c.typTimer = nil, nil, nil
	c.conv = nil
	c.onMessages, c.onTyping = nil, nil
	c.msgs, c.pending = nil, nil
	c.epoch++
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if msgSub != nil {
		msgSub.Cancel()
	}
	if typSub != nil {
		typSub.Cancel()
	}
	if conv != nil {
		c.writeTyping(context.Background(), conv.ID, false)
	}
}

// applyEntries folds one authoritative stream delivery into the local view,
// reconciles resolved local echoes, and issues read receipts.
func (c *Controller) applyEntries(ctx context.Context, epoch int, conv model.Conversation, entries []docstore.Entry) {
	msgs := make([]model.Message, 0, len(entries))
	var receipts []string
	for _, e := range entries {
		var m model.Message
		if err := e.Decode(&m); err != nil {
			log.Printf("[stream] %s: bad message entry %s: %v", conv.ID, e.ID, err)
			continue
		}
		m.CreatedAt = e.CreatedAt
		if !m.Read && !m.System() && m.SenderID != c.userID {
			receipts = append(receipts, e.ID)
		}
		msgs = append(msgs, m)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.msgs = msgs
	resolved := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		resolved[m.ID] = true
	}
	keep := c.pending[:0]
	for _, p := range c.pending {
		if !resolved[p.ID] {
			keep = append(keep, p)
		}
	}
	c.pending = keep
	view := c.viewLocked()
	emit := c.onMessages
	c.mu.Unlock()

	if emit != nil {
		emit(view)
	}
	c.markRead(ctx, conv.ID, receipts)
}

// markRead marks each entry individually; one failure does not block the
// others, the next delivery retries whatever is still unread.
func (c *Controller) markRead(ctx context.Context, convID string, entryIDs []string) {
	for _, id := range entryIDs {
		err := c.store.UpdateStreamEntry(ctx, model.MessagesPath(convID), id, map[string]interface{}{
			"read": true,
		})
		if err != nil {
			metrics.ReadReceipts.WithLabelValues("error").Inc()
			log.Printf("[stream] %s: read receipt %s: %v", convID, id, err)
			continue
		}
		metrics.ReadReceipts.WithLabelValues("ok").Inc()
	}
}

func (c *Controller) applyTyping(epoch int, snap docstore.Snapshot) {
	var st model.TypingState
	if snap.Exists {
		if err := snap.Decode(&st); err != nil {
			log.Printf("[stream] bad typing document %s: %v", snap.Path, err)
			return
		}
	}
	typing := make(map[string]bool, len(st.Users))
	for userID, on := range st.Users {
		if on && userID != c.userID {
			typing[userID] = true
		}
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	emit := c.onTyping
	c.mu.Unlock()
	if emit != nil {
		emit(typing)
	}
}

func (c *Controller) stopTypingTimer() {
	c.mu.Lock()
	timer := c.typTimer
	c.typTimer = nil
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (c *Controller) writeTyping(ctx context.Context, convID string, on bool) {
	err := c.store.UpdateFunc(ctx, model.TypingPath(convID), func(current []byte) (interface{}, error) {
		var st model.TypingState
		if len(current) > 0 {
			if err := json.Unmarshal(current, &st); err != nil {
				return nil, err
			}
		}
		if st.Users == nil {
			st.Users = make(map[string]bool)
		}
		if st.Users[c.userID] == on {
			return nil, nil
		}
		st.Users[c.userID] = on
		return st, nil
	})
	if err != nil {
		log.Printf("[stream] %s: typing flag: %v", convID, err)
	}
}

func (c *Controller) dropPendingLocked(id string) {
	keep := c.pending[:0]
	for _, p := range c.pending {
		if p.ID != id {
			keep = append(keep, p)
		}
	}
	c.pending = keep
}

// viewLocked merges authoritative messages with unresolved local echoes in
// ascending creation order.
func (c *Controller) viewLocked() []model.Message {
	view := make([]model.Message, 0, len(c.msgs)+len(c.pending))
	view = append(view, c.msgs...)
	view = append(view, c.pending...)
	sort.SliceStable(view, func(i, j int) bool {
		return view[i].CreatedAt < view[j].CreatedAt
	})
	return view
}
