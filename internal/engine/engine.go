// Package engine wires the per-session components together. A Session is
// the explicit lifecycle object for one signed-in user: created on session
// start, injected everywhere a component needs user context, released
// exactly once on Close. Nothing in the engine is global.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huddle/chat-sync/internal/chatlist"
	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/fanout"
	"github.com/huddle/chat-sync/internal/group"
	"github.com/huddle/chat-sync/internal/media"
	"github.com/huddle/chat-sync/internal/metrics"
	"github.com/huddle/chat-sync/internal/model"
	"github.com/huddle/chat-sync/internal/presence"
	"github.com/huddle/chat-sync/internal/stream"
)

var (
	// ErrChatExists rejects creating a direct chat that is already in the
	// user's chat list.
	ErrChatExists = errors.New("engine: chat already exists")

	// ErrUserNotFound reports a failed peer lookup.
	ErrUserNotFound = errors.New("engine: user not found")

	// ErrNotMember rejects opening a conversation the user is not part of.
	ErrNotMember = errors.New("engine: not a conversation member")
)

// Identity is the external authentication collaborator. The engine never
// sees credentials beyond passing them through.
type Identity interface {
	SignUp(ctx context.Context, username, email, password string) (userID string, err error)
	SignIn(ctx context.Context, email, password string) (userID string, err error)
	SignOut(ctx context.Context, userID string) error
}

// Options carries the engine's collaborators and tunables. Identity and
// Uploader may be nil when the corresponding operations are not used.
type Options struct {
	Identity Identity
	Uploader media.Uploader
	Presence presence.Config
	Stream   stream.Config
}

// Engine creates sessions against one document store.
type Engine struct {
	store docstore.Store
	opts  Options
}

// New builds an engine over the given store.
func New(store docstore.Store, opts Options) *Engine {
	return &Engine{store: store, opts: opts}
}

// SignUp registers a new account with the identity provider, writes the
// profile document and the username index entry, and starts a session.
func (e *Engine) SignUp(ctx context.Context, username, email, password, avatarURL string) (*Session, error) {
	if e.opts.Identity == nil {
		return nil, errors.New("engine: no identity provider configured")
	}
	userID, err := e.opts.Identity.SignUp(ctx, username, email, password)
	if err != nil {
		return nil, fmt.Errorf("engine: sign up: %w", err)
	}
	profile := model.UserProfile{
		ID:        userID,
		Username:  username,
		Email:     email,
		AvatarURL: avatarURL,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := e.store.Set(ctx, model.UserPath(userID), profile, false); err != nil {
		return nil, fmt.Errorf("engine: write profile %s: %w", userID, err)
	}
	if err := e.store.Set(ctx, model.UsernamePath(username), map[string]string{"id": userID}, false); err != nil {
		return nil, fmt.Errorf("engine: index username %q: %w", username, err)
	}
	return e.StartSession(ctx, userID)
}

// SignIn authenticates against the identity provider and starts a session.
func (e *Engine) SignIn(ctx context.Context, email, password string) (*Session, error) {
	if e.opts.Identity == nil {
		return nil, errors.New("engine: no identity provider configured")
	}
	userID, err := e.opts.Identity.SignIn(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("engine: sign in: %w", err)
	}
	return e.StartSession(ctx, userID)
}

// StartSession loads the user's profile, activates presence, and wires the
// per-session components.
func (e *Engine) StartSession(ctx context.Context, userID string) (*Session, error) {
	snap, err := e.store.Get(ctx, model.UserPath(userID))
	if err != nil {
		return nil, fmt.Errorf("engine: load profile %s: %w", userID, err)
	}
	var profile model.UserProfile
	if err := snap.Decode(&profile); err != nil {
		return nil, err
	}

	pm := presence.NewManager(e.store, e.opts.Presence)
	pm.Activate(ctx, userID)

	fan := fanout.New(e.store)
	s := &Session{
		engine:   e,
		store:    e.store,
		Profile:  profile,
		Presence: pm,
		ChatList: chatlist.New(e.store, pm),
		Stream:   stream.New(e.store, fan, userID, profile.Username, e.opts.Stream),
		Groups:   group.New(e.store, fan, userID, profile.Username),
		Uploader: e.opts.Uploader,
	}
	metrics.ActiveSessions.Inc()
	return s, nil
}

// Session is one signed-in user's working set.
type Session struct {
	engine *Engine
	store  docstore.Store

	Profile  model.UserProfile
	Presence *presence.Manager
	ChatList *chatlist.Synchronizer
	Stream   *stream.Controller
	Groups   *group.Manager
	Uploader media.Uploader

	closeOnce sync.Once
}

// Close releases the session: the open conversation's subscriptions, the
// presence heartbeat, and the final offline write. Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.Stream.Close()
		s.Presence.Deactivate(ctx)
		metrics.ActiveSessions.Dec()
		if id := s.engine.opts.Identity; id != nil {
			if err := id.SignOut(ctx, s.Profile.ID); err != nil {
				log.Printf("[engine] %s: sign out: %v", s.Profile.ID, err)
			}
		}
	})
}

// OpenConversation loads the conversation document and switches the stream
// controller to it. The caller must be on the roster.
func (s *Session) OpenConversation(ctx context.Context, convID string, onMessages func([]model.Message), onTyping func(map[string]bool)) (model.Conversation, error) {
	snap, err := s.store.Get(ctx, model.ConversationPath(convID))
	if err != nil {
		return model.Conversation{}, fmt.Errorf("engine: load conversation %s: %w", convID, err)
	}
	var conv model.Conversation
	if err := snap.Decode(&conv); err != nil {
		return model.Conversation{}, err
	}
	member := false
	for _, id := range conv.Members {
		if id == s.Profile.ID {
			member = true
			break
		}
	}
	if !member {
		return model.Conversation{}, ErrNotMember
	}
	if err := s.Stream.Open(ctx, conv, onMessages, onTyping); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

// FindUser resolves a username through the signup index.
func (s *Session) FindUser(ctx context.Context, username string) (model.UserProfile, error) {
	snap, err := s.store.Get(ctx, model.UsernamePath(username))
	if docstore.IsNotFound(err) {
		return model.UserProfile{}, ErrUserNotFound
	}
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("engine: lookup %q: %w", username, err)
	}
	var ref struct {
		ID string `json:"id"`
	}
	if err := snap.Decode(&ref); err != nil {
		return model.UserProfile{}, err
	}
	psnap, err := s.store.Get(ctx, model.UserPath(ref.ID))
	if docstore.IsNotFound(err) {
		return model.UserProfile{}, ErrUserNotFound
	}
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("engine: lookup %q: %w", username, err)
	}
	var profile model.UserProfile
	if err := psnap.Decode(&profile); err != nil {
		return model.UserProfile{}, err
	}
	return profile, nil
}

// AddDirectChat creates a direct conversation with peerID and seeds an
// empty, already-seen summary into both chat lists. A direct chat with the
// same peer already in the user's list is rejected.
func (s *Session) AddDirectChat(ctx context.Context, peerID string) (model.Conversation, error) {
	userID := s.Profile.ID
	snap, err := s.store.Get(ctx, model.ChatListPath(userID))
	if err != nil && !docstore.IsNotFound(err) {
		return model.Conversation{}, fmt.Errorf("engine: load chat list %s: %w", userID, err)
	}
	if err == nil {
		var list model.ChatList
		if err := snap.Decode(&list); err != nil {
			return model.Conversation{}, err
		}
		for _, entry := range list.Entries {
			if !entry.IsGroup && entry.PeerID == peerID {
				return model.Conversation{}, ErrChatExists
			}
		}
	}

	now := time.Now().UnixMilli()
	conv := model.Conversation{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Members:   []string{userID, peerID},
	}
	if err := s.store.Set(ctx, model.ConversationPath(conv.ID), conv, false); err != nil {
		return model.Conversation{}, fmt.Errorf("engine: create conversation: %w", err)
	}

	fan := fanout.New(s.store)
	base := model.ChatSummary{
		ConversationID: conv.ID,
		LastMessage:    "",
		UpdatedAt:      now,
		MessageSeen:    true,
	}
	mine := base
	mine.PeerID = peerID
	if err := fan.Seed(ctx, userID, mine); err != nil {
		return model.Conversation{}, fmt.Errorf("engine: seed chat list: %w", err)
	}
	theirs := base
	theirs.PeerID = userID
	if err := fan.Seed(ctx, peerID, theirs); err != nil {
		return model.Conversation{}, fmt.Errorf("engine: seed peer chat list: %w", err)
	}
	return conv, nil
}
