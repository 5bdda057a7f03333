// Package group manages group conversations: creation, roster edits, admin
// grants, and metadata updates. Every roster mutation goes through the
// store's atomic read-modify-write, so two concurrent edits of the same
// conversation serialize instead of overwriting each other.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/fanout"
	"github.com/huddle/chat-sync/internal/model"
)

var (
	// ErrMissingName rejects group creation without a name.
	ErrMissingName = errors.New("group: group name required")

	// ErrNoMembers rejects group creation with an empty invite list.
	ErrNoMembers = errors.New("group: at least one member required")

	// ErrSoleAdmin rejects demoting the last remaining admin.
	ErrSoleAdmin = errors.New("group: cannot demote the sole admin")
)

// Manager performs group operations on behalf of one acting user.
type Manager struct {
	store     docstore.Store
	fan       *fanout.Protocol
	actorID   string
	actorName string

	now func() time.Time
}

// New builds a manager acting as the given user.
func New(store docstore.Store, fan *fanout.Protocol, actorID, actorName string) *Manager {
	return &Manager{store: store, fan: fan, actorID: actorID, actorName: actorName, now: time.Now}
}

// Create allocates a new group conversation with the actor as creator and
// sole admin, records a system message, and fans a fresh summary out to the
// creator and every invited member.
func (m *Manager) Create(ctx context.Context, name, description, image string, memberIDs []string) (model.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Conversation{}, ErrMissingName
	}
	if len(memberIDs) == 0 {
		return model.Conversation{}, ErrNoMembers
	}

	members := []string{m.actorID}
	for _, id := range memberIDs {
		if id != m.actorID && !contains(members, id) {
			members = append(members, id)
		}
	}

	now := m.now().UnixMilli()
	conv := model.Conversation{
		ID:               uuid.NewString(),
		CreatedAt:        now,
		LastActivity:     now,
		IsGroup:          true,
		GroupName:        name,
		GroupImage:       image,
		GroupDescription: description,
		CreatedBy:        m.actorID,
		Members:          members,
		Admins:           []string{m.actorID},
	}
	if err := m.store.Set(ctx, model.ConversationPath(conv.ID), conv, false); err != nil {
		return model.Conversation{}, fmt.Errorf("group: create %s: %w", conv.ID, err)
	}
	if err := m.appendSystem(ctx, conv.ID, fmt.Sprintf("%s created the group %q", m.actorName, name)); err != nil {
		return model.Conversation{}, err
	}

	summary := model.ChatSummary{
		ConversationID: conv.ID,
		IsGroup:        true,
		GroupName:      name,
		GroupImage:     image,
		Members:        members,
		UpdatedAt:      now,
	}
	creator := summary
	creator.LastMessage = "Group created"
	creator.MessageSeen = true
	if err := m.fan.Seed(ctx, m.actorID, creator); err != nil {
		return model.Conversation{}, fmt.Errorf("group: seed creator chat list: %w", err)
	}
	for _, id := range members[1:] {
		invited := summary
		invited.LastMessage = m.actorName + " added you to the group"
		invited.MessageSeen = false
		if err := m.fan.Seed(ctx, id, invited); err != nil {
			log.Printf("[group] %s: seed %s: %v", conv.ID, id, err)
		}
	}
	return conv, nil
}

// AddMembers appends the given users to the roster. Users already in the
// group are skipped; a call that adds nobody is a no-op.
func (m *Manager) AddMembers(ctx context.Context, convID string, memberIDs []string) error {
	var conv model.Conversation
	var added []string
	err := m.store.UpdateFunc(ctx, model.ConversationPath(convID), func(current []byte) (interface{}, error) {
		c, err := decodeConversation(current, convID)
		if err != nil {
			return nil, err
		}
		added = added[:0]
		for _, id := range memberIDs {
			if !contains(c.Members, id) && !contains(added, id) {
				added = append(added, id)
			}
		}
		if len(added) == 0 {
			conv = c
			return nil, nil
		}
		c.Members = append(c.Members, added...)
		conv = c
		return c, nil
	})
	if err != nil {
		return fmt.Errorf("group: add members %s: %w", convID, err)
	}
	if len(added) == 0 {
		return nil
	}

	now := m.now().UnixMilli()
	existing := make(map[string]bool, len(conv.Members))
	for _, id := range conv.Members {
		existing[id] = true
	}
	for _, id := range added {
		existing[id] = false
		if err := m.appendSystem(ctx, convID, fmt.Sprintf("%s added %s to the group", m.actorName, m.memberName(ctx, id))); err != nil {
			return err
		}
		invited := model.ChatSummary{
			ConversationID: convID,
			IsGroup:        true,
			GroupName:      conv.GroupName,
			GroupImage:     conv.GroupImage,
			Members:        conv.Members,
			LastMessage:    m.actorName + " added you to the group",
			UpdatedAt:      now,
			MessageSeen:    false,
		}
		if err := m.fan.Seed(ctx, id, invited); err != nil {
			log.Printf("[group] %s: seed %s: %v", convID, id, err)
		}
	}

	var remaining []string
	for _, id := range conv.Members {
		if existing[id] {
			remaining = append(remaining, id)
		}
	}
	notice := fmt.Sprintf("%s added %d members to the group", m.actorName, len(added))
	m.fan.Update(ctx, remaining, convID, func(ownerID string, s *model.ChatSummary) {
		s.Members = conv.Members
		s.LastMessage = notice
		s.UpdatedAt = now
		s.MessageSeen = ownerID == m.actorID
	})
	return nil
}

// RemoveMember drops a user from the roster and the admin list, deletes the
// group from their chat list, and refreshes the remaining members' mirrors.
func (m *Manager) RemoveMember(ctx context.Context, convID, memberID string) error {
	var conv model.Conversation
	var removed bool
	err := m.store.UpdateFunc(ctx, model.ConversationPath(convID), func(current []byte) (interface{}, error) {
		c, err := decodeConversation(current, convID)
		if err != nil {
			return nil, err
		}
		removed = contains(c.Members, memberID)
		if !removed {
			conv = c
			return nil, nil
		}
		c.Members = without(c.Members, memberID)
		c.Admins = without(c.Admins, memberID)
		conv = c
		return c, nil
	})
	if err != nil {
		return fmt.Errorf("group: remove member %s: %w", convID, err)
	}
	if !removed {
		return nil
	}

	name := m.memberName(ctx, memberID)
	notice := fmt.Sprintf("%s removed %s from the group", m.actorName, name)
	if err := m.appendSystem(ctx, convID, notice); err != nil {
		return err
	}
	if err := m.fan.Remove(ctx, memberID, convID); err != nil {
		log.Printf("[group] %s: remove chat entry %s: %v", convID, memberID, err)
	}

	now := m.now().UnixMilli()
	m.fan.Update(ctx, conv.Members, convID, func(ownerID string, s *model.ChatSummary) {
		s.Members = conv.Members
		s.LastMessage = notice
		s.UpdatedAt = now
		s.MessageSeen = ownerID == m.actorID
	})
	return nil
}

// ToggleAdmin grants admin to a non-admin member or revokes it from an
// admin. Revoking the sole remaining admin is rejected and the roster is
// left unchanged.
func (m *Manager) ToggleAdmin(ctx context.Context, convID, memberID string) error {
	var wasAdmin bool
	err := m.store.UpdateFunc(ctx, model.ConversationPath(convID), func(current []byte) (interface{}, error) {
		c, err := decodeConversation(current, convID)
		if err != nil {
			return nil, err
		}
		wasAdmin = contains(c.Admins, memberID)
		if wasAdmin {
			if len(c.Admins) <= 1 {
				return nil, ErrSoleAdmin
			}
			c.Admins = without(c.Admins, memberID)
		} else {
			c.Admins = append(c.Admins, memberID)
		}
		return c, nil
	})
	if err != nil {
		if errors.Is(err, ErrSoleAdmin) {
			return ErrSoleAdmin
		}
		return fmt.Errorf("group: toggle admin %s: %w", convID, err)
	}

	name := m.memberName(ctx, memberID)
	text := name + " is now an admin"
	if wasAdmin {
		text = name + " is no longer an admin"
	}
	return m.appendSystem(ctx, convID, text)
}

// UpdateInfo edits the group's name, description, and image, optionally
// inviting new members in the same call, then refreshes every member's
// chat-list mirror.
func (m *Manager) UpdateInfo(ctx context.Context, convID, name, description, image string, newMemberIDs []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrMissingName
	}

	var conv model.Conversation
	var added []string
	err := m.store.UpdateFunc(ctx, model.ConversationPath(convID), func(current []byte) (interface{}, error) {
		c, err := decodeConversation(current, convID)
		if err != nil {
			return nil, err
		}
		added = added[:0]
		for _, id := range newMemberIDs {
			if !contains(c.Members, id) && !contains(added, id) {
				added = append(added, id)
			}
		}
		c.GroupName = name
		c.GroupDescription = description
		c.GroupImage = image
		c.Members = append(c.Members, added...)
		conv = c
		return c, nil
	})
	if err != nil {
		return fmt.Errorf("group: update info %s: %w", convID, err)
	}

	now := m.now().UnixMilli()
	if len(added) > 0 {
		if err := m.appendSystem(ctx, convID, fmt.Sprintf("%s added %d new members to the group", m.actorName, len(added))); err != nil {
			return err
		}
		for _, id := range added {
			invited := model.ChatSummary{
				ConversationID: convID,
				IsGroup:        true,
				GroupName:      name,
				GroupImage:     image,
				Members:        conv.Members,
				LastMessage:    m.actorName + " added you to the group",
				UpdatedAt:      now,
				MessageSeen:    false,
			}
			if err := m.fan.Seed(ctx, id, invited); err != nil {
				log.Printf("[group] %s: seed %s: %v", convID, id, err)
			}
		}
	}

	addedSet := make(map[string]bool, len(added))
	for _, id := range added {
		addedSet[id] = true
	}
	var existing []string
	for _, id := range conv.Members {
		if !addedSet[id] {
			existing = append(existing, id)
		}
	}
	m.fan.Update(ctx, existing, convID, func(ownerID string, s *model.ChatSummary) {
		s.GroupName = name
		s.GroupImage = image
		s.Members = conv.Members
		s.LastMessage = m.actorName + " updated the group information"
		s.UpdatedAt = now
		s.MessageSeen = ownerID == m.actorID
	})
	return nil
}

func (m *Manager) appendSystem(ctx context.Context, convID, text string) error {
	_, err := m.store.AppendToStream(ctx, model.MessagesPath(convID), model.Message{
		ID:   uuid.NewString(),
		Type: model.MessageSystem,
		Text: text,
	})
	if err != nil {
		return fmt.Errorf("group: system message %s: %w", convID, err)
	}
	return nil
}

// memberName resolves a user ID for system-message text; a missing profile
// degrades to a placeholder rather than failing the operation.
func (m *Manager) memberName(ctx context.Context, userID string) string {
	snap, err := m.store.Get(ctx, model.UserPath(userID))
	if err != nil {
		return "Unknown User"
	}
	var profile model.UserProfile
	if err := snap.Decode(&profile); err != nil || profile.Username == "" {
		return "Unknown User"
	}
	return profile.Username
}

func decodeConversation(current []byte, convID string) (model.Conversation, error) {
	var c model.Conversation
	if current == nil {
		return c, docstore.ErrNotFound
	}
	if err := json.Unmarshal(current, &c); err != nil {
		return c, fmt.Errorf("conversation %s: %w", convID, err)
	}
	return c, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
