// Package model defines the shared document types stored in the document
// store and the path layout used to address them. Every component reads and
// writes these shapes; the store itself is schema-less.
package model

import "strings"

// UserProfile is the per-user account document. Created at signup, mutated
// by profile edits, never deleted.
type UserProfile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Bio       string `json:"bio,omitempty"`
	CreatedAt int64  `json:"created_at"` // unix millis
}

// PresenceRecord is a user's soft online state. Continuously overwritten by
// heartbeat and visibility transitions, never deleted.
type PresenceRecord struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"last_seen"` // unix millis
}

// Conversation is the authoritative membership document for a direct chat
// or a group. Group metadata fields are empty for direct chats.
type Conversation struct {
	ID               string   `json:"id"`
	CreatedAt        int64    `json:"created_at"`
	LastActivity     int64    `json:"last_activity"`
	IsGroup          bool     `json:"is_group"`
	GroupName        string   `json:"group_name,omitempty"`
	GroupImage       string   `json:"group_image,omitempty"`
	GroupDescription string   `json:"group_description,omitempty"`
	CreatedBy        string   `json:"created_by,omitempty"`
	Members          []string `json:"members,omitempty"`
	Admins           []string `json:"admins,omitempty"` // groups only
}

// ChatSummary is the denormalized per-owner mirror of a conversation: one
// entry per (owner, conversation) inside the owner's chat-list document.
// All members' copies must agree on the shared group metadata; MessageSeen
// is the only owner-local field.
type ChatSummary struct {
	ConversationID string   `json:"conversation_id"`
	PeerID         string   `json:"peer_id,omitempty"` // direct chats only
	IsGroup        bool     `json:"is_group"`
	GroupName      string   `json:"group_name,omitempty"`
	GroupImage     string   `json:"group_image,omitempty"`
	Members        []string `json:"members,omitempty"`
	LastMessage    string   `json:"last_message"`
	UpdatedAt      int64    `json:"updated_at"` // unix millis
	MessageSeen    bool     `json:"message_seen"`
}

// ChatList is the per-owner chat-list document: summaries keyed by
// conversation ID so concurrent writers touch only their own entry.
type ChatList struct {
	Entries map[string]ChatSummary `json:"entries"`
}

// Message content types.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageVideo  = "video"
	MessageAudio  = "audio"
	MessageFile   = "file"
	MessageSystem = "system"
)

// Message is one append-only record in a conversation's message stream.
// Immutable once written except Read, which flips false to true only.
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"` // set for group messages
	CreatedAt  int64  `json:"created_at"`            // unix millis, store-assigned
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	FileURL    string `json:"file_url,omitempty"`
	Read       bool   `json:"read"`

	// Pending marks a locally echoed message whose store-assigned timestamp
	// has not resolved yet. Never persisted.
	Pending bool `json:"-"`
}

// System reports whether the message is a roster/lifecycle notice rather
// than user content.
func (m *Message) System() bool { return m.Type == MessageSystem }

// TypingState is the short-lived typing side channel for one conversation:
// user ID -> currently typing.
type TypingState struct {
	Users map[string]bool `json:"users"`
}

// Document path layout. Streams live under their conversation document.
func UserPath(userID string) string         { return "users/" + userID }
func StatusPath(userID string) string       { return "status/" + userID }
func ConversationPath(convID string) string { return "conversations/" + convID }
func MessagesPath(convID string) string     { return "conversations/" + convID + "/messages" }
func ChatListPath(userID string) string     { return "userchats/" + userID }
func TypingPath(convID string) string       { return "typing/" + convID }

// UsernamePath addresses the username index entry written at signup and
// read by peer search. Usernames are indexed lowercase.
func UsernamePath(username string) string {
	return "usernames/" + strings.ToLower(username)
}
