// Package gwproto defines the WebSocket message types exchanged between a
// chat client and the gateway. All messages are serialized as JSON and
// follow a consistent envelope format with a type discriminator.
package gwproto

import (
	"encoding/json"
	"fmt"

	"github.com/huddle/chat-sync/internal/model"
)

// Client -> Server message types.
const (
	TypeOpenConversation = "open_conversation"
	TypeSend             = "send"
	TypeTyping           = "typing"
	TypeVisibility       = "visibility"
	TypeMarkSeen         = "mark_seen"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeChatList       = "chat_list"
	TypeMessages       = "messages"
	TypeMessagePending = "message_pending"
	TypePresence       = "presence"
	TypePeersTyping    = "peers_typing"
	TypeNotice         = "notice"
	TypeError          = "error"
	TypePong           = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("gwproto: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("gwproto: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// OpenConversationMsg switches the client's active conversation. The
// gateway replaces the previous message and typing subscriptions before the
// new feed is delivered.
type OpenConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SendMsg posts a message into the active conversation. Text and attachment
// may both be present; both absent is rejected.
type SendMsg struct {
	Type       string         `json:"type"`
	Text       string         `json:"text"`
	Attachment *AttachmentMsg `json:"attachment,omitempty"`
}

// AttachmentMsg is an already-uploaded media reference.
type AttachmentMsg struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// TypingMsg signals one keystroke in the active conversation.
type TypingMsg struct {
	Type string `json:"type"`
}

// VisibilityMsg reports a tab-hide or tab-show transition.
type VisibilityMsg struct {
	Type    string `json:"type"`
	Visible bool   `json:"visible"`
}

// MarkSeenMsg marks one chat-list entry as seen.
type MarkSeenMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ChatListMsg carries the full chat-list snapshot: entries sorted by last
// activity descending plus the unread conversation set.
type ChatListMsg struct {
	Type    string      `json:"type"`
	Entries interface{} `json:"entries"`
	Unread  []string    `json:"unread"`
}

// WireMessage is one feed message on the wire. Pending marks a local echo
// whose store timestamp has not resolved yet.
type WireMessage struct {
	model.Message
	Pending bool `json:"pending,omitempty"`
}

// MessagesMsg carries the active conversation's full ordered feed.
type MessagesMsg struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversation_id"`
	Messages       []WireMessage `json:"messages"`
}

// PresenceMsg relays a peer's presence change.
type PresenceMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
}

// PeersTypingMsg relays which other members of the active conversation are
// currently typing.
type PeersTypingMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// NoticeMsg is a dismissible user-visible notice.
type NoticeMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("gwproto: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeOpenConversation:
		var m OpenConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVisibility:
		var m VisibilityMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkSeen:
		var m MarkSeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("gwproto: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("gwproto: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gwproto: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("gwproto: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("gwproto: failed to marshal server message: %w", err)
	}
	return out, nil
}
