package gwproto

import (
	"encoding/json"
	"testing"

	"github.com/huddle/chat-sync/internal/model"
)

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"send","text":"Hello!","attachment":{"url":"https://cdn/x.png","kind":"image"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", sm.Text)
	}
	if sm.Attachment == nil || sm.Attachment.URL != "https://cdn/x.png" || sm.Attachment.Kind != "image" {
		t.Errorf("unexpected attachment: %+v", sm.Attachment)
	}
}

func TestParseClientMessage_OpenConversation(t *testing.T) {
	input := []byte(`{"type":"open_conversation","conversation_id":"abc-123"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeOpenConversation {
		t.Fatalf("expected type %q, got %q", TypeOpenConversation, msgType)
	}

	om, ok := msg.(OpenConversationMsg)
	if !ok {
		t.Fatalf("expected OpenConversationMsg, got %T", msg)
	}
	if om.ConversationID != "abc-123" {
		t.Errorf("expected conversation_id %q, got %q", "abc-123", om.ConversationID)
	}
}

func TestParseClientMessage_Visibility(t *testing.T) {
	input := []byte(`{"type":"visibility","visible":false}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeVisibility {
		t.Fatalf("expected type %q, got %q", TypeVisibility, msgType)
	}
	vm, ok := msg.(VisibilityMsg)
	if !ok {
		t.Fatalf("expected VisibilityMsg, got %T", msg)
	}
	if vm.Visible {
		t.Error("expected visible=false")
	}
}

func TestNewServerMessage_Messages(t *testing.T) {
	payload := MessagesMsg{
		ConversationID: "conv-1",
		Messages: []WireMessage{
			{Message: model.Message{ID: "m1", SenderID: "alice", Type: model.MessageText, Text: "hi", CreatedAt: 42}},
			{Message: model.Message{ID: "m2", SenderID: "alice", Type: model.MessageText, Text: "there"}, Pending: true},
		},
	}

	data, err := NewServerMessage(TypeMessages, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMessages {
		t.Errorf("expected type %q, got %v", TypeMessages, result["type"])
	}
	msgs, ok := result["messages"].([]interface{})
	if !ok || len(msgs) != 2 {
		t.Fatalf("unexpected messages payload: %v", result["messages"])
	}
	first := msgs[0].(map[string]interface{})
	if _, ok := first["pending"]; ok {
		t.Error("resolved message must not carry the pending marker")
	}
	second := msgs[1].(map[string]interface{})
	if second["pending"] != true {
		t.Errorf("pending echo not marked: %v", second)
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"chat_list","data":"server only"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for server-only message type")
	}
	if msgType != TypeChatList {
		t.Errorf("expected type to still be reported, got %q", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"text":"no type"}`)); err == nil {
		t.Fatal("expected error for missing type field")
	}
}
