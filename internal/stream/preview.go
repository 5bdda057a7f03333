package stream

import "github.com/huddle/chat-sync/internal/model"

// Preview computes the chat-list preview line for a message. Media messages
// get a fixed glyph label even when a caption is present; text is cut to 30
// characters and tagged with the sender.
func Preview(msg model.Message, senderUsername string) string {
	switch msg.Type {
	case model.MessageImage:
		return "📷 Image"
	case model.MessageVideo:
		return "🎥 Video"
	case model.MessageAudio:
		return "🎵 Audio"
	case model.MessageFile:
		return "📎 File"
	}
	text := []rune(msg.Text)
	if len(text) > 30 {
		text = text[:30]
	}
	return string(text) + "... " + "~" + senderUsername
}
