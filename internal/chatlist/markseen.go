package chatlist

import (
	"context"
	"encoding/json"

	"github.com/huddle/chat-sync/internal/model"
)

func decodeInto(data []byte, list *model.ChatList) error {
	if err := json.Unmarshal(data, list); err != nil {
		return err
	}
	if list.Entries == nil {
		list.Entries = map[string]model.ChatSummary{}
	}
	return nil
}

// MarkSeen flags the owner's summary for the conversation as seen. The
// write is an atomic read-modify-write on the owner's chat-list document,
// so a concurrent fan-out refresh on a different entry is never lost.
// Marking an already-seen or absent entry is a no-op, which makes the
// operation idempotent.
func (s *Synchronizer) MarkSeen(ctx context.Context, userID, convID string) error {
	return s.store.UpdateFunc(ctx, model.ChatListPath(userID), func(current []byte) (interface{}, error) {
		if current == nil {
			return nil, nil
		}
		var list model.ChatList
		if err := decodeInto(current, &list); err != nil {
			return nil, err
		}
		entry, ok := list.Entries[convID]
		if !ok || entry.MessageSeen {
			return nil, nil
		}
		entry.MessageSeen = true
		list.Entries[convID] = entry
		return list, nil
	})
}
