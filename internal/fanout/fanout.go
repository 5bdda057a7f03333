// Package fanout implements the consistency protocol that keeps every
// member's denormalized ChatSummary mirror in line with its conversation.
// The same protocol backs message delivery and roster mutations.
//
// Multi-document writes are not atomic: the pass walks members
// sequentially, so worst-case latency is linear in member count, and a
// member whose write fails is left stale with no compensating rollback —
// the next successful pass heals it. Each individual chat-list write goes
// through the store's atomic read-modify-write, so an owner's concurrent
// MarkSeen can never be lost to a fan-out write or vice versa.
package fanout

import (
	"context"
	"log"
	"time"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/metrics"
	"github.com/huddle/chat-sync/internal/model"
)

// Protocol performs per-owner chat-list writes.
type Protocol struct {
	store docstore.Store
	now   func() time.Time
}

// New creates the protocol on the given store.
func New(store docstore.Store) *Protocol {
	return &Protocol{store: store, now: time.Now}
}

// Seed writes a fresh summary into the owner's chat list, creating the
// chat-list document when the owner has none yet.
func (p *Protocol) Seed(ctx context.Context, ownerID string, summary model.ChatSummary) error {
	err := p.store.UpdateFunc(ctx, model.ChatListPath(ownerID), func(current []byte) (interface{}, error) {
		list, err := decodeList(current)
		if err != nil {
			return nil, err
		}
		list.Entries[summary.ConversationID] = summary
		return list, nil
	})
	if err != nil {
		metrics.FanoutWrites.WithLabelValues("error").Inc()
		return err
	}
	metrics.FanoutWrites.WithLabelValues("ok").Inc()
	return nil
}

// Remove deletes the owner's entry for the conversation. Removing an
// entry that is already gone is a no-op.
func (p *Protocol) Remove(ctx context.Context, ownerID, convID string) error {
	err := p.store.UpdateFunc(ctx, model.ChatListPath(ownerID), func(current []byte) (interface{}, error) {
		if current == nil {
			return nil, nil
		}
		list, err := decodeList(current)
		if err != nil {
			return nil, err
		}
		if _, ok := list.Entries[convID]; !ok {
			return nil, nil
		}
		delete(list.Entries, convID)
		return list, nil
	})
	if err != nil {
		metrics.FanoutWrites.WithLabelValues("error").Inc()
		return err
	}
	metrics.FanoutWrites.WithLabelValues("ok").Inc()
	return nil
}

// Update applies mutate to each member's existing entry for the
// conversation, one member at a time. Members without an entry are
// skipped; a failed member write is logged and the pass continues — the
// best-effort policy for mirrors.
func (p *Protocol) Update(ctx context.Context, memberIDs []string, convID string, mutate func(ownerID string, s *model.ChatSummary)) {
	start := p.now()
	defer func() { metrics.FanoutDuration.Observe(time.Since(start).Seconds()) }()

	for _, ownerID := range memberIDs {
		skipped := false
		err := p.store.UpdateFunc(ctx, model.ChatListPath(ownerID), func(current []byte) (interface{}, error) {
			skipped = false
			if current == nil {
				skipped = true
				return nil, nil
			}
			list, err := decodeList(current)
			if err != nil {
				return nil, err
			}
			entry, ok := list.Entries[convID]
			if !ok {
				skipped = true
				return nil, nil
			}
			mutate(ownerID, &entry)
			list.Entries[convID] = entry
			return list, nil
		})
		switch {
		case err != nil:
			log.Printf("[fanout] update %s for %s: %v", convID, ownerID, err)
			metrics.FanoutWrites.WithLabelValues("error").Inc()
		case skipped:
			metrics.FanoutWrites.WithLabelValues("skipped").Inc()
		default:
			metrics.FanoutWrites.WithLabelValues("ok").Inc()
		}
	}
}

// Deliver refreshes every participant's summary after a message: preview,
// activity timestamp, and the seen flag, which only the sender keeps set.
func (p *Protocol) Deliver(ctx context.Context, memberIDs []string, convID, senderID, preview string, sentAt int64) {
	p.Update(ctx, memberIDs, convID, func(ownerID string, s *model.ChatSummary) {
		s.LastMessage = preview
		s.UpdatedAt = sentAt
		s.MessageSeen = ownerID == senderID
	})
}

func decodeList(current []byte) (model.ChatList, error) {
	list := model.ChatList{Entries: map[string]model.ChatSummary{}}
	if current == nil {
		return list, nil
	}
	if err := (docstore.Snapshot{Exists: true, Data: current}).Decode(&list); err != nil {
		return list, err
	}
	if list.Entries == nil {
		list.Entries = map[string]model.ChatSummary{}
	}
	return list, nil
}
