// Package docstore defines the key-addressed document store contract the
// sync engine is built against: JSON documents with get/set/update
// semantics, append-only streams with store-assigned monotonic timestamps,
// and push subscriptions delivering full snapshots in order per
// subscription. An in-memory implementation lives alongside the contract;
// the Redis/NATS-backed implementation is in internal/redisstore.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get and Update when the addressed document
// does not exist. Callers treat it as empty state, not as a failure.
var ErrNotFound = errors.New("docstore: document not found")

// IsNotFound reports whether err indicates an absent document.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Snapshot is the full current state of one document at delivery time.
// Consumers replace local state with it rather than merging.
type Snapshot struct {
	Path   string
	Exists bool
	Data   []byte // JSON body; nil when !Exists
}

// Decode unmarshals the snapshot body into v. It fails on absent documents.
func (s Snapshot) Decode(v interface{}) error {
	if !s.Exists {
		return fmt.Errorf("docstore: decode %s: %w", s.Path, ErrNotFound)
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("docstore: decode %s: %w", s.Path, err)
	}
	return nil
}

// Entry is one record of an append-only stream. CreatedAt is assigned by
// the store at append time and is monotonic within the stream; the same
// value is injected into the stored JSON as "created_at".
type Entry struct {
	ID        string
	CreatedAt int64 // unix millis
	Data      []byte
}

// Decode unmarshals the entry body into v.
func (e Entry) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("docstore: decode entry %s: %w", e.ID, err)
	}
	return nil
}

// Subscription is the cancellation handle returned by every subscribe
// call. Cancel is idempotent; no callback runs after it returns.
type Subscription interface {
	Cancel()
}

// UpdateFn is the caller-supplied transform for UpdateFunc. It receives
// the current JSON body (nil when the document is absent) and returns the
// new document value. Returning a nil value leaves the document unchanged;
// returning an error aborts the update. The function may run more than
// once under optimistic concurrency and must not call back into the store.
type UpdateFn func(current []byte) (interface{}, error)

// Store is the document store contract. Multi-document operations are not
// atomic across documents; UpdateFunc is the only per-document atomic
// read-modify-write primitive and is what every shared-document mutation
// must go through.
type Store interface {
	// Get returns the document at path, or ErrNotFound.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set writes v as the document at path. With merge, the top-level
	// fields of v are merged into the existing document instead of
	// replacing it, and unrelated fields are preserved.
	Set(ctx context.Context, path string, v interface{}, merge bool) error

	// Update sets the named top-level fields on an existing document.
	// Returns ErrNotFound when the document is absent.
	Update(ctx context.Context, path string, fields map[string]interface{}) error

	// UpdateFunc applies fn atomically to the document at path.
	UpdateFunc(ctx context.Context, path string, fn UpdateFn) error

	// AppendToStream appends v to the stream at path and returns the
	// stored entry with its assigned ID and timestamp.
	AppendToStream(ctx context.Context, path string, v interface{}) (Entry, error)

	// UpdateStreamEntry sets the named top-level fields on one existing
	// stream entry. Returns ErrNotFound for unknown streams or entries.
	UpdateStreamEntry(ctx context.Context, path, id string, fields map[string]interface{}) error

	// Subscribe delivers the current snapshot of the document at path,
	// then one snapshot per subsequent change, in order.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)

	// SubscribeStream delivers the full ordered stream at path, then the
	// full stream again after every append or entry update.
	SubscribeStream(ctx context.Context, path string, fn func([]Entry)) (Subscription, error)
}

// mergeJSON shallow-merges the top-level fields of patch into base and
// returns the combined body. Either side may be nil.
func mergeJSON(base, patch []byte) ([]byte, error) {
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}
