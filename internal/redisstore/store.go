// Package redisstore implements the document store contract on Redis with
// NATS change announcements. Documents live in hashes carrying a JSON body
// and a version counter; read-modify-write operations use optimistic
// WATCH/MULTI transactions keyed on that version, which is what closes the
// lost-update window on shared documents. Streams keep entry bodies in a
// hash and ordering in a sorted set, with a Lua script assigning strictly
// monotonic millisecond timestamps.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/huddle/chat-sync/internal/docstore"
	"github.com/huddle/chat-sync/internal/messaging"
)

const (
	docPrefix   = "doc:"
	metaPrefix  = "smeta:"
	dataPrefix  = "sdata:"
	orderPrefix = "sorder:"

	// maxTxRetries bounds the optimistic transaction retry loop.
	maxTxRetries = 16
)

// appendLua appends one entry to a stream: it derives a millisecond
// timestamp from the Redis server clock, bumps it past the previous entry
// when the clock stalls, injects it into the entry body as created_at, and
// records body and ordering.
const appendLua = `
local meta = KEYS[1]
local data = KEYS[2]
local order = KEYS[3]

local t = redis.call('TIME')
local ms = t[1] * 1000 + math.floor(t[2] / 1000)
local last = tonumber(redis.call('HGET', meta, 'last_ms') or '0')
if ms <= last then ms = last + 1 end
redis.call('HSET', meta, 'last_ms', ms)

local seq = redis.call('HINCRBY', meta, 'seq', 1)
local id = ms .. '-' .. seq

local doc = cjson.decode(ARGV[1])
doc['created_at'] = ms
local body = cjson.encode(doc)

redis.call('HSET', data, id, body)
redis.call('ZADD', order, ms, id)
return {id, tostring(ms), body}
`

// Store is the Redis/NATS-backed document store.
type Store struct {
	rdb       *redis.Client
	nats      *messaging.Client
	appendScr *redis.Script
	subSeq    atomic.Int64
}

// New creates a Store on the given Redis client and NATS client.
func New(rdb *redis.Client, nc *messaging.Client) *Store {
	return &Store{
		rdb:       rdb,
		nats:      nc,
		appendScr: redis.NewScript(appendLua),
	}
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, path string) (docstore.Snapshot, error) {
	data, err := s.rdb.HGet(ctx, docPrefix+path, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return docstore.Snapshot{Path: path}, fmt.Errorf("redisstore: get %s: %w", path, docstore.ErrNotFound)
	}
	if err != nil {
		return docstore.Snapshot{Path: path}, fmt.Errorf("redisstore: get %s: %w", path, err)
	}
	return docstore.Snapshot{Path: path, Exists: true, Data: data}, nil
}

// Set implements docstore.Store. A plain overwrite needs no version check;
// a merge is a read-modify-write and goes through the optimistic path.
func (s *Store) Set(ctx context.Context, path string, v interface{}, merge bool) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redisstore: set %s: %w", path, err)
	}

	if merge {
		return s.UpdateFunc(ctx, path, func(current []byte) (interface{}, error) {
			merged, err := mergeBodies(current, body)
			if err != nil {
				return nil, err
			}
			return json.RawMessage(merged), nil
		})
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, docPrefix+path, "data", body)
	pipe.HIncrBy(ctx, docPrefix+path, "ver", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", path, err)
	}
	s.announceDoc(path)
	return nil
}

// Update implements docstore.Store.
func (s *Store) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("redisstore: update %s: %w", path, err)
	}
	return s.UpdateFunc(ctx, path, func(current []byte) (interface{}, error) {
		if current == nil {
			return nil, fmt.Errorf("redisstore: update %s: %w", path, docstore.ErrNotFound)
		}
		merged, err := mergeBodies(current, patch)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(merged), nil
	})
}

// UpdateFunc implements docstore.Store. The document version is read under
// WATCH; if any concurrent writer bumps it before EXEC the transaction
// fails and the transform is retried against the fresh state.
func (s *Store) UpdateFunc(ctx context.Context, path string, fn docstore.UpdateFn) error {
	key := docPrefix + path

	txn := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "data").Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		body, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", body)
			pipe.HIncrBy(ctx, key, "ver", 1)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		s.announceDoc(path)
		return nil
	}
	return fmt.Errorf("redisstore: update %s: transaction contention after %d retries", path, maxTxRetries)
}

// AppendToStream implements docstore.Store.
func (s *Store) AppendToStream(ctx context.Context, path string, v interface{}) (docstore.Entry, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return docstore.Entry{}, fmt.Errorf("redisstore: append %s: %w", path, err)
	}

	keys := []string{metaPrefix + path, dataPrefix + path, orderPrefix + path}
	res, err := s.appendScr.Run(ctx, s.rdb, keys, string(body)).Slice()
	if err != nil {
		return docstore.Entry{}, fmt.Errorf("redisstore: append %s: %w", path, err)
	}
	if len(res) != 3 {
		return docstore.Entry{}, fmt.Errorf("redisstore: append %s: unexpected script result %v", path, res)
	}

	id, _ := res[0].(string)
	msStr, _ := res[1].(string)
	stored, _ := res[2].(string)
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return docstore.Entry{}, fmt.Errorf("redisstore: append %s: bad timestamp %q", path, msStr)
	}

	entry := docstore.Entry{ID: id, CreatedAt: ms, Data: []byte(stored)}
	s.announceAppend(path, entry)
	return entry, nil
}

// UpdateStreamEntry implements docstore.Store. Entry bodies are tiny, so a
// WATCH on the data hash is enough; contention on a single message is rare.
func (s *Store) UpdateStreamEntry(ctx context.Context, path, id string, fields map[string]interface{}) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("redisstore: update stream %s/%s: %w", path, id, err)
	}
	key := dataPrefix + path

	txn := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, id).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("redisstore: update stream %s/%s: %w", path, id, docstore.ErrNotFound)
		}
		if err != nil {
			return err
		}
		merged, err := mergeBodies(current, patch)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, merged)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		// Empty payload: watchers re-read, the archiver ignores it.
		if err := s.nats.AnnounceStream(path, nil); err != nil {
			logf("announce stream %s: %v", path, err)
		}
		return nil
	}
	return fmt.Errorf("redisstore: update stream %s/%s: transaction contention after %d retries", path, id, maxTxRetries)
}

// readStream returns the full ordered stream at path.
func (s *Store) readStream(ctx context.Context, path string) ([]docstore.Entry, error) {
	ids, err := s.rdb.ZRangeWithScores(ctx, orderPrefix+path, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read stream %s: %w", path, err)
	}
	if len(ids) == 0 {
		return []docstore.Entry{}, nil
	}

	fields := make([]string, len(ids))
	for i, z := range ids {
		fields[i], _ = z.Member.(string)
	}
	bodies, err := s.rdb.HMGet(ctx, dataPrefix+path, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read stream %s: %w", path, err)
	}

	entries := make([]docstore.Entry, 0, len(ids))
	for i, z := range ids {
		body, ok := bodies[i].(string)
		if !ok {
			continue // body trimmed out from under the index
		}
		entries = append(entries, docstore.Entry{
			ID:        fields[i],
			CreatedAt: int64(z.Score),
			Data:      []byte(body),
		})
	}
	return entries, nil
}

func (s *Store) announceDoc(path string) {
	if err := s.nats.AnnounceDoc(path); err != nil {
		logf("announce doc %s: %v", path, err)
	}
}

func (s *Store) announceAppend(path string, entry docstore.Entry) {
	payload, err := json.Marshal(messaging.StreamEvent{
		Path:      path,
		ID:        entry.ID,
		CreatedAt: entry.CreatedAt,
		Data:      json.RawMessage(entry.Data),
	})
	if err != nil {
		logf("encode stream event %s: %v", path, err)
		return
	}
	if err := s.nats.AnnounceStream(path, payload); err != nil {
		logf("announce stream %s: %v", path, err)
	}
}

// mergeBodies shallow-merges the top-level fields of patch into base.
func mergeBodies(base, patch []byte) ([]byte, error) {
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

func logf(format string, args ...interface{}) {
	log.Printf("[redisstore] "+format, args...)
}
