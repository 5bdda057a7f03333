package redisstore

import (
	"context"
	"strconv"
	"sync"

	"github.com/huddle/chat-sync/internal/docstore"
)

// Subscribe implements docstore.Store. The NATS registration happens
// before the initial read, so a change racing the setup is never lost —
// at worst the same state is delivered twice, which full-snapshot
// consumers tolerate by design.
func (s *Store) Subscribe(ctx context.Context, path string, fn func(docstore.Snapshot)) (docstore.Subscription, error) {
	key := path + "#" + strconv.FormatInt(s.subSeq.Add(1), 10)
	sub := newRedisSub(func() {
		snap, err := s.Get(context.Background(), path)
		if err != nil && !docstore.IsNotFound(err) {
			logf("subscribe %s: refresh: %v", path, err)
			return
		}
		fn(snap)
	})
	sub.release = func() {
		if err := s.nats.Unsubscribe(key); err != nil {
			logf("subscribe %s: release: %v", path, err)
		}
	}

	if err := s.nats.SubscribeDoc(path, key, sub.poke); err != nil {
		sub.stop()
		return nil, err
	}
	sub.poke() // initial snapshot
	return sub, nil
}

// SubscribeStream implements docstore.Store.
func (s *Store) SubscribeStream(ctx context.Context, path string, fn func([]docstore.Entry)) (docstore.Subscription, error) {
	key := path + "#" + strconv.FormatInt(s.subSeq.Add(1), 10)
	sub := newRedisSub(func() {
		entries, err := s.readStream(context.Background(), path)
		if err != nil {
			logf("subscribe stream %s: refresh: %v", path, err)
			return
		}
		fn(entries)
	})
	sub.release = func() {
		if err := s.nats.UnsubscribeStream(key); err != nil {
			logf("subscribe stream %s: release: %v", path, err)
		}
	}

	if err := s.nats.SubscribeStream(path, key, func([]byte) { sub.poke() }); err != nil {
		sub.stop()
		return nil, err
	}
	sub.poke()
	return sub, nil
}

// redisSub coalesces change announcements into refresh runs on a single
// goroutine. Announcements carry no state, so collapsing a burst into one
// re-read still delivers the latest snapshot; per-subscription order holds
// because only the one goroutine invokes refresh.
type redisSub struct {
	refresh func()
	release func()
	poked   chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newRedisSub(refresh func()) *redisSub {
	sub := &redisSub{
		refresh: refresh,
		poked:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go sub.loop()
	return sub
}

func (r *redisSub) poke() {
	select {
	case r.poked <- struct{}{}:
	default:
	}
}

func (r *redisSub) loop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.done:
			return
		case <-r.poked:
			select {
			case <-r.done:
				return
			default:
			}
			r.refresh()
		}
	}
}

func (r *redisSub) stop() {
	r.once.Do(func() { close(r.done) })
	<-r.stopped
}

// Cancel implements docstore.Subscription. Idempotent; no callback runs
// after it returns.
func (r *redisSub) Cancel() {
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
		close(r.done)
	})
	<-r.stopped
}
