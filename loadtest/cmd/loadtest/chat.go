package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/huddle/chat-sync/loadtest/client"
	"github.com/huddle/chat-sync/loadtest/stats"
)

// pairResult tracks the outcome of a single conversation pair's lifecycle.
type pairResult struct {
	opened   bool
	msgSent  int64
	msgRecv  int64
	finished bool
}

// runChat implements the conversation traffic load test. Each simulated pair
// of users connects, opens a shared direct conversation, and exchanges
// messages for a fixed duration while typing signals and read receipts flow
// alongside. Delivery latency is measured end to end by embedding the send
// timestamp in the message text and reading it back on the peer's feed push.
//
// Pair i uses users <user-prefix>(2i) and <user-prefix>(2i+1) and the
// conversation <conv-prefix>i. Those profiles and conversations must exist in
// the store before the test runs.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs exchanging messages")
	userPrefix := fs.String("user-prefix", "load-user-", "User ID prefix; pair i connects as <prefix>(2i) and <prefix>(2i+1)")
	convPrefix := fs.String("conv-prefix", "load-conv-", "Conversation ID prefix; pair i opens <prefix>i")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)
	defer scraper.Stop()

	results := make([]pairResult, *pairs)

	// Semaphore to bound concurrent pair launches during ramp-up.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	interval := *rampUp / time.Duration(*pairs)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Progress reporting during the run.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] connections: %d  delivered: %d  errors: %d\n",
					collector.ConnectionCount(), collector.DeliveredCount(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	launchTicker := time.NewTicker(interval)
	launched := 0
	for launched < *pairs {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			launched = *pairs
		case <-launchTicker.C:
			idx := launched
			launched++
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				runPair(ctx, collector, &results[idx], pairConfig{
					url:      *url,
					userA:    fmt.Sprintf("%s%d", *userPrefix, idx*2),
					userB:    fmt.Sprintf("%s%d", *userPrefix, idx*2+1),
					convID:   fmt.Sprintf("%s%d", *convPrefix, idx),
					duration: *chatDuration,
					interval: *msgInterval,
					msgSize:  *msgSize,
				})
			}()
		}
	}
	launchTicker.Stop()

	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var opened, finished int
	var sent, recv int64
	for i := range results {
		if results[i].opened {
			opened++
		}
		if results[i].finished {
			finished++
		}
		sent += results[i].msgSent
		recv += results[i].msgRecv
	}
	fmt.Printf("\nPairs: %d  opened: %d  finished: %d  sent: %d  received: %d\n",
		*pairs, opened, finished, sent, recv)
	collector.Report()
}

// pairConfig holds the parameters for a single chat pair.
type pairConfig struct {
	url      string
	userA    string
	userB    string
	convID   string
	duration time.Duration
	interval time.Duration
	msgSize  int
}

// runPair drives one conversation pair through its full lifecycle: connect
// both users, open the shared conversation on both connections, exchange
// messages for the configured duration, then mark the conversation seen and
// disconnect.
func runPair(ctx context.Context, collector *stats.Collector, result *pairResult, cfg pairConfig) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	a, err := dialUser(connCtx, collector, cfg.url, cfg.userA)
	if err != nil {
		collector.AddError()
		return
	}
	defer a.Close()

	b, err := dialUser(connCtx, collector, cfg.url, cfg.userB)
	if err != nil {
		collector.AddError()
		return
	}
	defer b.Close()

	// Each side records deliveries from the other.
	var recv atomic.Int64
	attachFeedHandler(a, collector, &recv)
	attachFeedHandler(b, collector, &recv)

	if err := a.OpenConversation(cfg.convID); err != nil {
		collector.AddError()
		return
	}
	if err := b.OpenConversation(cfg.convID); err != nil {
		collector.AddError()
		return
	}
	result.opened = true

	// Both sides send on the same interval, offset by half a period so the
	// conversation alternates.
	var sent atomic.Int64
	var sendWg sync.WaitGroup
	deadline := time.Now().Add(cfg.duration)

	sendLoop := func(c *client.Client, offset time.Duration) {
		defer sendWg.Done()
		select {
		case <-time.After(offset):
		case <-ctx.Done():
			return
		}
		ticker := time.NewTicker(cfg.interval)
		defer ticker.Stop()
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A typing signal before each message exercises the
				// debounced typing path.
				if err := c.Typing(); err != nil {
					collector.AddError()
					return
				}
				if err := c.SendText(payload(cfg.msgSize)); err != nil {
					collector.AddError()
					return
				}
				collector.AddSent()
				sent.Add(1)
			}
		}
	}

	sendWg.Add(2)
	go sendLoop(a, 0)
	go sendLoop(b, cfg.interval/2)
	sendWg.Wait()

	// Clear unread markers before disconnecting.
	_ = a.MarkSeen(cfg.convID)
	_ = b.MarkSeen(cfg.convID)

	// Give the last in-flight messages a moment to arrive.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	result.msgSent = sent.Load()
	result.msgRecv = recv.Load()
	result.finished = true
}

// dialUser connects a single client and waits for the initial chat list push.
func dialUser(ctx context.Context, collector *stats.Collector, url, userID string) (*client.Client, error) {
	c, err := client.New(ctx, url, userID)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForChatList(ctx); err != nil {
		c.Close()
		return nil, err
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return c, nil
}

// feedPush is the subset of the messages push the load test cares about.
type feedPush struct {
	Messages []struct {
		ID       string `json:"id"`
		SenderID string `json:"sender_id"`
		Type     string `json:"type"`
		Text     string `json:"text"`
	} `json:"messages"`
}

// attachFeedHandler registers a messages handler that extracts the embedded
// send timestamp from each peer message and records the delivery latency.
// Feed pushes replay the whole visible window, so messages are deduplicated
// by ID.
func attachFeedHandler(c *client.Client, collector *stats.Collector, recv *atomic.Int64) {
	seen := make(map[string]struct{})
	var mu sync.Mutex

	handler := func(raw json.RawMessage) {
		var push feedPush
		if err := json.Unmarshal(raw, &push); err != nil {
			return
		}
		now := time.Now()
		for _, m := range push.Messages {
			if m.SenderID == c.UserID() || m.Type != "text" {
				continue
			}
			mu.Lock()
			_, dup := seen[m.ID]
			if !dup {
				seen[m.ID] = struct{}{}
			}
			mu.Unlock()
			if dup {
				continue
			}
			recv.Add(1)
			if nanos, ok := parsePayload(m.Text); ok {
				collector.AddDelivery(now.Sub(time.Unix(0, nanos)))
			}
		}
	}

	c.On(client.TypeMessages, handler)
	c.On(client.TypeMessagePending, handler)
}

// payload builds a message body of roughly size bytes carrying the current
// send time: "lt <unixnano> xxxx...".
func payload(size int) string {
	head := fmt.Sprintf("lt %d ", time.Now().UnixNano())
	if pad := size - len(head); pad > 0 {
		head += strings.Repeat("x", pad)
	}
	return head
}

// parsePayload extracts the send timestamp from a payload built by payload().
func parsePayload(text string) (int64, bool) {
	if !strings.HasPrefix(text, "lt ") {
		return 0, false
	}
	rest := text[len("lt "):]
	if idx := strings.IndexByte(rest, ' '); idx != -1 {
		rest = rest[:idx]
	}
	nanos, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return nanos, true
}
