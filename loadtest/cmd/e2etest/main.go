// Package main implements a standalone end-to-end integration test for the
// chat-sync gateway. It validates the full user journey against a running
// stack: health checks, session establishment, opening a conversation,
// message exchange with delivery, typing indicators, and unread markers.
//
// Two user profiles and a shared direct conversation must exist in the store
// before the test runs; the -user-a, -user-b, and -conv flags name them.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/huddle/chat-sync/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	userA := flag.String("user-a", "e2e-a", "First pre-provisioned user ID")
	userB := flag.String("user-b", "e2e-b", "Second pre-provisioned user ID")
	convID := flag.String("conv", "e2e-conv", "Pre-provisioned direct conversation between the two users")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Chat-Sync E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2Session(ctx, *wsURL, *userA, *userB))

	// Scenarios 3-5 share open conversations; run them as a group.
	s3, s4, s5 := scenario345ConversationFlow(ctx, *wsURL, *userA, *userB, *convID)
	results = append(results, s3, s4, s5)

	// Optional scenarios (non-fatal).
	results = append(results, scenario6UnknownUser(ctx, *wsURL))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health returns JSON with a status field.
	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var healthResp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(body, &healthResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if healthResp.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status=%q", healthResp.Status)}
	}

	// 1b. /metrics exposes the session gauge.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "chatsync_active_sessions") {
		return scenarioResult{name, resultFail, "/metrics: missing chatsync_active_sessions"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("connections=%d", healthResp.Connections)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Session Establishment
// ---------------------------------------------------------------------------

func scenario2Session(ctx context.Context, wsURL, userA, userB string) scenarioResult {
	name := "Scenario 2: Session Establishment"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL, userA)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A connect: %v", err)}
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL, userB)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B connect: %v", err)}
	}
	defer clientB.Close()

	// The initial chat list push marks the session as established.
	if err := clientA.WaitForChatList(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A chat list: %v", err)}
	}
	if err := clientB.WaitForChatList(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B chat list: %v", err)}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("user_a=%s, user_b=%s", userA, userB)}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Open Conversation, Message Delivery, Typing and Unread
// ---------------------------------------------------------------------------

func scenario345ConversationFlow(ctx context.Context, wsURL, userA, userB, convID string) (scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Open Conversation"
	s4Name := "Scenario 4: Message Delivery"
	s5Name := "Scenario 5: Typing and Unread"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: open failed"},
			scenarioResult{s5Name, resultFail, "skipped: open failed"}
	}

	connCtx, connCancel := context.WithTimeout(ctx, 15*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL, userA)
	if err != nil {
		return failAll(fmt.Sprintf("client A connect: %v", err))
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL, userB)
	if err != nil {
		return failAll(fmt.Sprintf("client B connect: %v", err))
	}
	defer clientB.Close()

	if err := clientA.WaitForChatList(connCtx); err != nil {
		return failAll(fmt.Sprintf("client A chat list: %v", err))
	}
	if err := clientB.WaitForChatList(connCtx); err != nil {
		return failAll(fmt.Sprintf("client B chat list: %v", err))
	}

	// Collect pushes on B's side.
	feedB := make(chan string, 16)    // text of each message from A
	typingB := make(chan []string, 16) // peers_typing users
	listB := make(chan []string, 16)  // unread conversation IDs
	errsA := make(chan string, 16)

	clientB.On(client.TypeMessages, func(raw json.RawMessage) {
		var push struct {
			Messages []struct {
				SenderID string `json:"sender_id"`
				Text     string `json:"text"`
			} `json:"messages"`
		}
		if json.Unmarshal(raw, &push) != nil {
			return
		}
		for _, m := range push.Messages {
			if m.SenderID == userA {
				select {
				case feedB <- m.Text:
				default:
				}
			}
		}
	})
	clientB.On(client.TypePeersTyping, func(raw json.RawMessage) {
		var push struct {
			Users []string `json:"users"`
		}
		if json.Unmarshal(raw, &push) == nil {
			select {
			case typingB <- push.Users:
			default:
			}
		}
	})
	clientB.On(client.TypeChatList, func(raw json.RawMessage) {
		var push struct {
			Unread []string `json:"unread"`
		}
		if json.Unmarshal(raw, &push) == nil {
			select {
			case listB <- push.Unread:
			default:
			}
		}
	})
	clientA.On(client.TypeError, func(raw json.RawMessage) {
		var push struct {
			Code string `json:"code"`
		}
		if json.Unmarshal(raw, &push) == nil {
			select {
			case errsA <- push.Code:
			default:
			}
		}
	})

	// Scenario 3: both sides open the shared conversation. An error push on
	// A within the grace window means the open was rejected.
	if err := clientA.OpenConversation(convID); err != nil {
		return failAll(fmt.Sprintf("open A: %v", err))
	}
	if err := clientB.OpenConversation(convID); err != nil {
		return failAll(fmt.Sprintf("open B: %v", err))
	}
	select {
	case code := <-errsA:
		return failAll(fmt.Sprintf("open rejected: %s", code))
	case <-time.After(1 * time.Second):
	}
	s3 := scenarioResult{s3Name, resultPass, fmt.Sprintf("conv=%s", convID)}

	// Scenario 4: A types then sends; B must receive the exact text.
	s4 := func() scenarioResult {
		if err := clientA.Typing(); err != nil {
			return scenarioResult{s4Name, resultFail, fmt.Sprintf("typing: %v", err)}
		}
		text := fmt.Sprintf("e2e message %d", time.Now().UnixNano())
		if err := clientA.SendText(text); err != nil {
			return scenarioResult{s4Name, resultFail, fmt.Sprintf("send: %v", err)}
		}
		deadline := time.After(10 * time.Second)
		for {
			select {
			case got := <-feedB:
				if got == text {
					return scenarioResult{s4Name, resultPass, "delivered"}
				}
			case <-deadline:
				return scenarioResult{s4Name, resultFail, "message never arrived at B"}
			case <-ctx.Done():
				return scenarioResult{s4Name, resultFail, "context cancelled"}
			}
		}
	}()

	// Scenario 5: B saw A typing before the send, and B's chat list flagged
	// the conversation unread until mark_seen clears it.
	s5 := func() scenarioResult {
		sawTyping := false
	drainTyping:
		for {
			select {
			case users := <-typingB:
				for _, u := range users {
					if u == userA {
						sawTyping = true
					}
				}
			case <-time.After(500 * time.Millisecond):
				break drainTyping
			}
		}
		if !sawTyping {
			return scenarioResult{s5Name, resultFail, "B never saw A typing"}
		}

		if err := clientB.MarkSeen(convID); err != nil {
			return scenarioResult{s5Name, resultFail, fmt.Sprintf("mark_seen: %v", err)}
		}
		deadline := time.After(10 * time.Second)
		for {
			select {
			case unread := <-listB:
				cleared := true
				for _, id := range unread {
					if id == convID {
						cleared = false
					}
				}
				if cleared {
					return scenarioResult{s5Name, resultPass, "typing seen, unread cleared"}
				}
			case <-deadline:
				return scenarioResult{s5Name, resultFail, "unread marker never cleared"}
			case <-ctx.Done():
				return scenarioResult{s5Name, resultFail, "context cancelled"}
			}
		}
	}()

	return s3, s4, s5
}

// ---------------------------------------------------------------------------
// Scenario 6: Unknown User Rejected (optional)
// ---------------------------------------------------------------------------

func scenario6UnknownUser(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 6: Unknown User Rejected"

	connCtx, connCancel := context.WithTimeout(ctx, 5*time.Second)
	defer connCancel()

	c, err := client.New(connCtx, wsURL, fmt.Sprintf("e2e-ghost-%d", time.Now().UnixNano()))
	if err != nil {
		// Rejection at upgrade time also counts.
		return scenarioResult{name, resultInfo, "rejected at dial"}
	}
	defer c.Close()

	// A session for a user with no profile must never produce a chat list.
	if err := c.WaitForChatList(connCtx); err == nil {
		return scenarioResult{name, resultFail, "ghost user received a chat list"}
	}
	return scenarioResult{name, resultInfo, "connection closed without a session"}
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
