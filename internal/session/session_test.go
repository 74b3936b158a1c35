package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/deskmate/internal/connection"
	"github.com/user/deskmate/internal/types"
	"github.com/user/deskmate/pkg/protocol"
)

type memStore struct {
	mu       sync.Mutex
	threads  map[types.ThreadID]*types.Thread
	messages map[types.ThreadID][]*types.Message
}

func newMemStore() *memStore {
	return &memStore{
		threads:  make(map[types.ThreadID]*types.Thread),
		messages: make(map[types.ThreadID][]*types.Message),
	}
}

func (s *memStore) CreateThread(ctx context.Context, title string) (*types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := &types.Thread{ID: types.NewThreadID(), Title: title, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.threads[th.ID] = th
	return th, nil
}

func (s *memStore) GetThread(ctx context.Context, id types.ThreadID) (*types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s not found", id)
	}
	return th, nil
}

func (s *memStore) ListThreads(ctx context.Context) ([]*types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Thread
	for _, th := range s.threads {
		out = append(out, th)
	}
	return out, nil
}

func (s *memStore) AppendMessage(ctx context.Context, id types.ThreadID, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = append(s.messages[id], msg.Clone())
	return nil
}

func (s *memStore) Messages(ctx context.Context, id types.ThreadID, limit int) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[id]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]*types.Message(nil), msgs...), nil
}

func (s *memStore) stored(id types.ThreadID) []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Message(nil), s.messages[id]...)
}

type harness struct {
	t      *testing.T
	sess   *Session
	dialer *connection.MemDialer
	conn   *connection.MemConn
}

func testBackoff(attempts int) *connection.Backoff {
	return &connection.Backoff{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond, Jitter: 0.2, MaxAttempts: attempts}
}

func start(t *testing.T, store types.ThreadStore, cfg Config, dialer *connection.MemDialer, attempts int) *harness {
	t.Helper()
	mgr := connection.NewManager(dialer, connection.Options{Backoff: testBackoff(attempts)})
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	sess := New(mgr, store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return &harness{t: t, sess: sess, dialer: dialer}
}

func connected(t *testing.T, store types.ThreadStore, cfg Config) *harness {
	t.Helper()
	h := start(t, store, cfg, connection.NewMemDialer(), 3)
	h.nextConn()
	h.wait("connected", func(s *Snapshot) bool { return s.Connection == types.ConnConnected })
	return h
}

func (h *harness) nextConn() {
	h.t.Helper()
	select {
	case h.conn = <-h.dialer.Conns():
	case <-time.After(2 * time.Second):
		h.t.Fatal("no connection dialed")
	}
}

func (h *harness) wait(what string, cond func(*Snapshot) bool) *Snapshot {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.sess.Snapshot(); cond(s) {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s; last snapshot %+v", what, h.sess.Snapshot())
	return nil
}

// expect reads client frames until one of the given type arrives.
func (h *harness) expect(typ protocol.FrameType) map[string]any {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-h.conn.Sent():
			var f map[string]any
			if err := json.Unmarshal(data, &f); err != nil {
				h.t.Fatalf("client sent invalid JSON: %s", data)
			}
			if f["type"] == string(typ) {
				return f
			}
		case <-deadline:
			h.t.Fatalf("no %s frame sent", typ)
			return nil
		}
	}
}

func (h *harness) push(frames ...protocol.Frame) {
	h.t.Helper()
	for _, f := range frames {
		if err := h.conn.PushFrame(f); err != nil {
			h.t.Fatalf("push frame: %v", err)
		}
	}
}

func TestSendStreamsReply(t *testing.T) {
	h := connected(t, nil, Config{})

	clientID, err := h.sess.Send("fix my build", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	req := h.expect(protocol.TypeStart)
	if req["clientId"] != string(clientID) || req["content"] != "fix my build" {
		t.Fatalf("unexpected start request %v", req)
	}
	runID := req["runId"].(string)

	h.push(
		protocol.Ack(runID, string(clientID)),
		protocol.Run(runID, "in_progress"),
		protocol.Pipeline(runID, "thinking", "", false),
		protocol.Handoff(runID, "orchestrator", "coder", "code question"),
		protocol.Pipeline(runID, "composing", "", false),
		protocol.Delta(runID, "srv-1", "Hi ", 0),
		protocol.Delta(runID, "srv-1", "there", 1),
		protocol.Done(runID, "srv-1"),
		protocol.Run(runID, "completed"),
	)

	s := h.wait("run completed", func(s *Snapshot) bool { return s.RunState == types.RunCompleted })
	if len(s.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(s.Messages))
	}
	user, reply := s.Messages[0], s.Messages[1]
	if user.Status != types.Committed {
		t.Errorf("expected committed user turn, got %q", user.Status)
	}
	if reply.Content != "Hi there" || reply.IsStreaming {
		t.Errorf("unexpected reply %+v", reply)
	}
	if reply.Agent != types.AgentCoder {
		t.Errorf("expected reply from coder, got %s", reply.Agent)
	}
	if s.Pipeline != types.PipelineDone {
		t.Errorf("expected pipeline done, got %s", s.Pipeline)
	}
	if s.ActiveAgent != types.AgentCoder {
		t.Errorf("expected active agent coder, got %s", s.ActiveAgent)
	}
	if len(s.RecentAgents) != 2 || s.RecentAgents[0] != types.AgentOrchestrator {
		t.Errorf("unexpected agent trail %v", s.RecentAgents)
	}
	if s.LastError != nil {
		t.Errorf("unexpected error %v", s.LastError)
	}
}

func TestSendWhileStreamingSupersedes(t *testing.T) {
	h := connected(t, nil, Config{})

	h.sess.Send("first", nil)
	first := h.expect(protocol.TypeStart)["runId"].(string)
	h.push(
		protocol.Pipeline(first, "composing", "", false),
		protocol.Delta(first, "srv-1", "partial", 0),
	)
	h.wait("first run streaming", func(s *Snapshot) bool {
		m := s.Streaming()
		return m != nil && m.Content == "partial"
	})

	h.sess.Send("second", nil)
	second := h.expect(protocol.TypeStart)["runId"].(string)
	cancel := h.expect(protocol.TypeCancel)
	if cancel["runId"] != first {
		t.Errorf("expected cancel for %s, got %v", first, cancel)
	}

	s := h.wait("second run active", func(s *Snapshot) bool { return string(s.RunID) == second })
	if len(s.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(s.Messages))
	}
	prev, next := s.Messages[1], s.Messages[3]
	if prev.IsStreaming || prev.Outcome != types.CodeCancelled {
		t.Errorf("expected superseded reply frozen as cancelled, got %+v", prev)
	}
	if !next.IsStreaming {
		t.Error("expected new reply to be streaming")
	}
	if s.Pipeline != types.PipelineRouting {
		t.Errorf("expected fresh pipeline at routing, got %s", s.Pipeline)
	}

	// Late frames of the superseded run change nothing.
	h.push(protocol.Delta(first, "srv-1", " more", 1), protocol.Delta(second, "srv-2", "ok", 0))
	s = h.wait("second reply", func(s *Snapshot) bool { return s.Messages[3].Content == "ok" })
	if s.Messages[1].Content != "partial" {
		t.Errorf("superseded reply changed: %q", s.Messages[1].Content)
	}
}

func TestOfflineTurnsQueueAndFlushInOrder(t *testing.T) {
	dialer := connection.NewMemDialer()
	dialer.FailNext(errors.New("network unreachable"))
	h := start(t, nil, Config{}, dialer, 0)
	h.wait("offline", func(s *Snapshot) bool { return s.Connection == types.ConnOffline })

	h.sess.Send("A", nil)
	h.sess.Send("B", nil)
	s := h.wait("two queued", func(s *Snapshot) bool { return s.QueuedCount() == 2 })
	for _, m := range s.Messages {
		if m.Status != types.Pending {
			t.Errorf("queued turn %q should be pending, got %q", m.Content, m.Status)
		}
	}

	h.sess.Retry()
	h.nextConn()
	a := h.expect(protocol.TypeStart)
	b := h.expect(protocol.TypeStart)
	if a["content"] != "A" || b["content"] != "B" {
		t.Fatalf("expected A then B, got %v then %v", a["content"], b["content"])
	}

	s = h.wait("queue drained", func(s *Snapshot) bool {
		return s.QueuedCount() == 0 && string(s.RunID) == b["runId"].(string)
	})
	// Flushed turns supersede each other: A's reply is cancelled.
	var replies []*types.Message
	for _, m := range s.Messages {
		if m.Role == types.RoleAssistant {
			replies = append(replies, m)
		}
	}
	if len(replies) != 2 || replies[0].Outcome != types.CodeCancelled || !replies[1].IsStreaming {
		t.Errorf("unexpected replies after flush: %+v", replies)
	}
}

// drainSent returns the types of frames the client wrote and nobody read.
func (h *harness) drainSent() []string {
	var kinds []string
	for {
		select {
		case data := <-h.conn.Sent():
			var f map[string]any
			if err := json.Unmarshal(data, &f); err == nil {
				kinds = append(kinds, fmt.Sprint(f["type"]))
			}
		default:
			return kinds
		}
	}
}

func assistantReplies(s *Snapshot) []*types.Message {
	var out []*types.Message
	for _, m := range s.Messages {
		if m.Role == types.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestAckBeforeFlushWriteReturns(t *testing.T) {
	dialer := connection.NewMemDialer()
	dialer.FailNext(errors.New("network unreachable"))
	h := start(t, nil, Config{}, dialer, 0)
	h.wait("offline", func(s *Snapshot) bool { return s.Connection == types.ConnOffline })

	clientID, _ := h.sess.Send("hello", nil)
	h.wait("queued", func(s *Snapshot) bool { return s.QueuedCount() == 1 })

	// The backend acks and starts streaming while the flush is still
	// inside its write.
	var streamedMidWrite atomic.Bool
	dialer.OnWrite(func(c *connection.MemConn, data []byte) {
		var f map[string]any
		if json.Unmarshal(data, &f) != nil || f["type"] != string(protocol.TypeStart) {
			return
		}
		runID := f["runId"].(string)
		c.PushFrame(protocol.Ack(runID, string(clientID)))
		c.PushFrame(protocol.Delta(runID, "srv-1", "hel", 0))
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if m := h.sess.Snapshot().Streaming(); m != nil && m.Content == "hel" {
				streamedMidWrite.Store(true)
				return
			}
			time.Sleep(time.Millisecond)
		}
	})

	h.sess.Retry()
	h.nextConn()
	runID := h.expect(protocol.TypeStart)["runId"].(string)
	h.push(
		protocol.Delta(runID, "srv-1", "lo", 1),
		protocol.Done(runID, "srv-1"),
		protocol.Run(runID, "completed"),
	)

	s := h.wait("run completed", func(s *Snapshot) bool {
		return string(s.RunID) == runID && s.RunState == types.RunCompleted
	})
	if !streamedMidWrite.Load() {
		t.Fatal("expected the ack to start the run while the write was in flight")
	}
	replies := assistantReplies(s)
	if len(replies) != 1 {
		t.Fatalf("expected one reply, got %+v", replies)
	}
	if replies[0].Content != "hello" || replies[0].Outcome != "" {
		t.Errorf("unexpected reply %+v", replies[0])
	}
	if s.QueuedCount() != 0 {
		t.Errorf("expected empty queue, got %d", s.QueuedCount())
	}
	if s.Messages[0].Status != types.Committed {
		t.Errorf("expected committed turn, got %q", s.Messages[0].Status)
	}
	for _, typ := range h.drainSent() {
		if typ == string(protocol.TypeCancel) || typ == string(protocol.TypeStart) {
			t.Errorf("unexpected %s frame after the ack", typ)
		}
	}
}

func TestAckForQueuedTurnIsNotResent(t *testing.T) {
	h := connected(t, nil, Config{})
	h.conn.FailWrites(errors.New("write stalled"))

	clientID, _ := h.sess.Send("hello", nil)
	s := h.wait("queued", func(s *Snapshot) bool { return s.QueuedCount() == 1 })
	runID := string(s.Queued[0].RunID)

	// The backend got the turn before the writes started failing.
	h.push(protocol.Ack(runID, string(clientID)))
	h.wait("run tracked", func(s *Snapshot) bool {
		return string(s.RunID) == runID && s.QueuedCount() == 0
	})

	h.conn.FailWrites(nil)
	h.push(
		protocol.Delta(runID, "srv-1", "hi", 0),
		protocol.Done(runID, "srv-1"),
		protocol.Run(runID, "completed"),
	)
	s = h.wait("run completed", func(s *Snapshot) bool { return s.RunState == types.RunCompleted })
	if replies := assistantReplies(s); len(replies) != 1 || replies[0].Content != "hi" {
		t.Errorf("unexpected replies %+v", replies)
	}
	for _, typ := range h.drainSent() {
		if typ == string(protocol.TypeStart) {
			t.Error("acknowledged turn was resent")
		}
	}
}

func TestStalledWriteDoesNotBlockLoop(t *testing.T) {
	h := connected(t, nil, Config{WriteTimeout: 30 * time.Millisecond})
	h.conn.StallWrites(true)

	began := time.Now()
	clientID, _ := h.sess.Send("hello", nil)
	s := h.wait("turn queued after write deadline", func(s *Snapshot) bool { return s.QueuedCount() == 1 })
	if d := time.Since(began); d > time.Second {
		t.Errorf("loop blocked for %s", d)
	}
	runID := string(s.Queued[0].RunID)

	// The flush is now stuck in its write; the loop still handles frames.
	h.push(protocol.Ack(runID, string(clientID)))
	h.wait("run tracked", func(s *Snapshot) bool { return string(s.RunID) == runID })

	h.conn.StallWrites(false)
	if got := h.expect(protocol.TypeStart); got["runId"] != runID {
		t.Fatalf("unexpected start %v", got)
	}
	h.push(protocol.Delta(runID, "srv-1", "hi", 0), protocol.Done(runID, "srv-1"))
	s = h.wait("reply done", func(s *Snapshot) bool { return s.RunState == types.RunCompleted })
	if replies := assistantReplies(s); len(replies) != 1 || replies[0].Content != "hi" {
		t.Errorf("unexpected replies %+v", replies)
	}
	if s.QueuedCount() != 0 {
		t.Errorf("expected empty queue, got %d", s.QueuedCount())
	}
}

func TestUnqueueRevertsTurn(t *testing.T) {
	dialer := connection.NewMemDialer()
	dialer.FailNext(errors.New("network unreachable"))
	h := start(t, nil, Config{}, dialer, 0)
	h.wait("offline", func(s *Snapshot) bool { return s.Connection == types.ConnOffline })

	id, _ := h.sess.Send("never mind", nil)
	h.wait("queued", func(s *Snapshot) bool { return s.QueuedCount() == 1 })
	h.sess.Unqueue(id)
	s := h.wait("unqueued", func(s *Snapshot) bool { return s.QueuedCount() == 0 })
	if s.Messages[0].Status != types.Reverted {
		t.Errorf("expected reverted turn, got %q", s.Messages[0].Status)
	}
}

func TestAckTimeoutFailsRun(t *testing.T) {
	h := connected(t, nil, Config{AckTimeout: 40 * time.Millisecond})
	h.sess.Send("hello?", nil)
	h.expect(protocol.TypeStart)

	s := h.wait("timeout", func(s *Snapshot) bool { return s.RunState == types.RunFailed })
	if s.LastError == nil || s.LastError.Code != string(types.CodeTimeout) {
		t.Fatalf("expected timeout error, got %+v", s.LastError)
	}
	if reply := s.Messages[1]; reply.IsStreaming || reply.Outcome != types.CodeTimeout {
		t.Errorf("unexpected reply after timeout %+v", reply)
	}
}

func TestMalformedFrameFailsRun(t *testing.T) {
	h := connected(t, nil, Config{})
	h.sess.Send("hello", nil)
	runID := h.expect(protocol.TypeStart)["runId"].(string)

	h.conn.Push([]byte(`{"runId":"` + runID + `","type":"teleport"}`))
	s := h.wait("failed", func(s *Snapshot) bool { return s.RunState == types.RunFailed })
	if s.LastError == nil || s.LastError.Code != string(types.CodeProtocolError) {
		t.Fatalf("expected protocol error, got %+v", s.LastError)
	}
	if s.Connection != types.ConnConnected {
		t.Errorf("a bad frame must not drop the connection, got %s", s.Connection)
	}
}

func TestBackendErrorFailsRun(t *testing.T) {
	h := connected(t, nil, Config{})
	h.sess.Send("hello", nil)
	runID := h.expect(protocol.TypeStart)["runId"].(string)

	h.push(protocol.Delta(runID, "m", "Work", 0), protocol.Error(runID, "backend_error", "model overloaded"))
	s := h.wait("failed", func(s *Snapshot) bool { return s.RunState == types.RunFailed })
	if s.LastError == nil || s.LastError.Message != "model overloaded" {
		t.Fatalf("unexpected error %+v", s.LastError)
	}
	if reply := s.Messages[1]; reply.Content != "Work" || reply.Outcome != types.CodeBackendError {
		t.Errorf("expected partial reply kept with backend_error, got %+v", reply)
	}
}

func TestCancelReconciledByBackend(t *testing.T) {
	h := connected(t, nil, Config{})
	h.sess.Send("write a novel", nil)
	runID := h.expect(protocol.TypeStart)["runId"].(string)
	h.push(protocol.Delta(runID, "m", "Once", 0))
	h.wait("streaming", func(s *Snapshot) bool { return s.Streaming() != nil && s.Streaming().Content == "Once" })

	h.sess.Cancel()
	if got := h.expect(protocol.TypeCancel); got["runId"] != runID {
		t.Fatalf("unexpected cancel %v", got)
	}
	s := h.wait("cancelled", func(s *Snapshot) bool { return s.RunState == types.RunCancelled })
	if s.RunProvenance != types.Pending {
		t.Errorf("expected optimistic cancel to be pending, got %s", s.RunProvenance)
	}

	// The backend had already finished: its verdict wins.
	h.push(protocol.Run(runID, "completed"))
	s = h.wait("reconciled", func(s *Snapshot) bool { return s.RunState == types.RunCompleted })
	if s.RunProvenance != types.Reverted {
		t.Errorf("expected reverted provenance, got %s", s.RunProvenance)
	}
	if s.Messages[1].Outcome != "" {
		t.Errorf("expected completed reply, got outcome %q", s.Messages[1].Outcome)
	}
}

func TestConnectionLossFailsRunQuietly(t *testing.T) {
	h := connected(t, nil, Config{})
	h.sess.Send("hello", nil)
	runID := h.expect(protocol.TypeStart)["runId"].(string)
	h.push(protocol.Delta(runID, "m", "Hel", 0))
	h.wait("streaming", func(s *Snapshot) bool { return s.Streaming() != nil })

	h.conn.Drop(errors.New("wifi gone"))
	s := h.wait("run failed", func(s *Snapshot) bool { return s.RunState == types.RunFailed })
	if s.Messages[1].Outcome != types.CodeNetworkError {
		t.Errorf("expected network_error outcome, got %q", s.Messages[1].Outcome)
	}
	if s.LastError != nil {
		t.Errorf("connection loss should surface through the connection state, got %+v", s.LastError)
	}
	h.nextConn()
	h.wait("reconnected", func(s *Snapshot) bool { return s.Connection == types.ConnConnected })
}

func TestRetryResendsFailedTurn(t *testing.T) {
	h := connected(t, nil, Config{})
	h.sess.Send("try me", nil)
	runID := h.expect(protocol.TypeStart)["runId"].(string)
	h.push(protocol.Error(runID, "backend_error", "boom"))
	h.wait("failed", func(s *Snapshot) bool { return s.RunState == types.RunFailed })

	h.sess.Retry()
	again := h.expect(protocol.TypeStart)
	if again["content"] != "try me" || again["runId"] == runID {
		t.Fatalf("unexpected retry request %v", again)
	}
	h.wait("retry running", func(s *Snapshot) bool { return string(s.RunID) == again["runId"] })
}

func TestPersistsFinishedTurns(t *testing.T) {
	store := newMemStore()
	h := connected(t, store, Config{ThreadTitle: "test"})
	h.sess.Send("remember this", nil)
	runID := h.expect(protocol.TypeStart)["runId"].(string)
	h.push(protocol.Delta(runID, "m", "Noted.", 0), protocol.Done(runID, "m"))
	s := h.wait("completed", func(s *Snapshot) bool { return s.RunState == types.RunCompleted })

	var stored []*types.Message
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if stored = store.stored(s.ThreadID); len(stored) == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(stored))
	}
	if stored[0].Role != types.RoleUser || stored[1].Content != "Noted." {
		t.Errorf("unexpected stored messages %+v %+v", stored[0], stored[1])
	}

	// A new session on the same thread starts from the stored history.
	h2 := connected(t, store, Config{ThreadID: s.ThreadID})
	s2 := h2.wait("history loaded", func(s *Snapshot) bool { return len(s.Messages) == 2 })
	if s2.Messages[1].IsStreaming {
		t.Error("loaded history must be frozen")
	}
}

func TestSubscribeDisposer(t *testing.T) {
	h := connected(t, nil, Config{})
	var mu sync.Mutex
	count := 0
	unsubscribe := h.sess.Subscribe(func(*Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	h.sess.Send("one", nil)
	h.expect(protocol.TypeStart)
	h.wait("sent", func(s *Snapshot) bool { return s.RunID != "" })
	time.Sleep(10 * time.Millisecond)
	unsubscribe()

	mu.Lock()
	seen := count
	mu.Unlock()
	if seen == 0 {
		t.Fatal("expected snapshots before unsubscribe")
	}

	h.sess.Send("two", nil)
	h.expect(protocol.TypeStart)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != seen {
		t.Errorf("expected no snapshots after unsubscribe, got %d more", count-seen)
	}
}

func TestSendRejectsEmpty(t *testing.T) {
	sess := New(connection.NewManager(connection.NewMemDialer(), connection.Options{}), nil, Config{})
	if _, err := sess.Send("   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := sess.Send("", []types.Attachment{{ID: "doc-1", Name: "a.pdf", Status: "ready"}}); err != nil {
		t.Errorf("attachment-only turn should be accepted: %v", err)
	}
}
