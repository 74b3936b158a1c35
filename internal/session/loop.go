package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/deskmate/internal/connection"
	"github.com/user/deskmate/internal/run"
	"github.com/user/deskmate/internal/stream"
	"github.com/user/deskmate/internal/types"
	"github.com/user/deskmate/pkg/protocol"
)

type (
	frameMsg   []byte
	sendCmd    struct{ item *types.QueuedMessage }
	sentMsg    struct{ item types.QueuedMessage }
	cancelCmd  struct{}
	retryCmd   struct{}
	unqueueCmd struct{ clientID types.ClientID }
	flushDone  struct {
		sent int
		err  error
	}
	ackTimeout struct{ runID types.RunID }
)

// storeTimeout bounds a single thread store write.
const storeTimeout = 5 * time.Second

// Run loads the thread, starts the connection and processes events until
// ctx is cancelled. It is the only goroutine that touches the
// conversation and the run trackers.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	if err := s.load(ctx); err != nil {
		return err
	}

	unsubscribe := s.conn.Subscribe(func(c connection.Change) { s.inbox.post(c) })
	defer unsubscribe()
	if err := s.conn.Start(ctx); err != nil {
		return fmt.Errorf("start connection: %w", err)
	}
	defer s.conn.Stop()

	slog.Info("session started", "thread_id", string(s.threadID), "history", s.conv.Len())
	s.dirty = true
	s.publish()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.inbox.signal:
			for _, item := range s.inbox.drain() {
				s.handle(item)
			}
			s.publish()
		}
	}
}

func (s *Session) load(ctx context.Context) error {
	if s.store == nil {
		if s.threadID == "" {
			s.threadID = types.NewThreadID()
		}
		return nil
	}
	if s.threadID == "" {
		th, err := s.store.CreateThread(ctx, s.cfg.ThreadTitle)
		if err != nil {
			return fmt.Errorf("create thread: %w", err)
		}
		s.threadID = th.ID
		return nil
	}
	if _, err := s.store.GetThread(ctx, s.threadID); err != nil {
		return fmt.Errorf("load thread %s: %w", s.threadID, err)
	}
	history, err := s.store.Messages(ctx, s.threadID, s.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", s.threadID, err)
	}
	s.conv.Load(history)
	for _, m := range history {
		s.persisted[m.ID] = true
	}
	return nil
}

func (s *Session) shutdown() {
	if r := s.active; r != nil && !r.lifecycle.State.Terminal() {
		s.cancelRun(r)
	}
	slog.Info("session stopped", "thread_id", string(s.threadID))
}

func (s *Session) handle(item any) {
	s.dirty = true
	switch v := item.(type) {
	case frameMsg:
		for _, ev := range s.decoder.Decode(v) {
			s.apply(ev)
		}
	case connection.Change:
		s.onConnection(v)
	case sendCmd:
		s.onSend(v.item)
	case sentMsg:
		s.startRun(v.item)
	case flushDone:
		s.flushing = false
		if v.err != nil {
			slog.Warn("queue flush stopped", "sent", v.sent, "remaining", s.queue.Len(), "error", v.err)
		} else if s.queue.Len() > 0 && s.conn.State().Usable() {
			s.flush()
		}
	case cancelCmd:
		if r := s.active; r != nil && !r.lifecycle.State.Terminal() {
			s.cancelRun(r)
		}
	case retryCmd:
		s.onRetry()
	case unqueueCmd:
		if s.queue.Remove(v.clientID) {
			s.conv.Revert(v.clientID)
		}
	case ackTimeout:
		if r := s.active; r != nil && r.id == v.runID && !r.heard {
			s.failRun(r, types.CodeTimeout, fmt.Sprintf("no response within %s", s.cfg.AckTimeout), true)
		}
	default:
		slog.Error("unknown session event", "type", fmt.Sprintf("%T", item))
	}
}

func (s *Session) onSend(item *types.QueuedMessage) {
	s.conv.AddUserMessage(&types.Message{
		ClientID:    item.ClientID,
		Content:     item.Content,
		Attachments: item.Attachments,
		Voice:       item.Voice,
		Timestamp:   item.EnqueuedAt,
	})
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	sent, err := s.queue.Enqueue(ctx, item)
	cancel()
	if err != nil {
		slog.Error("send failed", "client_id", string(item.ClientID), "error", err)
		s.conv.Revert(item.ClientID)
		return
	}
	if sent {
		// Frames the backend sent during the write are still in the inbox.
		s.startRun(*item)
		return
	}
	slog.Info("turn queued", "client_id", string(item.ClientID), "connection", string(s.conn.State()), "queued", s.queue.Len())
	if s.conn.State().Usable() {
		s.flush()
	}
}

func (s *Session) flush() {
	if s.flushing {
		return
	}
	s.flushing = true
	ctx := s.ctx
	go func() {
		n, err := s.queue.Flush(ctx)
		s.inbox.post(flushDone{sent: n, err: err})
	}()
}

// startRun begins tracking a turn the backend now has. Whatever run was
// still in flight is superseded and cancelled. A run already tracked,
// because its ack beat the write's return, is left alone.
func (s *Session) startRun(item types.QueuedMessage) {
	if _, ok := s.conv.RunMessage(item.RunID); ok {
		slog.Debug("run already tracked", "run_id", string(item.RunID))
		return
	}
	if prev := s.active; prev != nil && !prev.lifecycle.State.Terminal() {
		slog.Info("run superseded", "run_id", string(prev.id), "by", string(item.RunID))
		s.cancelRun(prev)
	}

	var user *types.Message
	if m, ok := s.conv.UserMessage(item.ClientID); ok {
		user = m
	}
	_, stray := s.conv.StartRun(user, item.RunID, s.cfg.DefaultAgent)
	if stray != "" {
		s.sendCancel(stray)
		s.persistRun(stray, "")
	}

	r := &activeRun{
		id:        item.RunID,
		clientID:  item.ClientID,
		lifecycle: run.NewLifecycle(item.RunID),
		pipeline:  run.NewPipeline(item.RunID),
		handoffs:  run.NewHandoffs(s.cfg.DefaultAgent),
	}
	id := item.RunID
	r.timer = time.AfterFunc(s.cfg.AckTimeout, func() { s.inbox.post(ackTimeout{runID: id}) })
	s.active = r
	s.lastErr = nil
	slog.Debug("run started", "run_id", string(id), "client_id", string(item.ClientID))
}

func (s *Session) apply(ev stream.Event) {
	switch e := ev.(type) {
	case stream.Pong:
		s.conn.Pong(e.Nonce)
		return
	case stream.Ack:
		s.onAck(e)
		return
	}

	r := s.active
	runID := ev.Run()
	if f, ok := ev.(stream.Failure); ok && runID == "" {
		if r == nil || r.lifecycle.State.Terminal() {
			slog.Error("undecodable frame outside a run", "error", f.Message)
			return
		}
		s.failRun(r, f.Code, f.Message, true)
		return
	}
	if r == nil || r.id != runID {
		// Late frames for earlier runs are dropped by the conversation.
		s.conv.Apply(ev)
		return
	}

	s.heardFrom(r, ev)
	switch e := ev.(type) {
	case stream.PipelineChanged:
		r.pipeline.Advance(e.State, e.Detail, e.Deep)
	case stream.Handoff:
		r.handoffs.Handoff(e.From, e.To, e.Reason)
		s.conv.Apply(ev)
	case stream.RunChanged:
		s.onRunState(r, e.State)
	case stream.Failure:
		s.failRun(r, e.Code, e.Message, true)
	case stream.Done:
		s.conv.Apply(ev)
		if !r.lifecycle.State.Terminal() {
			s.onRunState(r, types.RunCompleted)
		}
	default:
		s.conv.Apply(ev)
	}
}

func (s *Session) onAck(e stream.Ack) {
	// The backend has a turn we still hold: either it was delivered before
	// the connection dropped, or its flush write has not returned yet.
	// Track its run now instead of resending.
	if item, ok := s.queue.Ack(e.ClientID); ok {
		s.startRun(item)
	}
	if r := s.active; r != nil && r.clientID == e.ClientID {
		s.heardFrom(r, e)
	} else {
		s.commitUser(e.ClientID)
	}
}

// heardFrom records the first sign of life from the backend for r.
func (s *Session) heardFrom(r *activeRun, ev stream.Event) {
	if r.heard {
		return
	}
	r.heard = true
	s.stopTimer(r)
	s.commitUser(r.clientID)
	if _, ok := ev.(stream.RunChanged); ok {
		return
	}
	if r.lifecycle.State == types.RunQueued {
		r.lifecycle.Transition(types.RunInProgress)
	}
}

func (s *Session) onRunState(r *activeRun, state types.RunState) {
	if state == types.RunFailed {
		s.failRun(r, types.CodeBackendError, "backend reported failure", true)
		return
	}
	if err := r.lifecycle.Transition(state); err != nil {
		slog.Warn("run state ignored", "run_id", string(r.id), "error", err)
		return
	}
	if !state.Terminal() {
		return
	}
	switch state {
	case types.RunCompleted:
		if !s.conv.End(r.id, "") {
			s.conv.SetOutcome(r.id, "")
		}
	case types.RunCancelled:
		s.conv.Cancel(r.id)
	}
	r.pipeline.Finish()
	s.stopTimer(r)
	s.decoder.Forget(r.id)
	s.persistRun(r.id, r.clientID)
}

// failRun ends r with code. Only fatal failures surface as the session's
// last error; a lost connection is reported through the connection state.
func (s *Session) failRun(r *activeRun, code types.ErrorCode, message string, surface bool) {
	if !r.lifecycle.Fail(code, message) {
		return
	}
	slog.Warn("run failed", "run_id", string(r.id), "code", string(code), "error", message)
	r.pipeline.Finish()
	s.stopTimer(r)
	s.decoder.Forget(r.id)
	s.conv.Fail(r.id, code)
	if surface {
		s.lastErr = &protocol.RunError{RunID: string(r.id), Code: string(code), Message: message}
	}
	s.persistRun(r.id, r.clientID)
}

// cancelRun optimistically cancels r and tells the backend.
func (s *Session) cancelRun(r *activeRun) {
	if !r.lifecycle.Cancel() {
		return
	}
	s.conv.Cancel(r.id)
	r.pipeline.Finish()
	s.stopTimer(r)
	s.decoder.Forget(r.id)
	s.sendCancel(r.id)
	s.persistRun(r.id, r.clientID)
}

func (s *Session) sendCancel(runID types.RunID) {
	if !s.conn.State().Usable() {
		slog.Debug("cancel not sent while disconnected", "run_id", string(runID))
		return
	}
	data, err := protocol.Marshal(protocol.CancelRequest{Type: protocol.TypeCancel, RunID: string(runID)})
	if err != nil {
		slog.Error("encode cancel request", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, data); err != nil {
		slog.Warn("cancel request failed", "run_id", string(runID), "error", err)
	}
}

func (s *Session) onConnection(c connection.Change) {
	switch c.To {
	case types.ConnConnected:
		if s.queue.Len() > 0 {
			s.flush()
		}
	case types.ConnReconnecting, types.ConnOffline:
		if r := s.active; r != nil && !r.lifecycle.State.Terminal() {
			s.failRun(r, types.CodeNetworkError, "connection lost", false)
		}
		if errors.Is(c.Err, connection.ErrUnauthorized) {
			s.lastErr = &protocol.RunError{Code: string(types.CodeProtocolError), Message: c.Err.Error()}
		}
	}
}

func (s *Session) onRetry() {
	if s.conn.State() == types.ConnOffline {
		s.conn.Retry()
		return
	}
	r := s.active
	if r == nil || r.lifecycle.State != types.RunFailed {
		return
	}
	user, ok := s.conv.UserMessage(r.clientID)
	if !ok {
		return
	}
	slog.Info("retrying failed turn", "run_id", string(r.id))
	s.onSend(&types.QueuedMessage{
		ClientID:    types.NewClientID(),
		RunID:       types.NewRunID(),
		Content:     user.Content,
		Attachments: user.Attachments,
		Voice:       user.Voice,
		EnqueuedAt:  time.Now(),
	})
}

func (s *Session) stopTimer(r *activeRun) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (s *Session) commitUser(clientID types.ClientID) {
	if !s.conv.Commit(clientID) {
		return
	}
	if m, ok := s.conv.UserMessage(clientID); ok {
		s.persist(m)
	}
}

// persistRun stores the turn and the frozen reply of a finished run.
func (s *Session) persistRun(runID types.RunID, clientID types.ClientID) {
	if clientID != "" {
		if m, ok := s.conv.UserMessage(clientID); ok {
			s.persist(m)
		}
	}
	if m, ok := s.conv.RunMessage(runID); ok && !m.IsStreaming {
		s.persist(m)
	}
}

func (s *Session) persist(m *types.Message) {
	if s.store == nil || s.persisted[m.ID] {
		return
	}
	s.persisted[m.ID] = true
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.AppendMessage(ctx, s.threadID, m); err != nil {
		slog.Error("persist message", "thread_id", string(s.threadID), "message_id", string(m.ID), "error", err)
	}
}

func (s *Session) publish() {
	if !s.dirty {
		return
	}
	s.dirty = false
	s.version++

	snap := &Snapshot{
		Version:     s.version,
		ThreadID:    s.threadID,
		Messages:    s.conv.Messages(),
		Connection:  s.conn.State(),
		Queued:      s.queue.Items(),
		ActiveAgent: s.cfg.DefaultAgent,
	}
	if s.lastErr != nil {
		e := *s.lastErr
		snap.LastError = &e
	}
	if r := s.active; r != nil {
		snap.RunID = r.id
		snap.RunState = r.lifecycle.State
		snap.RunProvenance = r.lifecycle.Provenance
		snap.Pipeline = r.pipeline.State()
		snap.PipelineLabel = r.pipeline.Label()
		snap.ActiveAgent = r.handoffs.Active()
		snap.RecentAgents = r.handoffs.Recent(3)
	}
	s.snapshot.Store(snap)

	s.subMu.Lock()
	subs := make([]func(*Snapshot), 0, len(s.subs))
	for _, cb := range s.subs {
		subs = append(subs, cb)
	}
	s.subMu.Unlock()
	for _, cb := range subs {
		cb(snap)
	}
}
