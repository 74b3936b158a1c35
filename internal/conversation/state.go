// Package conversation holds the ordered message list of the active thread
// and applies decoded stream events to it.
package conversation

import (
	"bytes"
	"log/slog"
	"sort"
	"time"

	"github.com/user/deskmate/internal/stream"
	"github.com/user/deskmate/internal/types"
)

// DefaultReorderWindow bounds how far ahead of the next expected sequence
// number a delta may arrive and still be held for reordering.
const DefaultReorderWindow = 16

type deltaStream struct {
	next    int64
	pending map[int64]string
}

// State is the single source of truth for the conversation. Apply is its
// only mutation path for backend data; it is not safe for concurrent use.
type State struct {
	window    int64
	messages  []*types.Message
	byID      map[types.MessageID]*types.Message
	byRun     map[types.RunID]*types.Message
	byClient  map[types.ClientID]*types.Message
	toolOwner map[types.ToolID]*types.Message
	streams   map[types.MessageID]*deltaStream
	cancelled map[types.RunID]bool
}

// New returns an empty conversation. A non-positive window uses
// DefaultReorderWindow.
func New(window int) *State {
	if window <= 0 {
		window = DefaultReorderWindow
	}
	return &State{
		window:    int64(window),
		byID:      make(map[types.MessageID]*types.Message),
		byRun:     make(map[types.RunID]*types.Message),
		byClient:  make(map[types.ClientID]*types.Message),
		toolOwner: make(map[types.ToolID]*types.Message),
		streams:   make(map[types.MessageID]*deltaStream),
		cancelled: make(map[types.RunID]bool),
	}
}

// Load seeds the conversation with persisted history. Loaded messages are
// frozen whatever their stored flag says.
func (s *State) Load(history []*types.Message) {
	for _, m := range history {
		c := m.Clone()
		c.IsStreaming = false
		s.append(c)
	}
}

// AddUserMessage appends a user turn. Turns carrying a client id start out
// pending until the backend acknowledges them.
func (s *State) AddUserMessage(msg *types.Message) {
	msg.Role = types.RoleUser
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.ClientID != "" && msg.Status == "" {
		msg.Status = types.Pending
	}
	s.append(msg)
}

// Commit marks a pending user turn as accepted by the backend.
func (s *State) Commit(clientID types.ClientID) bool {
	return s.settle(clientID, types.Committed)
}

// Revert marks a pending user turn as withdrawn, e.g. cancelled while queued.
func (s *State) Revert(clientID types.ClientID) bool {
	return s.settle(clientID, types.Reverted)
}

func (s *State) settle(clientID types.ClientID, to types.Provenance) bool {
	m, ok := s.byClient[clientID]
	if !ok || m.Status != types.Pending {
		return false
	}
	m.Status = to
	return true
}

// StartRun begins a new assistant message for runID. If another message is
// still streaming it is cancelled first and its run id is returned so the
// caller can send the cancel request; frames for that run are ignored from
// now on. user may be nil when the turn is already in the list.
func (s *State) StartRun(user *types.Message, runID types.RunID, agent types.AgentRole) (*types.Message, types.RunID) {
	var superseded types.RunID
	if prev := s.streaming(); prev != nil {
		superseded = prev.RunID
		s.Cancel(prev.RunID)
	}
	if user != nil {
		stored, ok := s.byID[user.ID]
		if !ok {
			s.AddUserMessage(user)
			stored = user
		}
		if stored.RunID == "" {
			stored.RunID = runID
		}
	}

	msg := &types.Message{
		ID:          types.NewMessageID(),
		Role:        types.RoleAssistant,
		Agent:       agent,
		IsStreaming: true,
		RunID:       runID,
		Timestamp:   time.Now(),
	}
	s.append(msg)
	s.byRun[runID] = msg
	s.streams[msg.ID] = &deltaStream{pending: make(map[int64]string)}
	return msg, superseded
}

// Cancel stops the streaming message of runID and ignores any later frames
// for that run. It returns false if the run had nothing streaming.
func (s *State) Cancel(runID types.RunID) bool {
	s.cancelled[runID] = true
	return s.End(runID, types.CodeCancelled)
}

// End freezes the assistant message of runID with the given outcome
// (empty for success). Buffered deltas are flushed in sequence order first.
func (s *State) End(runID types.RunID, outcome types.ErrorCode) bool {
	m, ok := s.byRun[runID]
	if !ok || !m.IsStreaming {
		return false
	}
	s.freeze(m)
	m.Outcome = outcome
	return true
}

// Fail ends runID with code whether or not its message is still streaming.
func (s *State) Fail(runID types.RunID, code types.ErrorCode) bool {
	if s.End(runID, code) {
		return true
	}
	return s.SetOutcome(runID, code)
}

// SetOutcome rewrites the recorded outcome of a frozen message when the
// backend's verdict differs from the client's guess.
func (s *State) SetOutcome(runID types.RunID, outcome types.ErrorCode) bool {
	m, ok := s.byRun[runID]
	if !ok || m.IsStreaming || m.Outcome == outcome {
		return false
	}
	m.Outcome = outcome
	return true
}

// Apply folds one event into the conversation and reports whether anything
// changed. Re-applying an event that was already applied changes nothing.
func (s *State) Apply(ev stream.Event) bool {
	if s.cancelled[ev.Run()] {
		return false
	}

	switch e := ev.(type) {
	case stream.Delta:
		m := s.target(e.RunID, e.MessageID)
		if m == nil {
			return false
		}
		return s.applyDelta(m, e)

	case stream.ToolStart:
		m := s.target(e.RunID, e.MessageID)
		if m == nil {
			return false
		}
		if owner, ok := s.toolOwner[e.ToolID]; ok && owner != m {
			slog.Warn("tool id reused across messages", "tool_id", string(e.ToolID), "run_id", string(e.RunID))
			return false
		}
		if te, ok := m.Tool(e.ToolID); ok {
			if te.Name == e.Name && bytes.Equal(te.Args, e.Args) {
				return false
			}
			te.Name = e.Name
			te.Args = e.Args
			return true
		}
		m.ToolExecutions = append(m.ToolExecutions, types.ToolExecution{
			ID:     e.ToolID,
			Name:   e.Name,
			Status: types.ToolRunning,
			Args:   e.Args,
		})
		s.toolOwner[e.ToolID] = m
		return true

	case stream.ToolResult:
		m, ok := s.toolOwner[e.ToolID]
		if !ok || !m.IsStreaming || m.RunID != e.RunID {
			return false
		}
		te, _ := m.Tool(e.ToolID)
		if te.Status == e.Status && bytes.Equal(te.Result, e.Result) {
			return false
		}
		te.Status = e.Status
		te.Result = e.Result
		return true

	case stream.CitationAdded:
		m := s.target(e.RunID, e.MessageID)
		if m == nil {
			return false
		}
		for _, c := range m.Citations {
			if c == e.Citation || (e.Citation.ID != "" && c.ID == e.Citation.ID) {
				return false
			}
		}
		m.Citations = append(m.Citations, e.Citation)
		return true

	case stream.MemoryAdded:
		m := s.target(e.RunID, e.MessageID)
		if m == nil {
			return false
		}
		for _, r := range m.MemoriesUsed {
			if r.ID == e.Memory.ID {
				return false
			}
		}
		m.MemoriesUsed = append(m.MemoriesUsed, e.Memory)
		return true

	case stream.ImageAdded:
		m := s.target(e.RunID, e.MessageID)
		if m == nil {
			return false
		}
		for _, img := range m.Images {
			if img == e.Image || (e.Image.ID != "" && img.ID == e.Image.ID) {
				return false
			}
		}
		m.Images = append(m.Images, e.Image)
		return true

	case stream.Handoff:
		m, ok := s.byRun[e.RunID]
		if !ok || !m.IsStreaming {
			return false
		}
		if m.Handoff != nil && m.Handoff.From == e.From && m.Handoff.To == e.To && m.Handoff.Reason == e.Reason {
			return false
		}
		m.Handoff = &types.HandoffRecord{From: e.From, To: e.To, Reason: e.Reason, At: time.Now()}
		m.Agent = e.To
		return true

	case stream.Done:
		m := s.target(e.RunID, e.MessageID)
		if m == nil {
			return false
		}
		s.freeze(m)
		return true
	}
	return false
}

// target resolves the streaming message a frame refers to. The backend may
// use its own message id; the first such id seen for a run is bound to the
// run's assistant message.
func (s *State) target(runID types.RunID, id types.MessageID) *types.Message {
	m, ok := s.byID[id]
	if !ok {
		m, ok = s.byRun[runID]
		if !ok {
			return nil
		}
		if m.IsStreaming {
			s.byID[id] = m
		}
	}
	if m.Role != types.RoleAssistant || !m.IsStreaming || m.RunID != runID {
		return nil
	}
	return m
}

func (s *State) applyDelta(m *types.Message, e stream.Delta) bool {
	ds := s.streams[m.ID]
	if e.Seq < ds.next {
		return false
	}
	if _, dup := ds.pending[e.Seq]; dup {
		return false
	}
	ds.pending[e.Seq] = e.Chunk
	changed := s.drain(m, ds)

	// A gap older than the window will not be filled; skip past it.
	for len(ds.pending) > 0 && maxKey(ds.pending)-ds.next >= s.window {
		lowest := minKey(ds.pending)
		slog.Warn("delta gap skipped", "message_id", string(m.ID), "from_seq", ds.next, "to_seq", lowest)
		ds.next = lowest
		if s.drain(m, ds) {
			changed = true
		}
	}
	return changed
}

func (s *State) drain(m *types.Message, ds *deltaStream) bool {
	changed := false
	for {
		chunk, ok := ds.pending[ds.next]
		if !ok {
			return changed
		}
		m.Content += chunk
		delete(ds.pending, ds.next)
		ds.next++
		changed = true
	}
}

func (s *State) freeze(m *types.Message) {
	if ds, ok := s.streams[m.ID]; ok {
		keys := make([]int64, 0, len(ds.pending))
		for k := range ds.pending {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		if len(keys) > 0 {
			slog.Warn("message frozen with sequence gaps", "message_id", string(m.ID), "buffered", len(keys))
		}
		for _, k := range keys {
			m.Content += ds.pending[k]
		}
		delete(s.streams, m.ID)
	}
	m.IsStreaming = false
}

func (s *State) append(m *types.Message) {
	s.messages = append(s.messages, m)
	s.byID[m.ID] = m
	if m.ClientID != "" {
		s.byClient[m.ClientID] = m
	}
	if m.Role == types.RoleAssistant && m.RunID != "" {
		s.byRun[m.RunID] = m
	}
}

func (s *State) streaming() *types.Message {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].IsStreaming {
			return s.messages[i]
		}
	}
	return nil
}

// Streaming returns a copy of the message currently streaming, or nil.
func (s *State) Streaming() *types.Message {
	if m := s.streaming(); m != nil {
		return m.Clone()
	}
	return nil
}

// Messages returns deep copies of all messages in order.
func (s *State) Messages() []*types.Message {
	out := make([]*types.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// RunMessage returns a copy of the assistant message for runID.
func (s *State) RunMessage(runID types.RunID) (*types.Message, bool) {
	m, ok := s.byRun[runID]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// UserMessage returns a copy of the user turn stamped with clientID.
func (s *State) UserMessage(clientID types.ClientID) (*types.Message, bool) {
	m, ok := s.byClient[clientID]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Ignored reports whether frames for runID are being dropped.
func (s *State) Ignored(runID types.RunID) bool {
	return s.cancelled[runID]
}

func (s *State) Len() int {
	return len(s.messages)
}

func minKey(m map[int64]string) int64 {
	first := true
	var out int64
	for k := range m {
		if first || k < out {
			out = k
			first = false
		}
	}
	return out
}

func maxKey(m map[int64]string) int64 {
	first := true
	var out int64
	for k := range m {
		if first || k > out {
			out = k
			first = false
		}
	}
	return out
}
