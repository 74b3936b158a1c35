// Package session runs the conversation engine: a single event loop that
// owns the conversation state and run trackers, feeds them from the
// transport and publishes immutable snapshots to the UI.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/deskmate/internal/connection"
	"github.com/user/deskmate/internal/conversation"
	"github.com/user/deskmate/internal/outbox"
	"github.com/user/deskmate/internal/run"
	"github.com/user/deskmate/internal/stream"
	"github.com/user/deskmate/internal/types"
	"github.com/user/deskmate/pkg/protocol"
)

// DefaultAckTimeout is how long a dispatched run may stay silent before it
// fails with a timeout.
const DefaultAckTimeout = 30 * time.Second

// DefaultWriteTimeout bounds a start frame written on the loop goroutine.
const DefaultWriteTimeout = 5 * time.Second

// ErrEmptyMessage is returned by Send for a turn with no text and no
// attachments.
var ErrEmptyMessage = errors.New("session: empty message")

// Transport is the connection the session drives.
type Transport interface {
	outbox.Sender
	Start(ctx context.Context) error
	Stop()
	Subscribe(cb func(connection.Change)) func()
	SetFrameHandler(fn func([]byte))
	Retry() bool
	Pong(nonce string)
}

// Config tunes a Session. Zero values pick the package defaults.
type Config struct {
	ThreadID         types.ThreadID
	ThreadTitle      string
	ReorderWindow    int
	ToolResultWindow int
	AckTimeout       time.Duration
	WriteTimeout     time.Duration
	DefaultAgent     types.AgentRole
	HistoryLimit     int
}

// activeRun carries the trackers of the run the UI is following.
type activeRun struct {
	id        types.RunID
	clientID  types.ClientID
	lifecycle *run.Lifecycle
	pipeline  *run.Pipeline
	handoffs  *run.Handoffs
	heard     bool
	timer     *time.Timer
}

// Session is the SessionManager. All state below the inbox is owned by the
// goroutine running Run.
type Session struct {
	conn  Transport
	store types.ThreadStore
	cfg   Config

	inbox    *inbox
	snapshot atomic.Pointer[Snapshot]

	subMu   sync.Mutex
	subs    map[int]func(*Snapshot)
	nextSub int

	// loop-owned
	threadID  types.ThreadID
	conv      *conversation.State
	decoder   *stream.Decoder
	queue     *outbox.Queue
	active    *activeRun
	lastUser  *types.QueuedMessage
	lastErr   *protocol.RunError
	flushing  bool
	persisted map[types.MessageID]bool
	version   uint64
	dirty     bool
	ctx       context.Context
}

// New creates a session over conn. store may be nil, in which case the
// conversation lives in memory only.
func New(conn Transport, store types.ThreadStore, cfg Config) *Session {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if !cfg.DefaultAgent.Valid() {
		cfg.DefaultAgent = types.DefaultAgent
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	s := &Session{
		conn:      conn,
		store:     store,
		cfg:       cfg,
		inbox:     newInbox(),
		subs:      make(map[int]func(*Snapshot)),
		threadID:  cfg.ThreadID,
		conv:      conversation.New(cfg.ReorderWindow),
		decoder:   stream.NewDecoder(cfg.ToolResultWindow),
		persisted: make(map[types.MessageID]bool),
	}
	s.queue = outbox.New(conn, s.encodeStart)
	s.queue.SetOnSent(func(m *types.QueuedMessage) { s.inbox.post(sentMsg{item: *m}) })
	conn.SetFrameHandler(func(data []byte) { s.inbox.post(frameMsg(data)) })
	s.snapshot.Store(&Snapshot{ThreadID: cfg.ThreadID, Connection: conn.State()})
	return s
}

// SendOption adjusts an outgoing turn.
type SendOption func(*types.QueuedMessage)

// WithVoice marks the turn as transcribed voice input.
func WithVoice() SendOption {
	return func(m *types.QueuedMessage) { m.Voice = true }
}

// Send submits a user turn. It returns at once with the turn's client id;
// delivery, queuing and the resulting run show up in snapshots.
func (s *Session) Send(text string, attachments []types.Attachment, opts ...SendOption) (types.ClientID, error) {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return "", ErrEmptyMessage
	}
	m := &types.QueuedMessage{
		ClientID:    types.NewClientID(),
		RunID:       types.NewRunID(),
		Content:     text,
		Attachments: attachments,
		EnqueuedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	s.inbox.post(sendCmd{item: m})
	return m.ClientID, nil
}

// Cancel stops the run in flight, if any.
func (s *Session) Cancel() {
	s.inbox.post(cancelCmd{})
}

// Unqueue withdraws a turn that is still waiting for the connection.
func (s *Session) Unqueue(clientID types.ClientID) {
	s.inbox.post(unqueueCmd{clientID: clientID})
}

// Retry reconnects when offline; otherwise it resends the last turn if
// its run failed.
func (s *Session) Retry() {
	s.inbox.post(retryCmd{})
}

// Snapshot returns the latest published view.
func (s *Session) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Subscribe registers cb for every published snapshot and returns its
// disposer. cb runs on the session goroutine and must not block.
func (s *Session) Subscribe(cb func(*Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = cb
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Session) encodeStart(m *types.QueuedMessage) ([]byte, error) {
	atts := make([]protocol.Attachment, len(m.Attachments))
	for i, a := range m.Attachments {
		atts[i] = protocol.Attachment{ID: a.ID, Name: a.Name, Status: a.Status}
	}
	data, err := protocol.Marshal(protocol.StartRequest{
		Type:        protocol.TypeStart,
		RunID:       string(m.RunID),
		ClientID:    string(m.ClientID),
		ThreadID:    string(s.threadID),
		Content:     m.Content,
		Attachments: atts,
		Voice:       m.Voice,
	})
	if err != nil {
		return nil, fmt.Errorf("encode start request: %w", err)
	}
	return data, nil
}
