// Package connection owns the transport session to the backend
// orchestrator: dialing, reconnect backoff, heartbeat health and the
// connection-state signal the rest of the engine reacts to.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/user/deskmate/internal/types"
	"github.com/user/deskmate/pkg/protocol"
)

var transitions = map[types.ConnectionState][]types.ConnectionState{
	types.ConnDisconnected: {types.ConnConnecting},
	types.ConnConnecting:   {types.ConnConnected, types.ConnReconnecting, types.ConnOffline},
	types.ConnConnected:    {types.ConnReconnecting, types.ConnOffline, types.ConnDegraded},
	types.ConnReconnecting: {types.ConnConnecting},
	types.ConnDegraded:     {types.ConnConnected, types.ConnReconnecting, types.ConnOffline},
	types.ConnOffline:      {types.ConnConnecting},
}

// Change describes one connection state transition.
type Change struct {
	From    types.ConnectionState
	To      types.ConnectionState
	Attempt int
	Delay   time.Duration
	Err     error
}

// Options configures a Manager.
type Options struct {
	Backoff *Backoff

	// HeartbeatInterval is the ping period. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// DegradedLatency is the round trip above which the connection is
	// reported degraded. Zero disables the latency check.
	DegradedLatency time.Duration
	// DegradedErrors is the number of consecutive write errors that mark
	// the connection degraded. Zero disables the check.
	DegradedErrors int

	// OnFrame receives every frame read from the transport, in order, on
	// the read goroutine. It must not block.
	OnFrame func([]byte)

	// Rand returns uniform samples in [0, 1) for backoff jitter.
	Rand func() float64
}

// Manager runs the connection state machine. Subscriber callbacks are
// invoked synchronously, one change at a time and in order; they must not
// block and must not call Stop.
type Manager struct {
	dialer  Dialer
	opts    Options
	backoff *Backoff

	mu          sync.Mutex
	state       types.ConnectionState
	attempt     int
	lastDelay   time.Duration
	gen         uint64
	ctx         context.Context
	cancel      context.CancelFunc
	conn        Conn
	connCancel  context.CancelFunc
	timer       *time.Timer
	stopped     bool
	writeErrors int
	pings       map[string]time.Time
	nonce       uint64
	latency     time.Duration
	lastErr     error
	pending     []Change
	delivering  bool

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	notifyMu sync.Mutex
	frameMu  sync.Mutex
}

// NewManager creates a manager in the disconnected state.
func NewManager(dialer Dialer, opts Options) *Manager {
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Manager{
		dialer:  dialer,
		opts:    opts,
		backoff: opts.Backoff,
		state:   types.ConnDisconnected,
		pings:   make(map[string]time.Time),
		subs:    make(map[int]func(Change)),
	}
}

// Subscribe registers cb for state changes and returns its disposer.
func (m *Manager) Subscribe(cb func(Change)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = cb
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// SetFrameHandler replaces the OnFrame function. Call it before Start.
func (m *Manager) SetFrameHandler(fn func([]byte)) {
	m.frameMu.Lock()
	defer m.frameMu.Unlock()
	m.opts.OnFrame = fn
}

func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of reconnect attempts in the current episode.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Latency returns the last measured heartbeat round trip.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// LastError returns the error behind the most recent disconnect.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Start dials the backend. It returns immediately; progress is reported
// through subscribers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.state != types.ConnDisconnected {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("connection already started (%s)", state)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.transitionLocked(types.ConnConnecting, Change{})
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.emit()
	go m.dial(gen)
	return nil
}

// Retry leaves the offline state and dials again with a fresh attempt
// budget. Call it on a manual retry or when the network comes back.
// It returns false unless the manager was offline.
func (m *Manager) Retry() bool {
	m.mu.Lock()
	if m.stopped || m.state != types.ConnOffline {
		m.mu.Unlock()
		return false
	}
	m.attempt = 0
	m.lastDelay = 0
	m.gen++
	gen := m.gen
	m.transitionLocked(types.ConnConnecting, Change{})
	m.mu.Unlock()

	slog.Info("retrying connection")
	m.emit()
	go m.dial(gen)
	return true
}

// Send writes one frame. It fails with ErrNotConnected unless the
// connection is connected or degraded.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if !m.state.Usable() || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	if err := conn.Write(ctx, data); err != nil {
		m.writeFailed(gen, err)
		return fmt.Errorf("send frame: %w", err)
	}
	m.writeSucceeded(gen)
	return nil
}

// Pong records the answer to a heartbeat ping.
func (m *Manager) Pong(nonce string) {
	m.mu.Lock()
	sent, ok := m.pings[nonce]
	if ok {
		delete(m.pings, nonce)
	}
	m.mu.Unlock()
	if ok {
		m.ReportLatency(time.Since(sent))
	}
}

// ReportLatency feeds a measured round trip into the health check. A slow
// round trip degrades a connected session; a healthy one restores it.
func (m *Manager) ReportLatency(rtt time.Duration) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.latency = rtt
	slow := m.opts.DegradedLatency > 0 && rtt > m.opts.DegradedLatency
	switch {
	case slow && m.state == types.ConnConnected:
		m.transitionLocked(types.ConnDegraded, Change{
			Err: fmt.Errorf("round trip %v exceeds %v", rtt, m.opts.DegradedLatency),
		})
	case !slow && m.state == types.ConnDegraded:
		m.writeErrors = 0
		m.transitionLocked(types.ConnConnected, Change{})
	}
	m.mu.Unlock()
	m.emit()
}

// Stop cancels timers and closes the transport. No callback fires after
// Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.gen++
	prev := m.state
	m.state = types.ConnDisconnected
	if m.timer != nil {
		m.timer.Stop()
	}
	conn := m.conn
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.pending = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	// Wait out any callback already in flight.
	m.notifyMu.Lock()
	m.notifyMu.Unlock()
	m.frameMu.Lock()
	m.frameMu.Unlock()
	slog.Info("connection stopped", "from", string(prev))
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx)

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		slog.Warn("dial failed", "attempt", m.attempt, "error", err)
		m.failLocked(err)
		m.mu.Unlock()
		m.emit()
		return
	}
	connCtx, cancel := context.WithCancel(ctx)
	m.conn = conn
	m.connCancel = cancel
	m.writeErrors = 0
	m.pings = make(map[string]time.Time)
	m.lastErr = nil
	m.transitionLocked(types.ConnConnected, Change{})
	m.mu.Unlock()

	slog.Info("connected to backend")
	m.emit()
	go m.readLoop(connCtx, conn, gen)
	if m.opts.HeartbeatInterval > 0 {
		go m.heartbeat(connCtx, conn, gen)
	}
}

func (m *Manager) redial(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(types.ConnConnecting, Change{Attempt: m.attempt})
	m.mu.Unlock()

	m.emit()
	m.dial(gen)
}

// failLocked moves to reconnecting with the next backoff delay, or to
// offline when the credential was rejected or the budget is spent.
func (m *Manager) failLocked(err error) {
	m.lastErr = err
	m.gen++
	if errors.Is(err, ErrUnauthorized) {
		slog.Error("backend rejected credential", "error", err)
		m.transitionLocked(types.ConnOffline, Change{Attempt: m.attempt, Err: err})
		return
	}
	if !m.backoff.ShouldRetry(m.attempt) {
		slog.Warn("reconnect attempts exhausted", "attempts", m.attempt, "error", err)
		m.transitionLocked(types.ConnOffline, Change{Attempt: m.attempt, Err: err})
		return
	}

	delay := m.backoff.Delay(m.attempt, m.opts.Rand())
	if delay < m.lastDelay {
		delay = m.lastDelay
	}
	m.lastDelay = delay
	m.attempt++
	if !m.transitionLocked(types.ConnReconnecting, Change{Attempt: m.attempt, Delay: delay, Err: err}) {
		return
	}
	gen := m.gen
	m.timer = time.AfterFunc(delay, func() { m.redial(gen) })
}

func (m *Manager) lost(gen uint64, err error) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	slog.Warn("connection lost", "state", string(m.state), "error", err)
	m.failLocked(err)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.emit()
}

func (m *Manager) writeFailed(gen uint64, err error) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.writeErrors++
	if m.opts.DegradedErrors > 0 && m.writeErrors >= m.opts.DegradedErrors && m.state == types.ConnConnected {
		m.transitionLocked(types.ConnDegraded, Change{Err: err})
	}
	m.mu.Unlock()
	m.emit()
}

func (m *Manager) writeSucceeded(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.writeErrors = 0
	// Without heartbeats a successful write is the only health signal.
	if m.state == types.ConnDegraded && m.opts.HeartbeatInterval == 0 {
		m.transitionLocked(types.ConnConnected, Change{})
	}
	m.mu.Unlock()
	m.emit()
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.lost(gen, fmt.Errorf("read frame: %w", err))
			return
		}
		if !m.deliver(gen, data) {
			return
		}
	}
}

func (m *Manager) deliver(gen uint64, data []byte) bool {
	m.frameMu.Lock()
	defer m.frameMu.Unlock()

	m.mu.Lock()
	live := !m.stopped && gen == m.gen
	m.mu.Unlock()
	if !live {
		return false
	}
	if m.opts.OnFrame != nil {
		m.opts.OnFrame(data)
	}
	return true
}

func (m *Manager) heartbeat(ctx context.Context, conn Conn, gen uint64) {
	interval := m.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.stopped || gen != m.gen {
			m.mu.Unlock()
			return
		}
		var overdue time.Duration
		for n, sent := range m.pings {
			age := time.Since(sent)
			if age > 8*interval {
				delete(m.pings, n)
				continue
			}
			if age > overdue {
				overdue = age
			}
		}
		m.nonce++
		nonce := strconv.FormatUint(m.nonce, 10)
		m.pings[nonce] = time.Now()
		m.mu.Unlock()

		// An unanswered ping is at least as slow as its age.
		if m.opts.DegradedLatency > 0 && overdue > m.opts.DegradedLatency {
			m.ReportLatency(overdue)
		}

		data, err := protocol.Marshal(protocol.Ping{Type: protocol.TypePing, Nonce: nonce})
		if err != nil {
			slog.Error("encode ping", "error", err)
			continue
		}
		if err := conn.Write(ctx, data); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("ping failed", "error", err)
			m.writeFailed(gen, err)
		}
	}
}

// transitionLocked applies a state change if the transition table allows
// it and queues the change for subscribers.
func (m *Manager) transitionLocked(to types.ConnectionState, ch Change) bool {
	if !allowed(m.state, to) {
		slog.Warn("rejected connection transition", "from", string(m.state), "to", string(to))
		return false
	}
	ch.From = m.state
	ch.To = to
	m.state = to
	if to == types.ConnConnected {
		m.attempt = 0
		m.lastDelay = 0
	}
	m.pending = append(m.pending, ch)
	slog.Debug("connection state changed", "from", string(ch.From), "to", string(to), "attempt", ch.Attempt)
	return true
}

func allowed(from, to types.ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// emit delivers queued changes. Whoever finds the queue idle becomes the
// deliverer; concurrent callers leave their changes for it.
func (m *Manager) emit() {
	m.mu.Lock()
	if m.delivering || len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	m.mu.Unlock()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for {
		m.mu.Lock()
		if m.stopped || len(m.pending) == 0 {
			m.pending = nil
			m.delivering = false
			m.mu.Unlock()
			return
		}
		ch := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		for _, cb := range m.subscribers() {
			cb(ch)
		}
	}
}

func (m *Manager) subscribers() []func(Change) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Change), len(ids))
	for i, id := range ids {
		out[i] = m.subs[id]
	}
	return out
}
