package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/deskmate/internal/types"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) record(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func (r *recorder) states() []types.ConnectionState {
	var out []types.ConnectionState
	for _, c := range r.snapshot() {
		out = append(out, c.To)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastBackoff(attempts int) *Backoff {
	return &Backoff{
		BaseDelay:   time.Millisecond,
		Factor:      2,
		MaxDelay:    10 * time.Millisecond,
		Jitter:      0.2,
		MaxAttempts: attempts,
	}
}

func nextConn(t *testing.T, d *MemDialer) *MemConn {
	t.Helper()
	select {
	case c := <-d.Conns():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func TestManagerConnects(t *testing.T) {
	d := NewMemDialer()
	m := NewManager(d, Options{Backoff: fastBackoff(3)})
	rec := &recorder{}
	m.Subscribe(rec.record)

	if err := m.Send(context.Background(), []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before start, got %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitFor(t, "connected", func() bool { return len(rec.snapshot()) == 2 })

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 changes, got %+v", got)
	}
	if got[0].From != types.ConnDisconnected || got[0].To != types.ConnConnecting {
		t.Errorf("unexpected first change %+v", got[0])
	}
	if got[1].From != types.ConnConnecting || got[1].To != types.ConnConnected {
		t.Errorf("unexpected second change %+v", got[1])
	}

	if err := m.Start(context.Background()); err == nil {
		t.Error("expected second Start to fail")
	}
}

func TestManagerSendAndReceive(t *testing.T) {
	d := NewMemDialer()
	frames := make(chan []byte, 4)
	m := NewManager(d, Options{Backoff: fastBackoff(3), OnFrame: func(b []byte) { frames <- b }})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	conn := nextConn(t, d)
	waitFor(t, "connected", func() bool { return m.State() == types.ConnConnected })

	if err := m.Send(context.Background(), []byte(`{"type":"start"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-conn.Sent():
		if string(got) != `{"type":"start"}` {
			t.Errorf("unexpected frame %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("frame not written")
	}

	conn.Push([]byte(`{"type":"pong","nonce":"1"}`))
	select {
	case got := <-frames:
		if string(got) != `{"type":"pong","nonce":"1"}` {
			t.Errorf("unexpected frame %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	d := NewMemDialer()
	m := NewManager(d, Options{Backoff: fastBackoff(5)})
	rec := &recorder{}
	m.Subscribe(rec.record)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	first := nextConn(t, d)
	waitFor(t, "connected", func() bool { return m.State() == types.ConnConnected })

	first.Drop(errors.New("network unreachable"))
	second := nextConn(t, d)
	waitFor(t, "reconnected", func() bool { return m.State() == types.ConnConnected && len(rec.snapshot()) >= 5 })

	want := []types.ConnectionState{
		types.ConnConnecting, types.ConnConnected,
		types.ConnReconnecting, types.ConnConnecting, types.ConnConnected,
	}
	got := rec.states()
	if len(got) != len(want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, got)
		}
	}
	if m.Attempt() != 0 {
		t.Errorf("expected attempt counter reset on connect, got %d", m.Attempt())
	}
	if second.Closed() {
		t.Error("new connection should be open")
	}
}

func TestManagerGoesOfflineWhenBudgetSpent(t *testing.T) {
	d := NewMemDialer()
	boom := errors.New("connection refused")
	d.FailNext(boom, boom, boom)
	m := NewManager(d, Options{Backoff: fastBackoff(2)})
	rec := &recorder{}
	m.Subscribe(rec.record)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitFor(t, "offline", func() bool { return m.State() == types.ConnOffline })
	if d.Dials() != 3 {
		t.Errorf("expected 3 dials (1 + 2 retries), got %d", d.Dials())
	}

	var prev time.Duration
	for _, c := range rec.snapshot() {
		if c.To != types.ConnReconnecting {
			continue
		}
		if c.Delay < prev {
			t.Errorf("delay decreased: %v after %v", c.Delay, prev)
		}
		if c.Delay > 10*time.Millisecond {
			t.Errorf("delay %v above cap", c.Delay)
		}
		prev = c.Delay
	}
	if !errors.Is(m.LastError(), boom) {
		t.Errorf("expected last error %v, got %v", boom, m.LastError())
	}

	if !m.Retry() {
		t.Fatal("expected Retry from offline to succeed")
	}
	waitFor(t, "connected after retry", func() bool { return m.State() == types.ConnConnected })
	if m.Retry() {
		t.Error("Retry should be refused while connected")
	}
}

func TestManagerUnauthorizedGoesOffline(t *testing.T) {
	d := NewMemDialer()
	d.FailNext(ErrUnauthorized)
	m := NewManager(d, Options{Backoff: fastBackoff(5)})
	rec := &recorder{}
	m.Subscribe(rec.record)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitFor(t, "offline", func() bool { return m.State() == types.ConnOffline })
	for _, c := range rec.snapshot() {
		if c.To == types.ConnReconnecting {
			t.Fatal("credential rejection must not be retried")
		}
	}
	if d.Dials() != 1 {
		t.Errorf("expected a single dial, got %d", d.Dials())
	}
}

func TestManagerStopSilencesCallbacks(t *testing.T) {
	d := NewMemDialer()
	m := NewManager(d, Options{Backoff: fastBackoff(5)})
	rec := &recorder{}
	m.Subscribe(rec.record)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := nextConn(t, d)
	waitFor(t, "connected", func() bool { return m.State() == types.ConnConnected })

	m.Stop()
	n := len(rec.snapshot())
	conn.Drop(errors.New("late failure"))
	time.Sleep(30 * time.Millisecond)

	if got := len(rec.snapshot()); got != n {
		t.Errorf("expected no callbacks after Stop, got %d more", got-n)
	}
	if m.State() != types.ConnDisconnected {
		t.Errorf("expected disconnected after Stop, got %s", m.State())
	}
	if !conn.Closed() {
		t.Error("expected transport closed")
	}
	if err := m.Send(context.Background(), []byte(`{}`)); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped from Start, got %v", err)
	}
}

func TestManagerUnsubscribe(t *testing.T) {
	d := NewMemDialer()
	m := NewManager(d, Options{Backoff: fastBackoff(5)})
	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.record)
	unsubscribe()
	unsubscribe()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	waitFor(t, "connected", func() bool { return m.State() == types.ConnConnected })
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("expected no changes after unsubscribe, got %d", n)
	}
}

func TestManagerDegradedOnLatency(t *testing.T) {
	d := NewMemDialer()
	m := NewManager(d, Options{Backoff: fastBackoff(5), DegradedLatency: 100 * time.Millisecond})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	waitFor(t, "connected", func() bool { return m.State() == types.ConnConnected })

	m.ReportLatency(300 * time.Millisecond)
	if m.State() != types.ConnDegraded {
		t.Fatalf("expected degraded, got %s", m.State())
	}
	if err := m.Send(context.Background(), []byte(`{}`)); err != nil {
		t.Errorf("degraded connection should still send: %v", err)
	}
	m.ReportLatency(20 * time.Millisecond)
	if m.State() != types.ConnConnected {
		t.Fatalf("expected recovery to connected, got %s", m.State())
	}
}

func TestManagerDegradedOnWriteErrors(t *testing.T) {
	d := NewMemDialer()
	m := NewManager(d, Options{Backoff: fastBackoff(5), DegradedErrors: 2})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	conn := nextConn(t, d)
	waitFor(t, "connected", func() bool { return m.State() == types.ConnConnected })

	conn.FailWrites(errors.New("buffer full"))
	m.Send(context.Background(), []byte(`{}`))
	if m.State() != types.ConnConnected {
		t.Fatalf("one error should not degrade, got %s", m.State())
	}
	m.Send(context.Background(), []byte(`{}`))
	if m.State() != types.ConnDegraded {
		t.Fatalf("expected degraded, got %s", m.State())
	}

	conn.FailWrites(nil)
	if err := m.Send(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.State() != types.ConnConnected {
		t.Errorf("expected recovery after a clean write, got %s", m.State())
	}
}

func TestManagerHeartbeat(t *testing.T) {
	d := NewMemDialer()
	m := NewManager(d, Options{
		Backoff:           fastBackoff(5),
		HeartbeatInterval: 10 * time.Millisecond,
		DegradedLatency:   25 * time.Millisecond,
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	conn := nextConn(t, d)

	var ping struct {
		Type  string `json:"type"`
		Nonce string `json:"nonce"`
	}
	select {
	case data := <-conn.Sent():
		if err := json.Unmarshal(data, &ping); err != nil {
			t.Fatalf("decode ping: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no ping sent")
	}
	if ping.Type != "ping" || ping.Nonce == "" {
		t.Fatalf("unexpected ping %+v", ping)
	}

	// Unanswered pings eventually degrade the connection.
	waitFor(t, "degraded", func() bool { return m.State() == types.ConnDegraded })

	// Answering pings promptly restores the connection.
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != types.ConnConnected {
		if time.Now().After(deadline) {
			t.Fatal("connection did not recover")
		}
		select {
		case data := <-conn.Sent():
			json.Unmarshal(data, &ping)
			m.Pong(ping.Nonce)
		case <-time.After(time.Second):
			t.Fatal("no ping sent")
		}
	}
}

func TestTransitionTableRejectsInvalidMoves(t *testing.T) {
	invalid := []struct{ from, to types.ConnectionState }{
		{types.ConnConnected, types.ConnConnected},
		{types.ConnDisconnected, types.ConnConnected},
		{types.ConnReconnecting, types.ConnConnected},
		{types.ConnOffline, types.ConnConnected},
		{types.ConnOffline, types.ConnReconnecting},
	}
	for _, tt := range invalid {
		m := NewManager(NewMemDialer(), Options{})
		m.state = tt.from
		if m.transitionLocked(tt.to, Change{}) {
			t.Errorf("%s -> %s should be rejected", tt.from, tt.to)
		}
		if m.state != tt.from {
			t.Errorf("rejected transition changed state to %s", m.state)
		}
	}

	valid := []struct{ from, to types.ConnectionState }{
		{types.ConnDisconnected, types.ConnConnecting},
		{types.ConnConnecting, types.ConnConnected},
		{types.ConnConnected, types.ConnReconnecting},
		{types.ConnConnected, types.ConnDegraded},
		{types.ConnDegraded, types.ConnConnected},
		{types.ConnReconnecting, types.ConnConnecting},
		{types.ConnOffline, types.ConnConnecting},
	}
	for _, tt := range valid {
		m := NewManager(NewMemDialer(), Options{})
		m.state = tt.from
		if !m.transitionLocked(tt.to, Change{}) {
			t.Errorf("%s -> %s should be allowed", tt.from, tt.to)
		}
	}
}
