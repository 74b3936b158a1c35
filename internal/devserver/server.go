// Package devserver is a local stand-in for the orchestrator backend. It
// speaks the frame protocol over a websocket and plays a scripted run for
// every turn: routing, an optional handoff and tool call, streamed text
// and completion.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/deskmate/internal/types"
	"github.com/user/deskmate/pkg/protocol"
)

// FailCommand makes a turn end with a backend error frame.
const FailCommand = "/fail"

// Options configures a Server.
type Options struct {
	// Token, when set, must be presented as a bearer credential.
	Token string
	// StepDelay is the pause between frames of a run.
	StepDelay time.Duration
	// Reply produces the assistant text. Defaults to Reply.
	Reply func(agent types.AgentRole, req protocol.StartRequest) string
}

// Server accepts websocket clients and runs turns for them.
type Server struct {
	opts Options

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(opts Options) *Server {
	if opts.Reply == nil {
		opts.Reply = Reply
	}
	return &Server{opts: opts, clients: make(map[*client]struct{})}
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.HandleWebSocket)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "clients": s.ClientCount()})
	})
	return mux
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// HandleWebSocket is the HTTP handler for /ws.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	c := newClient(conn, s)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	slog.Info("client connected", "remote", r.RemoteAddr)

	c.run()

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	slog.Info("client disconnected", "remote", r.RemoteAddr)
}

type client struct {
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func newClient(conn *websocket.Conn, server *Server) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		conn:   conn,
		server: server,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]context.CancelFunc),
	}
}

func (c *client) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	c.wg.Wait()
	<-done
}

func (c *client) readPump() {
	defer c.cancel()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.handle(data)
	}
}

func (c *client) writePump() {
	defer c.conn.Close(websocket.StatusNormalClosure, "")
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) emit(f protocol.Frame) {
	data, err := protocol.Marshal(f)
	if err != nil {
		slog.Error("marshal frame failed", "type", f.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// request covers every client frame; unused fields stay zero.
type request struct {
	protocol.StartRequest
	Nonce string `json:"nonce"`
}

func (c *client) handle(data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("invalid client frame", "error", err)
		return
	}
	switch req.Type {
	case protocol.TypePing:
		c.emit(protocol.Pong(req.Nonce))
	case protocol.TypeStart:
		c.start(req.StartRequest)
	case protocol.TypeCancel:
		c.mu.Lock()
		stop, ok := c.runs[req.RunID]
		c.mu.Unlock()
		if ok {
			slog.Info("cancelling run", "run_id", req.RunID)
			stop()
		}
	default:
		slog.Warn("unknown client frame", "type", req.Type)
	}
}

func (c *client) start(req protocol.StartRequest) {
	if req.RunID == "" || req.ClientID == "" {
		slog.Warn("start without ids", "run_id", req.RunID, "client_id", req.ClientID)
		return
	}
	ctx, stop := context.WithCancel(c.ctx)
	c.mu.Lock()
	if _, ok := c.runs[req.RunID]; ok {
		c.mu.Unlock()
		stop()
		slog.Debug("duplicate start", "run_id", req.RunID)
		c.emit(protocol.Ack(req.RunID, req.ClientID))
		return
	}
	c.runs[req.RunID] = stop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.runs, req.RunID)
			c.mu.Unlock()
			stop()
		}()
		c.play(ctx, req)
	}()
}

// play emits the frames of one run. It stops early with a cancelled run
// frame when ctx ends.
func (c *client) play(ctx context.Context, req protocol.StartRequest) {
	runID := req.RunID
	messageID := string(types.NewMessageID())
	slog.Info("run started", "run_id", runID, "thread_id", req.ThreadID)

	c.emit(protocol.Ack(runID, req.ClientID))
	c.emit(protocol.Run(runID, string(types.RunInProgress)))

	step := func(f protocol.Frame) bool {
		if !c.pause(ctx) {
			return false
		}
		c.emit(f)
		return true
	}
	cancelled := func() {
		if c.ctx.Err() == nil {
			c.emit(protocol.Run(runID, string(types.RunCancelled)))
		}
		slog.Info("run cancelled", "run_id", runID)
	}

	agent, reason := route(req.Content)
	if !step(protocol.Pipeline(runID, string(types.PipelineRouting), "", false)) {
		cancelled()
		return
	}
	if agent != types.AgentOrchestrator {
		if !step(protocol.Handoff(runID, string(types.AgentOrchestrator), string(agent), reason)) {
			cancelled()
			return
		}
	}
	deep := len(req.Content) > 200
	if !step(protocol.Pipeline(runID, string(types.PipelineThinking), "", deep)) {
		cancelled()
		return
	}

	if strings.TrimSpace(req.Content) == FailCommand {
		step(protocol.Error(runID, string(types.CodeBackendError), "scripted failure"))
		return
	}

	for i, tc := range toolsFor(agent, req.Content) {
		toolID := fmt.Sprintf("%s-tool-%d", runID, i)
		if !step(protocol.Pipeline(runID, string(types.PipelineToolExecuting), tc.name, false)) ||
			!step(protocol.ToolStart(runID, messageID, toolID, tc.name, tc.args)) ||
			!step(protocol.ToolResult(runID, toolID, tc.status, tc.result)) {
			cancelled()
			return
		}
	}

	if !step(protocol.Pipeline(runID, string(types.PipelineComposing), "", false)) {
		cancelled()
		return
	}
	for i, chunk := range chunks(c.server.opts.Reply(agent, req)) {
		if !step(protocol.Delta(runID, messageID, chunk, int64(i))) {
			cancelled()
			return
		}
	}
	for _, cit := range citationsFor(agent) {
		c.emit(protocol.CitationFrame(runID, messageID, cit))
	}

	c.emit(protocol.Done(runID, messageID))
	c.emit(protocol.Pipeline(runID, string(types.PipelineDone), "", false))
	c.emit(protocol.Run(runID, string(types.RunCompleted)))
	slog.Info("run completed", "run_id", runID, "agent", agent)
}

func (c *client) pause(ctx context.Context) bool {
	if c.server.opts.StepDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(c.server.opts.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
