// Package server exposes the management HTTP API and the websocket run
// event stream. All state lives in the stores; the server is a stateless
// front end plus a fan-out hub for run events, so it can restart without
// affecting scheduling.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/rubato-io/rubato/config"
	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/scheduler"
	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
)

// MaxClients caps concurrent websocket subscribers.
const MaxClients = 100

// Server is the management API front end. It implements
// scheduler.Broadcaster so the executor can push run events straight into
// the websocket hub.
type Server struct {
	cfg      config.ServerConfig
	stores   *store.Stores
	executor *scheduler.Executor
	tiers    tier.Table
	clk      clock.Clock
	log      *zap.SugaredLogger

	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener

	// Hub state. The run loop owns clients; register/unregister/events
	// serialize all mutations through it.
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	events     chan *Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	drops  atomic.Int64
}

// New creates a server wired to the given stores. The executor is used
// for on-demand test dispatches and may be nil when the API runs without
// a scheduler in the same process (test dispatch then returns 503).
func New(ctx context.Context, cfg config.ServerConfig, stores *store.Stores, executor *scheduler.Executor, tiers tier.Table, clk clock.Clock, log *zap.SugaredLogger) *Server {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if tiers == nil {
		tiers = tier.DefaultTable()
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		cfg:        cfg,
		stores:     stores,
		executor:   executor,
		tiers:      tiers,
		clk:        clk,
		log:        log,
		mux:        http.NewServeMux(),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan *Event, 256),
		ctx:        serverCtx,
		cancel:     cancel,
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetExecutor wires the run executor in after construction. The executor
// and server reference each other (runs broadcast through the server's
// event stream), so one side has to be attached late. Call before Start.
func (s *Server) SetExecutor(executor *scheduler.Executor) {
	s.executor = executor
}

// Start begins serving on the configured port (port 0 picks a free one)
// and starts the hub loop. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.cfg.Port)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("HTTP server stopped", "error", err)
		}
	}()

	s.log.Infow("Server ready", "addr", ln.Addr().String())
	return nil
}

// StartHub starts only the websocket hub loop, for serving through an
// external listener (httptest in package tests).
func (s *Server) StartHub() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains the HTTP server and the hub. In-flight requests get until
// ctx expires; websocket clients are closed immediately.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
			s.log.Warnw("HTTP shutdown incomplete", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "server drain timed out")
	}

	s.log.Infow("Server stopped",
		"dropped_events", s.drops.Load(),
	)
	return nil
}

// run is the hub loop: the single goroutine that mutates the client set
// and fans events out. Client channel sends never block; slow clients are
// dropped.
func (s *Server) run() {
	defer s.closeAllClients()
	for {
		select {
		case <-s.ctx.Done():
			s.log.Debugw("Hub stopping")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.log.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.log.Infow("Client connected",
		"client_id", client.id,
		"user_id", client.userID,
		"total_clients", total,
	)
}

func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()
	s.log.Infow("Client disconnected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// handleEvent fans one run event out to the subscribers of its tenant.
// Only called from the hub loop, so closing slow clients here keeps the
// single-writer invariant on client channels.
func (s *Server) handleEvent(ev *Event) {
	s.mu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		if client.userID == ev.Run.TenantID {
			targets = append(targets, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- ev:
		default:
			s.drops.Add(1)
			s.removeSlowClient(client)
		}
	}
}

// removeSlowClient drops a client whose send buffer is full.
func (s *Server) removeSlowClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	s.mu.Unlock()

	client.close()
	s.log.Warnw("Client send buffer full, removing client",
		"client_id", client.id,
		"total_drops", s.drops.Load(),
	)
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

// BroadcastRunStarted implements scheduler.Broadcaster.
func (s *Server) BroadcastRunStarted(run *store.Run) {
	s.enqueueEvent(&Event{Type: EventRunStarted, Run: run})
}

// BroadcastRunFinished implements scheduler.Broadcaster.
func (s *Server) BroadcastRunFinished(run *store.Run) {
	s.enqueueEvent(&Event{Type: EventRunFinished, Run: run})
}

// enqueueEvent hands an event to the hub without blocking the caller;
// the executor's dispatch path must never wait on websocket consumers.
func (s *Server) enqueueEvent(ev *Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	default:
		s.drops.Add(1)
	}
}
