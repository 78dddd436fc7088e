// Package server exposes the optimization pipeline over HTTP: a JSON
// API for run CRUD and provider catalogs, an SSE stream per run, and a
// websocket that multiplexes every run's progress events.
package server

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/hone/ai/provider"
	"github.com/teranos/hone/config"
	"github.com/teranos/hone/logger"
	"github.com/teranos/hone/pipeline"
	"github.com/teranos/hone/store"
)

// MaxClients caps concurrent websocket connections.
const MaxClients = 256

// RunLauncher drives run execution for the API handlers. Implemented by
// pipeline.Runner.
type RunLauncher interface {
	Start(run pipeline.Run) error
	RequestStop(runID string) error
	Cancel(runID string)
	SubmitFeedback(runID, feedback string) error
	Snapshot() pipeline.ResourceSnapshot
}

// Server serves the hone HTTP API and fans run progress out to SSE and
// websocket subscribers.
type Server struct {
	store    *store.Store
	runner   RunLauncher
	notifier *pipeline.Notifier
	registry *provider.Registry
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	cfg     *config.Config
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. The hub does not run until Start (or Run) is
// called.
func New(st *store.Store, runner RunLauncher, notifier *pipeline.Notifier, registry *provider.Registry, cfg *config.Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:      st,
		runner:     runner,
		notifier:   notifier,
		registry:   registry,
		logger:     log,
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetConfig swaps the server's configuration after a config file
// reload. Affects CORS origins and the pipeline defaults applied to new
// runs.
func (s *Server) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Run is the hub event loop: it owns the client set and relays every
// published run event to connected websocket clients.
func (s *Server) Run() {
	events, cancelTap := s.notifier.SubscribeAll()
	defer cancelTap()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.addClient(client)
		case client := <-s.unregister:
			s.removeClient(client)
		case ev := <-events:
			s.broadcastEvent(ev)
		}
	}
}

func (s *Server) addClient(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max websocket clients reached, rejecting connection",
			logger.FieldClientID, client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("WebSocket client connected",
		logger.FieldClientID, client.id,
		"total_clients", total,
	)
}

func (s *Server) removeClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()

	s.logger.Infow("WebSocket client disconnected",
		logger.FieldClientID, client.id,
		"total_clients", total,
	)
}

// broadcastEvent fans one run event out to every connected client.
// Sends never block: a client whose buffer is full misses the event,
// which progress consumers tolerate because the next event or a
// snapshot supersedes it.
func (s *Server) broadcastEvent(ev pipeline.Event) {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- ev:
		default:
			s.logger.Debugw("Dropping event for slow websocket client",
				logger.FieldClientID, client.id,
				logger.FieldRunID, ev.RunID,
				"event", ev.Type,
			)
		}
	}
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
