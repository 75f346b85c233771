// Package server is the SGN daemon: the HTTP ingestion API, the durable
// publish pipeline, and the outbox-driven WebSocket fan-out.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/JoyciAkira/sgn-core-sub001/metrics"
	"github.com/JoyciAkira/sgn-core-sub001/seen"
	"github.com/JoyciAkira/sgn-core-sub001/store"
	"github.com/JoyciAkira/sgn-core-sub001/trust"
)

// MaxClients caps concurrent WebSocket subscribers.
const MaxClients = 256

// Server owns the daemon's process-wide state. Trust store, seen cache,
// and metrics are constructed by the daemon root and injected here;
// handlers borrow them.
type Server struct {
	db      *sql.DB
	store   *store.Store
	trust   *trust.Store
	seen    *seen.Cache
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger

	clients    map[*Subscriber]bool
	register   chan *Subscriber
	unregister chan *Subscriber
	mu         sync.RWMutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	httpServer *http.Server
}

// New constructs a Server around already-opened collaborators.
func New(db *sql.DB, st *store.Store, tr *trust.Store, sc *seen.Cache, m *metrics.Metrics, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		db:         db,
		store:      st,
		trust:      tr,
		seen:       sc,
		metrics:    m,
		logger:     logger,
		clients:    make(map[*Subscriber]bool),
		register:   make(chan *Subscriber, 8),
		unregister: make(chan *Subscriber, 8),
		ctx:        ctx,
		cancel:     cancel,
	}

	m.SetGaugeSources(
		func() int64 {
			n, err := st.OutboxLen(context.Background())
			if err != nil {
				return 0
			}
			return n
		},
		func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(len(s.clients))
		},
	)

	return s
}

// Run drives the hub loop: subscriber registration and unregistration.
// Delivery itself happens on per-subscriber goroutines.
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case sub := <-s.register:
			s.handleRegister(sub)
		case sub := <-s.unregister:
			s.handleUnregister(sub)
		}
	}
}

func (s *Server) handleRegister(sub *Subscriber) {
	s.mu.Lock()

	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max subscribers reached, rejecting connection",
			"subscriber_id", sub.id,
			"max_clients", MaxClients,
		)
		sub.close()
		return
	}

	s.clients[sub] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Subscriber connected",
		"subscriber_id", sub.id,
		"start_seq", sub.startSeq,
		"total_clients", total,
	)

	// Each subscriber drives its own delivery and read loops.
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		sub.deliverPump()
	}()
	go func() {
		defer s.wg.Done()
		sub.readPump()
	}()
}

func (s *Server) handleUnregister(sub *Subscriber) {
	s.mu.Lock()
	if _, ok := s.clients[sub]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, sub)
	total := len(s.clients)
	s.mu.Unlock()

	sub.close()

	s.logger.Infow("Subscriber disconnected",
		"subscriber_id", sub.id,
		"total_clients", total,
	)
}

// notifySubscribers wakes every delivery loop after a successful enqueue.
// Wakes are level-triggered (buffered depth 1), so a busy loop that
// misses a signal still picks the rows up on its next fetch.
func (s *Server) notifySubscribers() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.clients {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Context returns the server's lifecycle context.
func (s *Server) Context() context.Context {
	return s.ctx
}
