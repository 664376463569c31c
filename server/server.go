// Package server accepts client connections and runs one session per
// connection. Sessions parse requests, validate them and enqueue tasks; the
// worker pool owns all storage access.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ochat/config"
	"ochat/queue"
	"ochat/store"
	"ochat/transport"
)

// Stats are process-lifetime counters, safe to read concurrently.
type Stats struct {
	Accepted uint64
	Active   int64
	Requests uint64
	Errors   uint64
}

type Server struct {
	cfg   *config.Config
	store store.Store
	queue *queue.Queue
	pool  *queue.Pool

	mu       sync.Mutex
	sessions map[*session]struct{}

	accepted atomic.Uint64
	active   atomic.Int64
	requests atomic.Uint64
	errors   atomic.Uint64
}

func New(cfg *config.Config, st store.Store) *Server {
	q := queue.NewQueue()
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		pool:     queue.NewPool(st, q, cfg.Workers, time.Duration(cfg.QueuePollMs)*time.Millisecond),
		sessions: make(map[*session]struct{}),
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Active:   s.active.Load(),
		Requests: s.requests.Load(),
		Errors:   s.errors.Load(),
	}
}

// Run listens, serves and blocks until the context is cancelled. On
// cancellation it stops accepting, cancels every live session and waits for
// the workers to drain.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			listener.Close()
			return fmt.Errorf("load tls keypair: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
		log.Printf("listening on %s (tls)", addr)
	} else {
		log.Printf("listening on %s", addr)
	}

	poolDone := make(chan struct{})
	go func() {
		s.pool.Run(ctx)
		close(poolDone)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("accept: %v", err)
			continue
		}

		s.accepted.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, raw)
		}()
	}

	s.cancelSessions()
	wg.Wait()
	<-poolDone

	stats := s.Stats()
	log.Printf("server stopped: %d connections, %d requests, %d errors",
		stats.Accepted, stats.Requests, stats.Errors)
	return nil
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	conn := transport.NewConn(raw, time.Duration(s.cfg.WriteTimeout)*time.Second)
	defer conn.Close()

	sess := newSession(s, conn)
	s.track(sess)
	defer s.untrack(sess)

	s.active.Add(1)
	defer s.active.Add(-1)

	sess.run(ctx)
}

func (s *Server) track(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// cancelSessions aborts the blocked read of every live session so the
// connection goroutines can unwind.
func (s *Server) cancelSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Cancel()
	}
}
