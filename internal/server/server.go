// Package server implements the BRQueue server loop and per-connection
// session handler (spec §2 components 6 and 7, §4.2).
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/GiorgosMarga/brqueue/internal/auth"
	"github.com/GiorgosMarga/brqueue/internal/kernel"
	"github.com/hashicorp/go-hclog"
)

// Server accepts connections and hands each to its own session (spec §2,
// "Server loop"). It owns nothing about queue state itself; that lives
// entirely in the kernel.
type Server struct {
	addr string
	k    *kernel.Kernel
	auth auth.Authenticator
	log  hclog.Logger

	nextSessionID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*session
	ln       net.Listener
}

// New constructs a Server bound to addr, dispatching authenticated
// operations against k and checking credentials through a.
func New(addr string, k *kernel.Kernel, a auth.Authenticator, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Server{
		addr:     addr,
		k:        k,
		auth:     a,
		log:      log.Named("server"),
		sessions: make(map[uint64]*session),
	}
}

// ListenAndServe opens the listening endpoint (spec §6, "Environment: a
// single listening endpoint") and accepts connections until ctx is
// cancelled. Other accept errors are logged and accepting continues.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.closeAllSessions()
				return nil
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		sess := s.newSession(conn)
		go sess.run()
	}
}

// Addr returns the listener's bound address, useful when addr was given
// as "host:0" and the kernel picked the port. It returns nil until
// ListenAndServe has bound the listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) newSession(conn net.Conn) *session {
	id := s.nextSessionID.Add(1)
	sess := newSession(id, conn, s.k, s.auth, s.log)
	sess.onClose = func() { s.forgetSession(id) }
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess
}

func (s *Server) forgetSession(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}
