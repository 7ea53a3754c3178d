// Package server implements the TCP listener and per-connection command
// loop: spec.md §2's "accept connections, decode wire messages, dispatch,
// reply" and §5's "one sequential command loop per accepted connection" (no
// concurrent commands pipelined within a single connection, matching how a
// real mongod session behaves).
//
// Grounded on teacher's modern_session.go (DialModernMGO dials out to a
// mongod and wraps the connection for the session's lifetime) turned
// inside out: this package is itself the thing being dialed into.
package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/oxidedb/oxidedb/internal/config"
	"github.com/oxidedb/oxidedb/internal/cursor"
	"github.com/oxidedb/oxidedb/internal/dispatch"
	"github.com/oxidedb/oxidedb/internal/log"
	"github.com/oxidedb/oxidedb/internal/session"
	"github.com/oxidedb/oxidedb/internal/shadow"
	"github.com/oxidedb/oxidedb/internal/wire"
)

var logger = log.Named("server")

// sessionSweepInterval/sessionTimeout bound how long an idle logical
// session (and any transaction it holds open) survives, per spec.md
// §4.10's logicalSessionTimeoutMinutes of 30.
const (
	sessionSweepInterval = time.Minute
	sessionTimeout       = 30 * time.Minute
)

// Server accepts connections on a single listener and dispatches every
// request it reads against a shared Dispatcher.
type Server struct {
	dispatcher *dispatch.Dispatcher
	cursors    *cursor.Registry
	sessions   *session.Registry
	shadow     *shadow.Forwarder

	listener net.Listener
	wg       sync.WaitGroup

	stopCursorSweep  func()
	stopSessionSweep func()
}

// New builds a Server around an already-constructed Dispatcher. A non-nil
// shadowFwd is wired into the dispatcher so oxidedbShadowMetrics reports its
// counters, and every reply is mirrored to it from its own goroutine.
func New(disp *dispatch.Dispatcher, cursors *cursor.Registry, sessions *session.Registry, shadowFwd *shadow.Forwarder) *Server {
	if shadowFwd != nil {
		disp.Shadow = shadowFwd
	}
	return &Server{
		dispatcher: disp,
		cursors:    cursors,
		sessions:   sessions,
		shadow:     shadowFwd,
	}
}

// StartSweepers launches the background cursor and session reapers.
func (s *Server) StartSweepers(cfg *config.Config) {
	s.stopCursorSweep = s.cursors.RunSweeper(cfg.CursorSweepInterval(), cfg.CursorTimeout())
	s.stopSessionSweep = s.sessions.RunSweeper(sessionSweepInterval, sessionTimeout)
}

// StopSweepers stops the background reapers started by StartSweepers.
func (s *Server) StopSweepers() {
	if s.stopCursorSweep != nil {
		s.stopCursorSweep()
	}
	if s.stopSessionSweep != nil {
		s.stopSessionSweep()
	}
}

// ListenAndServe binds addr and accepts connections until ctx is canceled,
// at which point it stops accepting and waits for in-flight connections to
// finish their current command.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	logger.Infow("listening", "addr", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn runs one connection's sequential command loop: read a
// message, dispatch it, write the reply, repeat. Nothing pipelines within a
// single connection; the next read only happens after the previous reply
// has gone out.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Once ctx is canceled, the next read fails at once, so the loop ends
	// after the command it is currently serving.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	remote := conn.RemoteAddr().String()
	logger.Debugw("connection opened", "remote", remote)

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debugw("connection closed on read error", "remote", remote, "err", err)
			}
			return
		}

		reply := s.dispatcher.Handle(context.Background(), msg.DB, msg.Command)

		if err := wire.WriteReply(conn, msg, reply); err != nil {
			logger.Debugw("connection closed on write error", "remote", remote, "err", err)
			return
		}

		if s.shadow != nil {
			db, cmd := msg.DB, msg.Command
			go s.shadow.Mirror(db, cmd, reply)
		}
	}
}
