// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpserver

import (
	"net"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/rtscada/scada-server/internal/auth"
	"github.com/rtscada/scada-server/internal/calc"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/evaluator"
	"github.com/rtscada/scada-server/internal/snapcache"
)

// Hooks is the slice of modulehost.Host the TCP server needs: routing an
// incoming TU command through on_command_received, and letting a module
// claim authentication before the core user table does (spec §4.7/§4.8).
type Hooks interface {
	OnCommandReceived(ctrlCnlNum uint16, cmd []byte, userID uint32, passToClients *bool)
	OnEventChecked(day string, evNum int, userID uint32)
	ValidateUser(name, pw string) (auth.Role, bool)
}

// DirConfig resolves each protocol directory id to a filesystem path,
// primary and mirrored-copy (spec §6: "the 0x80|x mirrored copy set").
type DirConfig struct {
	Current, Hour, Minute, Events, Base, Interface             string
	CurrentCopy, HourCopy, MinuteCopy, EventsCopy, BaseCopy, InterfaceCopy string
}

// Config configures the server. Zero-value durations fall back to the
// spec-mandated defaults (60s idle/TU-queue timeouts).
type Config struct {
	ListenAddr        string
	AppVerLo, AppVerHi uint8

	IdleTimeout  time.Duration
	TUQueueTTL   time.Duration
	PollInterval time.Duration // accept/read polling granularity

	Dirs DirConfig
}

// Server is the single accept/dispatch thread from spec §4.8/§5: one
// goroutine both accepts new connections and services every existing
// client's socket round-robin, rather than the one-goroutine-per-
// connection idiom Go servers usually reach for — the spec's "single
// TCP-accept/dispatch thread" concurrency model is deliberately
// preserved (see DESIGN.md).
type Server struct {
	cfg Config

	authStore *auth.Store
	eval      *evaluator.Evaluator
	minCache  *snapcache.Cache
	hourCache *snapcache.Cache
	ctrlCnls  map[uint16]*channel.CtrlCnl
	calc      *calc.Calculator
	hooks     Hooks

	listener *net.TCPListener

	mu       sync.Mutex
	sessions []*session

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Server. hooks may be nil if no module host is configured.
func New(cfg Config, authStore *auth.Store, eval *evaluator.Evaluator, minCache, hourCache *snapcache.Cache, ctrlCnls map[uint16]*channel.CtrlCnl, calc *calc.Calculator, hooks Hooks) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.TUQueueTTL <= 0 {
		cfg.TUQueueTTL = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return &Server{
		cfg:       cfg,
		authStore: authStore,
		eval:      eval,
		minCache:  minCache,
		hourCache: hourCache,
		ctrlCnls:  ctrlCnls,
		calc:      calc,
		hooks:     hooks,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start resolves the listen address and launches the accept/dispatch
// loop. Returns once the listener is bound.
func (s *Server) Start() error {
	addr, err := net.ResolveTCPAddr("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	cclog.Infof("[TCP]> listening on %s", s.cfg.ListenAddr)

	go s.loop()
	return nil
}

// Stop signals the loop to exit, waits up to budget, then force-closes
// the listener and every connected client socket regardless (spec §5:
// "stop listener, close all client sockets, close the open per-client
// file handles").
func (s *Server) Stop(budget time.Duration) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.doneCh:
	case <-time.After(budget):
		cclog.Warnf("[TCP]> dispatch loop did not stop within %s, forcing shutdown", budget)
	}

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.sessions = nil
}

// SessionCount reports how many clients are currently connected, for
// internal/healthsrv's /healthz and /metrics.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.acceptPending()
		s.serviceClients()
		time.Sleep(s.cfg.PollInterval)
	}
}

// acceptPending accepts at most one new connection per iteration,
// bounding the wait with a short deadline so the same loop iteration
// still gets to service existing clients (spec §4.8's round-robin
// model).
func (s *Server) acceptPending() {
	if err := s.listener.SetDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
		return
	}
	conn, err := s.listener.Accept()
	if err != nil {
		return // timeout or transient accept error: try again next iteration
	}

	sess := newSession(conn)
	if _, err := conn.Write(bannerAck(s.cfg.AppVerLo, s.cfg.AppVerHi)); err != nil {
		cclog.Warnf("[TCP]> writing banner to %s: %s", conn.RemoteAddr(), err)
		sess.close()
		return
	}

	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
	cclog.Debugf("[TCP]> accepted %s", conn.RemoteAddr())
}

// serviceClients polls every connected session once: GC its TU queue,
// disconnect it if idle too long, otherwise attempt a non-blocking
// frame read and dispatch it if one is available.
func (s *Server) serviceClients() {
	now := time.Now()

	s.mu.Lock()
	sessions := append([]*session(nil), s.sessions...)
	s.mu.Unlock()

	var toRemove []*session
	for _, sess := range sessions {
		sess.dequeueExpired(now, s.cfg.TUQueueTTL)

		if sess.idleFor(now) > s.cfg.IdleTimeout {
			cclog.Infof("[TCP]> disconnecting %s: idle for %s", sess.conn.RemoteAddr(), sess.idleFor(now))
			sess.close()
			toRemove = append(toRemove, sess)
			continue
		}

		if err := sess.conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			sess.close()
			toRemove = append(toRemove, sess)
			continue
		}

		// Once a frame has visibly started arriving, give it enough time
		// to finish even if the rest straddles this poll tick: a client
		// with no data waiting shouldn't block the loop, but a frame
		// already mid-transfer shouldn't be abandoned and misread as a
		// new header next iteration either.
		extend := func() {
			sess.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		fr, err := readFrame(sess.r, extend)
		if err != nil {
			if isTimeout(err) {
				continue // no data available this iteration
			}
			cclog.Debugf("[TCP]> %s disconnected: %s", sess.conn.RemoteAddr(), err)
			sess.close()
			toRemove = append(toRemove, sess)
			continue
		}

		sess.touch(now)
		s.dispatch(sess, fr)
	}

	if len(toRemove) > 0 {
		s.mu.Lock()
		s.sessions = removeSessions(s.sessions, toRemove)
		s.mu.Unlock()
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

func removeSessions(all, drop []*session) []*session {
	dropSet := make(map[*session]bool, len(drop))
	for _, d := range drop {
		dropSet[d] = true
	}
	out := all[:0]
	for _, s := range all {
		if !dropSet[s] {
			out = append(out, s)
		}
	}
	return out
}

// broadcastTU enqueues cmd onto every currently connected session other
// than exclude — the server's model for "pass to clients" from
// modulehost's on_command_received hook (spec §4.7): interface clients
// have no separate KP-binding handshake in the protocol, so every
// connected client is offered every TU command and is expected to
// filter by kp_num itself on poll (see DESIGN.md).
func (s *Server) broadcastTU(cmd queuedCommand, exclude *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess == exclude {
			continue
		}
		sess.enqueue(cmd)
	}
}
