// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package healthsrv serves a loopback-only /healthz and /metrics
// endpoint for the SCADA server — an ambient extension SPEC_FULL.md adds
// beyond spec.md's own components, built the same way
// cmd/cc-backend/server.go stands up its HTTP listener (a gorilla/mux
// router behind a plain net.Listen + http.Server.Serve goroutine), with
// prometheus/client_golang gauges in place of cc-backend's Prometheus
// query client (this server exposes metrics rather than consuming them).
package healthsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scheduler is the liveness source: internal/scheduler.Scheduler's
// Heartbeat method.
type Scheduler interface {
	Heartbeat() time.Duration
}

// SessionSource reports how many TCP clients are currently connected,
// satisfied by internal/tcpserver.Server's SessionCount.
type SessionSource interface {
	SessionCount() int
}

// Config configures the server. An empty ListenAddr disables it entirely
// (Start becomes a no-op), matching spec config's "zero value disables
// the feature" convention used throughout internal/config.Settings.
type Config struct {
	ListenAddr string
	StaleAfter time.Duration // Heartbeat() older than this reports unhealthy; default 5s
}

// Server is the health/metrics HTTP listener.
type Server struct {
	cfg      Config
	sched    Scheduler
	sessions SessionSource

	httpSrv  *http.Server
	listener net.Listener
}

func New(cfg Config, sched Scheduler, sessions SessionSource) *Server {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Second
	}
	return &Server{cfg: cfg, sched: sched, sessions: sessions}
}

// isLoopbackAddr rejects anything but an explicit loopback host, so a
// misconfigured settings file can't accidentally expose internal health
// details on every interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

// Start binds the listener and begins serving in the background. A
// disabled server (empty ListenAddr) returns immediately with no error.
func (s *Server) Start() error {
	if s.cfg.ListenAddr == "" {
		return nil
	}
	if !isLoopbackAddr(s.cfg.ListenAddr) {
		return fmt.Errorf("healthsrv: listen address %q must be loopback-only", s.cfg.ListenAddr)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	// A private registry, not the global DefaultRegisterer: each Server
	// instance (one per process in practice, but also one per test case)
	// must be able to register its gauges without colliding with another.
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "scada_scheduler_heartbeat_age_seconds",
		Help: "Seconds since the scheduler's last completed tick.",
	}, func() float64 { return s.sched.Heartbeat().Seconds() })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "scada_tcp_sessions",
		Help: "Number of currently connected TCP clients.",
	}, func() float64 { return float64(s.sessions.SessionCount()) })

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	cclog.Infof("[HEALTH]> listening on %s", s.cfg.ListenAddr)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			cclog.Errorf("[HEALTH]> serve: %s", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down, if it was started.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type healthBody struct {
	Status          string `json:"status"`
	HeartbeatAgeMs  int64  `json:"heartbeat_age_ms"`
	ConnectedClients int   `json:"connected_clients"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	age := s.sched.Heartbeat()
	body := healthBody{
		Status:           "ok",
		HeartbeatAgeMs:   age.Milliseconds(),
		ConnectedClients: s.sessions.SessionCount(),
	}
	status := http.StatusOK
	if age > s.cfg.StaleAfter {
		body.Status = "stale"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		cclog.Errorf("[HEALTH]> encoding /healthz response: %s", err)
	}
}
