// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/egress/authority"
	"github.com/bureau-foundation/egress/credential"
	"github.com/bureau-foundation/egress/policy"
)

// Server is the sandbox-facing egress proxy: a loopback TCP listener
// accepting HTTP CONNECT tunnels, one goroutine per connection.
type Server struct {
	listenAddress      string
	policy             *policy.Table
	manager            *authority.Manager
	issuer             *authority.Issuer
	injector           *credential.Injector
	connectionDeadline time.Duration
	idleTimeout        time.Duration
	upstreamRoots      *x509.CertPool
	dialUpstream       func(ctx context.Context, network, address string) (net.Conn, error)
	logger             *slog.Logger
	audit              *auditLog

	listener net.Listener
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// ServerConfig holds configuration for creating a new Server.
type ServerConfig struct {
	// ListenAddress is the sandbox-facing TCP address. Required.
	ListenAddress string

	// Policy is the loaded, immutable policy table. Required.
	Policy *policy.Table

	// Manager supplies the active signing authority. Required.
	Manager *authority.Manager

	// Issuer supplies per-hostname leaf certificates. Required.
	Issuer *authority.Issuer

	// Injector applies credentials to relayed requests. Required when
	// any policy rule injects.
	Injector *credential.Injector

	// ConnectionDeadline bounds the total lifetime of one tunnel.
	// Defaults to 5m.
	ConnectionDeadline time.Duration

	// IdleTimeout bounds each individual read or write on either leg.
	// Defaults to 1m.
	IdleTimeout time.Duration

	// UpstreamRoots verifies upstream server certificates. Nil means
	// the system root pool; interception never weakens the upstream leg.
	UpstreamRoots *x509.CertPool

	// DialUpstream optionally overrides how upstream TCP connections
	// are opened. Nil means a plain net.Dialer bounded by IdleTimeout.
	DialUpstream func(ctx context.Context, network, address string) (net.Conn, error)

	// Logger for operational logging.
	Logger *slog.Logger

	// AuditLogger receives the per-connection audit records. Defaults
	// to Logger.
	AuditLogger *slog.Logger
}

// NewServer creates a new egress gateway server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.ListenAddress == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if config.Policy == nil {
		return nil, fmt.Errorf("policy table is required")
	}
	if config.Manager == nil {
		return nil, fmt.Errorf("authority manager is required")
	}
	if config.Issuer == nil {
		return nil, fmt.Errorf("leaf issuer is required")
	}
	if config.Injector == nil && config.Policy.RequiresCredentials() {
		return nil, fmt.Errorf("policy contains inject rules but no injector was provided")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auditLogger := config.AuditLogger
	if auditLogger == nil {
		auditLogger = logger
	}

	server := &Server{
		listenAddress:      config.ListenAddress,
		policy:             config.Policy,
		manager:            config.Manager,
		issuer:             config.Issuer,
		injector:           config.Injector,
		connectionDeadline: config.ConnectionDeadline,
		idleTimeout:        config.IdleTimeout,
		upstreamRoots:      config.UpstreamRoots,
		dialUpstream:       config.DialUpstream,
		logger:             logger,
		audit:              &auditLog{logger: auditLogger},
		conns:              make(map[net.Conn]struct{}),
	}
	if server.connectionDeadline <= 0 {
		server.connectionDeadline = 5 * time.Minute
	}
	if server.idleTimeout <= 0 {
		server.idleTimeout = time.Minute
	}
	if server.dialUpstream == nil {
		dialer := &net.Dialer{Timeout: server.idleTimeout}
		server.dialUpstream = dialer.DialContext
	}

	return server, nil
}

// Start begins listening and accepting tunnels.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddress, err)
	}
	s.listener = listener

	s.logger.Info("egress gateway started", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(listener)

	// Notify systemd that we're ready (no-op if not running under systemd)
	notifySystemd("READY=1")

	return nil
}

// Addr returns the listener's address. Useful when ListenAddress
// requested an ephemeral port.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Accept fails permanently once the listener is closed
			// during shutdown.
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
}

// Shutdown stops accepting new tunnels immediately, waits for in-flight
// tunnels up to the context deadline, then force-closes whatever remains.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down egress gateway")
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := s.conns
	s.conns = nil
	s.mu.Unlock()
	for conn := range remaining {
		conn.Close()
	}

	<-done
	return ctx.Err()
}

// notifySystemd sends a notification to systemd's sd_notify socket.
// Does nothing if NOTIFY_SOCKET is not set.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.Write([]byte(state))
}
