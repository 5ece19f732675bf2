// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bureau-foundation/egress/authority"
	"github.com/bureau-foundation/egress/policy"
)

// session is the per-connection state machine. It is owned exclusively
// by the goroutine handling the connection; the only shared state it
// touches is the policy table, the leaf cache, and the credential
// source, all of which synchronize internally.
type session struct {
	server *Server
	conn   net.Conn
	start  time.Time

	host     string
	port     string
	decision policy.Decision

	outcome              Outcome
	bytesIn              int64
	bytesOut             int64
	requests             int
	authorityGeneration  string
	credentialGeneration uint64
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	sess := &session{
		server:  s,
		conn:    conn,
		start:   time.Now(),
		outcome: OutcomeClientError,
	}
	defer s.audit.record(sess)

	// One connection's failure must never take down the others: a panic
	// in the handler is contained here, logged, and the connection's
	// audit record still flushes on the way out.
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("connection handler panicked",
				"host", sess.host,
				"panic", recovered,
			)
		}
	}()

	// Total deadline for the whole tunnel. Individual reads and writes
	// additionally carry the shorter idle timeout.
	conn.SetDeadline(sess.start.Add(s.connectionDeadline))
	sess.run()
}

func (s *session) run() {
	srv := s.server

	// The CONNECT line is the only plaintext the gateway ever sees
	// from the sandbox.
	s.conn.SetReadDeadline(time.Now().Add(srv.idleTimeout))
	reader := bufio.NewReader(s.conn)
	request, err := http.ReadRequest(reader)
	if err != nil {
		s.outcome = classifyError(err, OutcomeClientError)
		return
	}
	if request.Method != http.MethodConnect {
		writeStatus(s.conn, "405 Method Not Allowed")
		s.outcome = OutcomeClientError
		return
	}

	host, port, err := splitConnectTarget(request.Host)
	if err != nil {
		writeStatus(s.conn, "400 Bad Request")
		s.outcome = OutcomeClientError
		return
	}
	s.host = host
	s.port = port

	s.decision = srv.policy.Decide(host)

	// Denied hosts are refused before any TLS: no handshake, and no
	// leaf certificate is ever issued for a host that was never meant
	// to be inspected.
	if s.decision.Action == policy.ActionDeny {
		writeStatus(s.conn, "403 Forbidden")
		s.outcome = OutcomeDenied
		return
	}

	if _, err := srv.issuer.CertificateFor(host); err != nil {
		if !errors.Is(err, authority.ErrNoAuthority) {
			// Issuance is recoverable (entropy, scheduling); one retry
			// before giving up on the connection.
			_, err = srv.issuer.CertificateFor(host)
		}
		if err != nil {
			if errors.Is(err, authority.ErrNoAuthority) {
				writeStatus(s.conn, "503 Service Unavailable")
				s.outcome = OutcomeAuthorityUnavailable
			} else {
				srv.logger.Error("leaf issuance failed", "host", host, "error", err)
				writeStatus(s.conn, "502 Bad Gateway")
				s.outcome = OutcomeTLSError
			}
			return
		}
	}
	if active := srv.manager.Active(); active != nil {
		s.authorityGeneration = active.Generation()
	}

	if _, err := io.WriteString(s.conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		s.outcome = classifyError(err, OutcomeClientError)
		return
	}

	// The announced SNI may differ from the CONNECT target; it is
	// policy-checked too, so an approved tunnel can never be used to
	// obtain a certificate for a denied host.
	serverConfig := srv.issuer.ServerTLSConfig(host)
	issuerCertificate := serverConfig.GetCertificate
	serverConfig.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if name := hello.ServerName; name != "" && srv.policy.Decide(name).Action == policy.ActionDeny {
			return nil, fmt.Errorf("host %q denied by policy", name)
		}
		return issuerCertificate(hello)
	}

	tlsConn := tls.Server(s.conn, serverConfig)
	defer tlsConn.Close()
	tlsConn.SetReadDeadline(time.Now().Add(srv.idleTimeout))
	if err := tlsConn.Handshake(); err != nil {
		s.outcome = classifyError(err, OutcomeTLSError)
		return
	}

	s.relay(tlsConn)
}

// relay runs the decrypted request/response loop: read one request from
// the sandbox leg, inject if policy says so, forward to the upstream
// leg, stream the response back. Within a session request relay strictly
// precedes response relay.
func (s *session) relay(tlsConn *tls.Conn) {
	srv := s.server
	metered := &meteredConn{conn: tlsConn, in: &s.bytesIn, out: &s.bytesOut}
	reader := bufio.NewReader(metered)

	var upstream *tls.Conn
	var upstreamReader *bufio.Reader
	defer func() {
		if upstream != nil {
			upstream.Close()
		}
	}()

	for {
		tlsConn.SetReadDeadline(time.Now().Add(srv.idleTimeout))
		request, err := http.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.outcome = OutcomeOK
				return
			}
			s.outcome = classifyError(err, OutcomeClientError)
			return
		}

		stripHopByHop(request.Header)

		if s.decision.Action == policy.ActionInject {
			generation, err := srv.injector.Inject(request.Header, s.decision)
			if err != nil {
				// Fail closed: an uninjected request to a host that
				// expects injection never leaves the gateway.
				srv.logger.Warn("credential unavailable, failing closed",
					"host", s.host,
					"credential", s.decision.Credential,
					"error", err,
				)
				writeStatus(metered, "503 Service Unavailable")
				s.outcome = OutcomeCredentialMissing
				return
			}
			s.credentialGeneration = generation
		}

		if upstream == nil {
			upstream, err = s.connectUpstream()
			if err != nil {
				srv.logger.Warn("upstream connection failed",
					"host", s.host,
					"port", s.port,
					"error", err,
				)
				writeStatus(metered, "502 Bad Gateway")
				s.outcome = classifyError(err, OutcomeUpstreamError)
				return
			}
			upstreamReader = bufio.NewReader(upstream)
		}

		upstream.SetWriteDeadline(time.Now().Add(srv.idleTimeout))
		if err := request.Write(upstream); err != nil {
			writeStatus(metered, "502 Bad Gateway")
			s.outcome = classifyError(err, OutcomeUpstreamError)
			return
		}

		upstream.SetReadDeadline(time.Now().Add(srv.idleTimeout))
		response, err := http.ReadResponse(upstreamReader, request)
		if err != nil {
			writeStatus(metered, "502 Bad Gateway")
			s.outcome = classifyError(err, OutcomeUpstreamError)
			return
		}

		stripHopByHop(response.Header)

		// Headers are in; body relay may legitimately outlast the idle
		// timeout (streaming responses), so it runs under the total
		// connection deadline instead.
		upstream.SetReadDeadline(s.start.Add(srv.connectionDeadline))
		err = response.Write(metered)
		response.Body.Close()
		if err != nil {
			s.outcome = classifyError(err, OutcomeClientError)
			return
		}

		s.requests++
		if request.Close || response.Close {
			s.outcome = OutcomeOK
			return
		}
	}
}

// connectUpstream opens the genuine TLS connection to the real target,
// verified against the public roots. Interception happens only on the
// sandbox-facing leg.
func (s *session) connectUpstream() (*tls.Conn, error) {
	srv := s.server

	ctx, cancel := context.WithTimeout(context.Background(), srv.idleTimeout)
	defer cancel()

	raw, err := srv.dialUpstream(ctx, "tcp", net.JoinHostPort(s.host, s.port))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", net.JoinHostPort(s.host, s.port), err)
	}
	raw.SetDeadline(s.start.Add(srv.connectionDeadline))

	tlsConn := tls.Client(raw, &tls.Config{
		ServerName: s.host,
		RootCAs:    srv.upstreamRoots,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("upstream handshake with %s: %w", s.host, err)
	}
	return tlsConn, nil
}

// splitConnectTarget parses the host:port of a CONNECT request. The port
// defaults to 443 when the client omits it.
func splitConnectTarget(target string) (host, port string, err error) {
	if target == "" {
		return "", "", fmt.Errorf("empty CONNECT target")
	}
	host, port, err = net.SplitHostPort(target)
	if err != nil {
		host, port = target, "443"
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || strings.ContainsAny(host, "/ ") {
		return "", "", fmt.Errorf("invalid CONNECT target %q", target)
	}
	return host, port, nil
}

// classifyError maps timeouts to their own outcome so audit review can
// tell a stalled peer from a protocol failure.
func classifyError(err error, fallback Outcome) Outcome {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return OutcomeTimeout
	}
	return fallback
}

// writeStatus writes a minimal HTTP response with no body. Used both on
// the plaintext leg (CONNECT refusals) and inside the tunnel
// (synthesized failures).
func writeStatus(w io.Writer, status string) {
	fmt.Fprintf(w, "HTTP/1.1 %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", status)
}

// meteredConn counts decrypted bytes in both directions for the audit
// record. A session is single-goroutine, so plain additions suffice.
type meteredConn struct {
	conn io.ReadWriter
	in   *int64
	out  *int64
}

func (m *meteredConn) Read(p []byte) (int, error) {
	n, err := m.conn.Read(p)
	*m.in += int64(n)
	return n, err
}

func (m *meteredConn) Write(p []byte) (int, error) {
	n, err := m.conn.Write(p)
	*m.out += int64(n)
	return n, err
}

// hopByHopHeaders lists headers that are connection-scoped and must not
// be forwarded on either leg.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func stripHopByHop(header http.Header) {
	for name := range header {
		if hopByHopHeaders[strings.ToLower(name)] {
			header.Del(name)
		}
	}
}
