// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"log/slog"
	"time"
)

// Outcome classifies how a tunnel ended. Exactly one outcome is recorded
// per connection.
type Outcome string

const (
	// OutcomeOK is a tunnel that relayed zero or more requests and
	// closed cleanly.
	OutcomeOK Outcome = "ok"

	// OutcomeDenied is a CONNECT refused by policy before any TLS.
	OutcomeDenied Outcome = "denied"

	// OutcomeTimeout is a tunnel aborted by the total deadline or an
	// idle timeout on either leg.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeClientError is a malformed CONNECT, a non-CONNECT method,
	// or a protocol violation inside the tunnel.
	OutcomeClientError Outcome = "client-error"

	// OutcomeUpstreamError is a failed upstream dial, handshake, or
	// relay. The sandbox receives a synthesized 502.
	OutcomeUpstreamError Outcome = "upstream-error"

	// OutcomeCredentialMissing is an inject host whose credential was
	// missing or expired. Fail-closed: the upstream is never contacted.
	OutcomeCredentialMissing Outcome = "credential-missing"

	// OutcomeAuthorityUnavailable is a CONNECT refused because no valid
	// signing authority exists.
	OutcomeAuthorityUnavailable Outcome = "authority-unavailable"

	// OutcomeTLSError is a failed sandbox-facing handshake or leaf
	// issuance.
	OutcomeTLSError Outcome = "tls-error"
)

// auditLog writes one structured, secret-free record per connection to a
// dedicated logger. Records carry metadata only; header values, bodies,
// and credential material are never included.
type auditLog struct {
	logger *slog.Logger
}

func (a *auditLog) record(s *session) {
	a.logger.LogAttrs(context.Background(), slog.LevelInfo, "egress connection",
		slog.String("host", s.host),
		slog.String("action", string(s.decision.Action)),
		slog.String("rule", s.decision.Rule),
		slog.String("outcome", string(s.outcome)),
		slog.Int64("bytes_in", s.bytesIn),
		slog.Int64("bytes_out", s.bytesOut),
		slog.Int("requests", s.requests),
		slog.String("authority_generation", s.authorityGeneration),
		slog.Uint64("credential_generation", s.credentialGeneration),
		slog.Duration("duration", time.Since(s.start)),
	)
}
