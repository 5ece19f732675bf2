// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the sandbox-facing egress proxy.
//
// The gateway is the only network path out of a sandbox. It accepts HTTP
// CONNECT tunnels on a loopback TCP listener, decides per target hostname
// whether to deny, pass through, or inject credentials, and terminates the
// sandbox's TLS with a per-hostname certificate signed by the gateway's own
// authority (authority package). The sandbox trusts this impersonation only
// because the authority certificate was installed into its trust store out
// of band.
//
// [Server] owns the listener and runs one goroutine per accepted connection.
// Each connection is a small state machine: read the CONNECT target, ask the
// policy table for a decision, refuse denied hosts before any TLS happens,
// otherwise handshake with a leaf certificate for the target and relay
// decrypted HTTP requests to the real upstream over a fresh TLS connection
// verified against the public roots. Interception weakens nothing on the
// upstream leg.
//
// For inject hosts the authorization header of every relayed request is
// structurally replaced with the credential named by the matching rule
// (credential package). A missing or expired credential fails the request
// closed: the gateway synthesizes a 503 inside the tunnel and the upstream
// is never contacted.
//
// Every connection produces exactly one audit record through a dedicated
// slog logger: target host, policy action, byte counts, request count,
// outcome, and duration. Header values, bodies, and credential material
// never appear in audit output.
package gateway
