// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authority owns the gateway's signing identity: the
// self-signed root that the sandbox trusts, and the short-lived
// per-hostname leaf certificates presented on the sandbox-facing TLS
// leg.
//
// [Manager] guarantees a valid root exists at all times and rotates it
// on a schedule. Rotation is additive: the outgoing root stays in
// memory until every leaf it signed has expired, so sessions negotiated
// moments before a rotation complete normally — only new issuance
// switches to the new root. The active root is an atomically-swapped
// immutable snapshot; readers on the connection hot path never take a
// lock. Each root carries a generation ID (a keyed BLAKE3 fingerprint
// of the certificate DER) used for leaf cache invalidation and audit
// correlation.
//
// On disk, the root certificate is world-readable so it can be
// installed into the sandbox's trust store once, out of band. The
// private key is never written in plaintext: it is age-encrypted to an
// X25519 identity the gateway generates on first boot and keeps
// owner-only. Loss or corruption of the persisted state is recoverable
// (a fresh root is generated), at the cost of re-installing the trust
// anchor.
//
// [Issuer] produces leaf certificates on demand, cached per hostname
// until the leaf or its signing root expires. Concurrent first requests
// for the same hostname are collapsed to a single issuance via
// singleflight. A leaf's lifetime never exceeds its root's.
package authority
