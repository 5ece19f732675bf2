// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential supplies current, non-expired secret material for
// named credentials and applies it to outbound requests. It is the only
// package that touches live secret values: the policy engine sees only
// credential names, and the audit log sees neither.
//
// [Dir] is the production source. An external refresher process keeps
// one JSON file per credential ({token, expires_at}) in a directory the
// gateway can read; the gateway never writes there. Reads go through a
// short freshness cache, and anything past its stated expiry is treated
// as not available — a stale credential is never forwarded hoping it
// still works.
//
// [Injector] applies a credential to a request. Injection is structural,
// not textual: the target header is deleted and then set, so a
// sandbox-supplied header of the same name can never smuggle through or
// be confused with the injected one. When the credential is missing or
// expired the injector returns [ErrNotAvailable] and the connection
// handler fails closed.
//
// Token bytes live in [secret.Buffer] mmap memory (locked against swap,
// excluded from core dumps) for as long as they are cached. A [Record]
// handed out by Get carries its own copy of the token, so a reload or
// replacement on another connection can never invalidate it mid-use;
// the receiver closes it once the request has been served.
package credential
