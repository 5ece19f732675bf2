// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data. The
// gateway uses it for every credential token and for the age identity
// that encrypts the signing key at rest — plaintext secret material
// never lives on the Go heap longer than a parse step.
//
// [Buffer] allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped. Because the memory lives
// outside the Go heap, the garbage collector cannot copy or relocate
// it, so zeroing on Close is final.
//
// [Zero] wipes transient heap slices (raw file contents, decoded JSON
// fields) after their secret content has been moved into a Buffer.
package secret
