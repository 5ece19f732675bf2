// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"fmt"
	"net/http"

	"github.com/bureau-foundation/egress/policy"
)

// Injector rewrites outbound request headers with live credential
// values. It is constructed once and shared by all connections; the
// underlying Source handles its own synchronization.
type Injector struct {
	source Source
}

// NewInjector creates an Injector backed by source.
func NewInjector(source Source) *Injector {
	return &Injector{source: source}
}

// Inject replaces the decision's target header with the named
// credential's current value. Any value the sandbox supplied for that
// header is removed first — replacement, never append.
//
// Returns the record's generation for audit correlation. On a missing
// or expired credential the error wraps [ErrNotAvailable] and the
// header is left untouched; the caller must fail the request rather
// than forward it uninjected.
func (i *Injector) Inject(header http.Header, decision policy.Decision) (uint64, error) {
	if decision.Action != policy.ActionInject {
		return 0, fmt.Errorf("inject called for action %q", decision.Action)
	}

	record, err := i.source.Get(decision.Credential)
	if err != nil {
		return 0, err
	}
	defer record.Token.Close()

	value := record.Token.String()
	if decision.Scheme != "none" {
		value = decision.Scheme + " " + value
	}

	header.Del(decision.Header)
	header.Set(decision.Header, value)
	return record.Generation, nil
}
