// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bureau-foundation/egress/lib/clock"
	"github.com/bureau-foundation/egress/policy"
)

func injectDecision(credential, header, scheme string) policy.Decision {
	return policy.Decision{
		Action:     policy.ActionInject,
		Credential: credential,
		Header:     header,
		Scheme:     scheme,
		Rule:       "api.example.com",
	}
}

func TestInjectReplacesSandboxHeader(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))
	source := NewStatic(fake)
	defer source.Close()
	if err := source.Set("example-api", "sk-real", fake.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer garbage")
	header.Add("Authorization", "Bearer more-garbage")

	injector := NewInjector(source)
	generation, err := injector.Inject(header, injectDecision("example-api", "Authorization", "Bearer"))
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if generation != 1 {
		t.Errorf("generation = %d, want 1", generation)
	}

	values := header.Values("Authorization")
	if len(values) != 1 {
		t.Fatalf("Authorization has %d values, want exactly 1: %v", len(values), values)
	}
	if values[0] != "Bearer sk-real" {
		t.Errorf("Authorization = %q, want %q", values[0], "Bearer sk-real")
	}
}

func TestInjectRawSchemeAndCustomHeader(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))
	source := NewStatic(fake)
	defer source.Close()
	if err := source.Set("anthropic", "sk-ant-xyz", fake.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	header := http.Header{}
	injector := NewInjector(source)
	if _, err := injector.Inject(header, injectDecision("anthropic", "x-api-key", "none")); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	if got := header.Get("x-api-key"); got != "sk-ant-xyz" {
		t.Errorf("x-api-key = %q, want raw token", got)
	}
}

func TestInjectFailsClosedOnMissingCredential(t *testing.T) {
	source := NewStatic(clock.Fake(time.Unix(0, 0)))
	defer source.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer sandbox-value")

	injector := NewInjector(source)
	_, err := injector.Inject(header, injectDecision("absent", "Authorization", "Bearer"))
	if !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable, got %v", err)
	}

	// Fail-closed contract: the header is untouched so the caller can
	// see the request was never made injectable, and must drop it.
	if got := header.Get("Authorization"); got != "Bearer sandbox-value" {
		t.Errorf("header mutated on failed injection: %q", got)
	}
}

func TestInjectRejectsNonInjectAction(t *testing.T) {
	source := NewStatic(clock.Fake(time.Unix(0, 0)))
	defer source.Close()

	injector := NewInjector(source)
	if _, err := injector.Inject(http.Header{}, policy.Decision{Action: policy.ActionPassthrough}); err == nil {
		t.Error("expected error for non-inject decision")
	}
}
