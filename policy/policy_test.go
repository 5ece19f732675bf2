// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"strings"
	"testing"
)

func mustTable(t *testing.T, rules []Rule) *Table {
	t.Helper()
	table, err := NewTable(rules)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func TestDecideExactBeatsWildcard(t *testing.T) {
	table := mustTable(t, []Rule{
		{Host: "api.example.com", Action: ActionInject, Credential: "example-api"},
		{Host: "*.example.com", Action: ActionPassthrough},
	})

	decision := table.Decide("api.example.com")
	if decision.Action != ActionInject {
		t.Errorf("exact match action = %q, want inject", decision.Action)
	}
	if decision.Credential != "example-api" {
		t.Errorf("credential = %q, want example-api", decision.Credential)
	}

	decision = table.Decide("docs.example.com")
	if decision.Action != ActionPassthrough {
		t.Errorf("wildcard match action = %q, want passthrough", decision.Action)
	}
}

func TestDecideLongestSuffixWins(t *testing.T) {
	table := mustTable(t, []Rule{
		{Host: "*.example.com", Action: ActionDeny},
		{Host: "*.api.example.com", Action: ActionPassthrough},
	})

	if got := table.Decide("v1.api.example.com").Action; got != ActionPassthrough {
		t.Errorf("v1.api.example.com action = %q, want passthrough", got)
	}
	if got := table.Decide("www.example.com").Action; got != ActionDeny {
		t.Errorf("www.example.com action = %q, want deny", got)
	}
}

func TestDecideImplicitDeny(t *testing.T) {
	table := mustTable(t, []Rule{
		{Host: "api.example.com", Action: ActionPassthrough},
	})

	decision := table.Decide("evil.test")
	if decision.Action != ActionDeny {
		t.Errorf("unmatched host action = %q, want deny", decision.Action)
	}
	if decision.Rule != "" {
		t.Errorf("implicit deny should carry no rule, got %q", decision.Rule)
	}
}

func TestWildcardDoesNotMatchApex(t *testing.T) {
	table := mustTable(t, []Rule{
		{Host: "*.example.com", Action: ActionPassthrough},
	})

	if got := table.Decide("example.com").Action; got != ActionDeny {
		t.Errorf("apex should not match subdomain wildcard, got %q", got)
	}
}

func TestDecideNormalizesCaseAndTrailingDot(t *testing.T) {
	table := mustTable(t, []Rule{
		{Host: "API.Example.com", Action: ActionPassthrough},
	})

	if got := table.Decide("api.example.COM.").Action; got != ActionPassthrough {
		t.Errorf("normalized lookup action = %q, want passthrough", got)
	}
}

func TestInjectDefaults(t *testing.T) {
	table := mustTable(t, []Rule{
		{Host: "api.example.com", Action: ActionInject, Credential: "x"},
	})

	decision := table.Decide("api.example.com")
	if decision.Header != "Authorization" {
		t.Errorf("default header = %q, want Authorization", decision.Header)
	}
	if decision.Scheme != "Bearer" {
		t.Errorf("default scheme = %q, want Bearer", decision.Scheme)
	}
}

func TestNewTableValidation(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
		want string
	}{
		{"empty host", Rule{Action: ActionDeny}, "host pattern is required"},
		{"embedded port", Rule{Host: "example.com:443", Action: ActionDeny}, "bare hostname"},
		{"mid wildcard", Rule{Host: "api.*.com", Action: ActionDeny}, "leading"},
		{"bare wildcard", Rule{Host: "*", Action: ActionDeny}, "leading"},
		{"empty wildcard suffix", Rule{Host: "*.", Action: ActionDeny}, "domain suffix"},
		{"missing action", Rule{Host: "example.com"}, "action is required"},
		{"unknown action", Rule{Host: "example.com", Action: "allow"}, "unknown action"},
		{"inject without credential", Rule{Host: "example.com", Action: ActionInject}, "requires a credential"},
		{"deny with credential", Rule{Host: "example.com", Action: ActionDeny, Credential: "x"}, "must not reference"},
		{"passthrough with header", Rule{Host: "example.com", Action: ActionPassthrough, Header: "Authorization"}, "injection fields"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTable([]Rule{tc.rule})
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	_, err := NewTable([]Rule{
		{Host: "example.com", Action: ActionDeny},
		{Host: "EXAMPLE.com", Action: ActionPassthrough},
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate pattern error, got %v", err)
	}
}

func TestParseJSONCWithComments(t *testing.T) {
	table, err := Parse([]byte(`{
		// reviewed 2026-02: anthropic API gets the rotating key
		"rules": [
			{"host": "api.anthropic.com", "action": "inject", "credential": "anthropic", "header": "x-api-key", "scheme": "none"},
			{"host": "*.blocked.test", "action": "deny"}, // trailing comma below is fine
		],
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if table.Len() != 2 {
		t.Errorf("Len() = %d, want 2", table.Len())
	}

	decision := table.Decide("api.anthropic.com")
	if decision.Header != "x-api-key" || decision.Scheme != "none" {
		t.Errorf("header/scheme = %q/%q, want x-api-key/none", decision.Header, decision.Scheme)
	}
	if got := table.Decide("evil.blocked.test").Action; got != ActionDeny {
		t.Errorf("evil.blocked.test action = %q, want deny", got)
	}
}

func TestParseRejectsEmptyPolicy(t *testing.T) {
	if _, err := Parse([]byte(`{"rules": []}`)); err == nil {
		t.Error("expected error for empty rule list")
	}
}
