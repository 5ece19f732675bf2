// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy maps destination hostnames to connection-handling
// decisions. The policy table is the single source of truth for what
// the gateway may touch: it is loaded once at process start, validated,
// and never mutated afterward, which keeps the per-connection decision
// path lock-free.
//
// Matching order is exact hostname, then longest-suffix wildcard, then
// implicit deny. Operators can pin strict rules for specific subdomains
// while defaulting a whole domain to pass-through or deny.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Action says what the gateway does with a connection to a host.
type Action string

const (
	// ActionDeny refuses the CONNECT outright. No TLS interception
	// happens for denied hosts — the gateway never generates a
	// certificate for a host it was never meant to inspect.
	ActionDeny Action = "deny"

	// ActionPassthrough intercepts and relays the exchange unchanged.
	// Used for hosts that must be observable for audit but need no
	// credential.
	ActionPassthrough Action = "passthrough"

	// ActionInject intercepts, relays, and replaces the forwarded
	// request's credential header with the named credential's current
	// value.
	ActionInject Action = "inject"
)

// Rule matches a hostname pattern to an action. Host is either an
// exact hostname ("api.example.com") or a suffix wildcard
// ("*.example.com", which matches subdomains but not the apex).
type Rule struct {
	Host       string `json:"host"`
	Action     Action `json:"action"`
	Credential string `json:"credential,omitempty"`

	// Header is the request header the credential is injected into.
	// Defaults to "Authorization".
	Header string `json:"header,omitempty"`

	// Scheme is the auth scheme prefixed to the credential value
	// ("Bearer" by default). Set to "none" to inject the raw token,
	// for APIs like x-api-key headers.
	Scheme string `json:"scheme,omitempty"`
}

// Decision is the outcome of a policy lookup for one hostname.
type Decision struct {
	Action     Action
	Credential string
	Header     string
	Scheme     string

	// Rule is the host pattern that matched, or "" for the implicit
	// deny. Recorded in the audit log.
	Rule string
}

// Table is an immutable, validated policy table. Decide is
// side-effect-free and safe for unsynchronized concurrent use.
type Table struct {
	exact map[string]Rule

	// suffix holds wildcard rules ordered longest-suffix-first so the
	// most specific wildcard wins.
	suffix []suffixRule
}

type suffixRule struct {
	// suffix includes the leading dot: "*.example.com" stores
	// ".example.com".
	suffix string
	rule   Rule
}

// NewTable validates rules and builds a Table. Duplicate patterns,
// unknown actions, inject rules without a credential reference, and
// non-inject rules carrying one are all rejected — the policy file is
// security-sensitive configuration and silent fixups would hide review
// mistakes.
func NewTable(rules []Rule) (*Table, error) {
	table := &Table{exact: make(map[string]Rule, len(rules))}
	seen := make(map[string]bool, len(rules))

	for index, rule := range rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", index, rule.Host, err)
		}

		host := strings.ToLower(rule.Host)
		if seen[host] {
			return nil, fmt.Errorf("rule %d: duplicate pattern %q", index, rule.Host)
		}
		seen[host] = true

		if rule.Header == "" {
			rule.Header = "Authorization"
		}
		if rule.Scheme == "" {
			rule.Scheme = "Bearer"
		}

		if wildcard, ok := strings.CutPrefix(host, "*"); ok {
			table.suffix = append(table.suffix, suffixRule{suffix: wildcard, rule: rule})
		} else {
			table.exact[host] = rule
		}
	}

	// Longest suffix first: "*.api.example.com" beats "*.example.com".
	sort.SliceStable(table.suffix, func(i, j int) bool {
		return len(table.suffix[i].suffix) > len(table.suffix[j].suffix)
	})

	return table, nil
}

// Decide returns the action for a connection to host. host is a bare
// hostname (no port). Absence of any match is an implicit deny.
func (t *Table) Decide(host string) Decision {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if rule, ok := t.exact[host]; ok {
		return decisionFromRule(rule)
	}

	for _, candidate := range t.suffix {
		if strings.HasSuffix(host, candidate.suffix) {
			return decisionFromRule(candidate.rule)
		}
	}

	return Decision{Action: ActionDeny}
}

// Len returns the number of rules in the table.
func (t *Table) Len() int {
	return len(t.exact) + len(t.suffix)
}

// RequiresCredentials reports whether any rule injects, meaning the
// gateway needs a credential source to serve this table.
func (t *Table) RequiresCredentials() bool {
	for _, rule := range t.exact {
		if rule.Action == ActionInject {
			return true
		}
	}
	for _, candidate := range t.suffix {
		if candidate.rule.Action == ActionInject {
			return true
		}
	}
	return false
}

func decisionFromRule(rule Rule) Decision {
	return Decision{
		Action:     rule.Action,
		Credential: rule.Credential,
		Header:     rule.Header,
		Scheme:     rule.Scheme,
		Rule:       rule.Host,
	}
}

func validateRule(rule Rule) error {
	host := rule.Host
	if host == "" {
		return fmt.Errorf("host pattern is required")
	}
	if strings.ContainsAny(host, "/: ") {
		return fmt.Errorf("host pattern must be a bare hostname (no scheme, port, or path)")
	}
	if strings.Contains(host, "*") && !strings.HasPrefix(host, "*.") {
		return fmt.Errorf("wildcard is only allowed as a leading \"*.\" label")
	}
	if strings.Count(host, "*") > 1 {
		return fmt.Errorf("at most one wildcard is allowed")
	}
	if host == "*." {
		return fmt.Errorf("wildcard pattern needs a domain suffix")
	}

	switch rule.Action {
	case ActionDeny, ActionPassthrough:
		if rule.Credential != "" {
			return fmt.Errorf("action %q must not reference a credential", rule.Action)
		}
		if rule.Header != "" || rule.Scheme != "" {
			return fmt.Errorf("action %q must not configure injection fields", rule.Action)
		}
	case ActionInject:
		if rule.Credential == "" {
			return fmt.Errorf("action %q requires a credential reference", rule.Action)
		}
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q (supported: deny, passthrough, inject)", rule.Action)
	}

	return nil
}
