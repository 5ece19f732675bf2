// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// file is the on-disk shape of a policy table.
type file struct {
	Rules []Rule `json:"rules"`
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals and validates the rule list. Policy files are reviewed as
// security-sensitive configuration, so the format allows // line
// comments, /* block comments */, and trailing commas for readable
// diffs.
func Parse(data []byte) (*Table, error) {
	stripped := jsonc.ToJSON(data)

	var content file
	if err := json.Unmarshal(stripped, &content); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if len(content.Rules) == 0 {
		return nil, fmt.Errorf("policy has no rules; an empty table denies all egress")
	}

	return NewTable(content.Rules)
}

// Load reads a JSONC policy file from disk and parses it.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	table, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}
