// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"os"
)

// ReadFile reads a secret from a file path into a protected buffer.
// Leading and trailing whitespace is trimmed before storing (key and
// token files commonly carry a trailing newline). The transient heap
// copy is zeroed before returning. Returns an error if the file is
// empty after trimming.
//
// The returned buffer must be closed by the caller.
func ReadFile(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret: %s is empty", path)
	}

	// NewFromBytes copies into mmap-backed memory and zeros trimmed;
	// zero the rest of the original slice (whitespace prefix/suffix).
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
