// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/egress/lib/clock"
	"github.com/bureau-foundation/egress/lib/secret"
)

// ErrNotAvailable is returned when a credential is missing, malformed,
// or past its stated expiry. Callers must treat it as fail-closed: the
// request never reaches the upstream.
var ErrNotAvailable = errors.New("credential not available")

// Record is one credential's current state. Token is owned by the
// caller: it is an independent copy of the source's cached value, so a
// concurrent reload can never invalidate it mid-use. The caller must
// Close it once the request has been served.
type Record struct {
	Name      string
	Token     *secret.Buffer
	ExpiresAt time.Time

	// Generation counts successful reloads of this credential from
	// disk. Recorded in the audit log to correlate a connection with
	// the refresher cycle that produced its credential, without ever
	// recording the value.
	Generation uint64
}

// Source provides credentials by name.
//
// Get returns ErrNotAvailable (possibly wrapped) when the named
// credential cannot be served fresh. The returned record's token is an
// owned copy that the caller closes; Close releases the buffers the
// source itself retains.
type Source interface {
	Get(name string) (*Record, error)
	Close() error
}

// tokenFile is the JSON shape the external refresher writes:
//
//	{"token": "sk-...", "expires_at": "2026-08-26T12:00:00Z"}
type tokenFile struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Dir reads credentials from a directory of <name>.json files
// maintained by an external refresher. Files are re-read after the
// freshness window elapses, so a refreshed token is picked up without
// restarting the gateway.
//
// Thread safety: Get is safe for concurrent use. Close must not be
// called concurrently with Get.
type Dir struct {
	directory string
	freshness time.Duration
	clock     clock.Clock

	mu      sync.Mutex
	entries map[string]*dirEntry
}

type dirEntry struct {
	record   Record
	loadedAt time.Time
}

// NewDir creates a directory-backed credential source. freshness bounds
// how long a read is served from memory before the file is consulted
// again; zero selects the 5 second default.
func NewDir(directory string, freshness time.Duration, clk clock.Clock) *Dir {
	if freshness <= 0 {
		freshness = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Dir{
		directory: directory,
		freshness: freshness,
		clock:     clk,
		entries:   make(map[string]*dirEntry),
	}
}

// Get returns the current record for name, reloading from disk when the
// cached copy is stale. Expired credentials are discarded and reported
// as ErrNotAvailable.
func (d *Dir) Get(name string) (*Record, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("credential name %q is not a plain file name: %w", name, ErrNotAvailable)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	entry, cached := d.entries[name]
	if cached && now.Sub(entry.loadedAt) < d.freshness {
		if !entry.record.ExpiresAt.After(now) {
			return nil, fmt.Errorf("credential %q expired at %s: %w", name, entry.record.ExpiresAt.Format(time.RFC3339), ErrNotAvailable)
		}
		return ownedCopy(&entry.record)
	}

	record, err := d.load(name, now)
	if err != nil {
		// A failed reload invalidates the stale entry rather than
		// serving it: the refresher may have removed the credential
		// deliberately.
		if cached {
			entry.record.Token.Close()
			delete(d.entries, name)
		}
		return nil, err
	}

	generation := uint64(1)
	if cached {
		generation = entry.record.Generation + 1
		entry.record.Token.Close()
	}
	record.Generation = generation

	d.entries[name] = &dirEntry{record: *record, loadedAt: now}
	return ownedCopy(record)
}

// ownedCopy clones the cached record so the caller holds a token with
// its own lifetime. Must be called while the cache entry is still live
// (under the source's lock).
func ownedCopy(record *Record) (*Record, error) {
	token, err := record.Token.Clone()
	if err != nil {
		return nil, fmt.Errorf("copying credential %q: %w", record.Name, err)
	}
	return &Record{
		Name:       record.Name,
		Token:      token,
		ExpiresAt:  record.ExpiresAt,
		Generation: record.Generation,
	}, nil
}

// load reads and validates <directory>/<name>.json. The raw file bytes
// are zeroed after the token has moved into protected memory.
func (d *Dir) load(name string, now time.Time) (*Record, error) {
	path := filepath.Join(d.directory, name+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("credential %q: %w", name, ErrNotAvailable)
		}
		return nil, fmt.Errorf("reading credential %q: %w", name, err)
	}
	defer secret.Zero(raw)

	var parsed tokenFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("credential %q is malformed: %w", name, ErrNotAvailable)
	}
	if parsed.Token == "" {
		return nil, fmt.Errorf("credential %q has no token: %w", name, ErrNotAvailable)
	}
	if parsed.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("credential %q has no expiry: %w", name, ErrNotAvailable)
	}
	if !parsed.ExpiresAt.After(now) {
		return nil, fmt.Errorf("credential %q expired at %s: %w", name, parsed.ExpiresAt.Format(time.RFC3339), ErrNotAvailable)
	}

	token, err := secret.NewFromBytes([]byte(parsed.Token))
	if err != nil {
		return nil, fmt.Errorf("protecting credential %q: %w", name, err)
	}

	return &Record{
		Name:      name,
		Token:     token,
		ExpiresAt: parsed.ExpiresAt,
	}, nil
}

// Close releases all cached credential buffers.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, entry := range d.entries {
		entry.record.Token.Close()
		delete(d.entries, name)
	}
	return nil
}

// Static is an in-memory credential source for tests and development.
type Static struct {
	clock clock.Clock

	mu      sync.Mutex
	records map[string]*Record
}

// NewStatic creates an empty static source.
func NewStatic(clk clock.Clock) *Static {
	if clk == nil {
		clk = clock.Real()
	}
	return &Static{clock: clk, records: make(map[string]*Record)}
}

// Set stores a credential value with the given expiry, replacing any
// previous value for the name.
func (s *Static) Set(name, token string, expiresAt time.Time) error {
	buffer, err := secret.NewFromBytes([]byte(token))
	if err != nil {
		return fmt.Errorf("protecting credential %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	generation := uint64(1)
	if previous, ok := s.records[name]; ok {
		generation = previous.Generation + 1
		previous.Token.Close()
	}
	s.records[name] = &Record{
		Name:       name,
		Token:      buffer,
		ExpiresAt:  expiresAt,
		Generation: generation,
	}
	return nil
}

// Get returns an owned copy of the record for name, or ErrNotAvailable
// when missing or expired.
func (s *Static) Get(name string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("credential %q: %w", name, ErrNotAvailable)
	}
	if !record.ExpiresAt.After(s.clock.Now()) {
		return nil, fmt.Errorf("credential %q expired at %s: %w", name, record.ExpiresAt.Format(time.RFC3339), ErrNotAvailable)
	}
	return ownedCopy(record)
}

// Close releases all credential buffers.
func (s *Static) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, record := range s.records {
		record.Token.Close()
		delete(s.records, name)
	}
	return nil
}

// Verify sources implement Source.
var (
	_ Source = (*Dir)(nil)
	_ Source = (*Static)(nil)
)
