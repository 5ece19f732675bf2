// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/egress/lib/clock"
)

const (
	// DefaultValidity is the authority certificate lifetime. Short on
	// purpose: frequent rotation bounds the blast radius of a key
	// compromise.
	DefaultValidity = 24 * time.Hour

	// DefaultRotationMargin is how much remaining lifetime triggers
	// proactive rotation, so no request ever observes an expired
	// signer.
	DefaultRotationMargin = 2 * time.Hour

	// DefaultCheckInterval is how often the background loop re-checks
	// the active authority's remaining lifetime.
	DefaultCheckInterval = 5 * time.Minute
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// StateDir is where the authority material lives on disk: the
	// certificate (world-readable, for trust-store installation), the
	// age-encrypted private key, and the gateway's age identity (both
	// owner-only). Required.
	StateDir string

	// Validity is the lifetime of each generated authority.
	// Defaults to DefaultValidity.
	Validity time.Duration

	// RotationMargin triggers rotation when the active authority's
	// remaining lifetime drops below it. Defaults to
	// DefaultRotationMargin.
	RotationMargin time.Duration

	// CheckInterval is the background rotation check period.
	// Defaults to DefaultCheckInterval.
	CheckInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager guarantees a valid signing authority exists at all times and
// rotates it without disrupting live traffic. The active authority is
// published through an atomic pointer; the connection hot path reads it
// without locking. Generation and rotation are serialized by a mutex
// and are rare.
type Manager struct {
	stateDir string
	validity time.Duration
	margin   time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	store *keyStore

	active atomic.Pointer[Authority]

	mu sync.Mutex
	// retired holds rotated-out authorities until their NotAfter
	// passes. A leaf never outlives its signer, so expiry of the
	// authority implies expiry of every leaf it signed.
	retired []*Authority
}

// NewManager loads or creates the gateway's age identity and, when
// persisted authority state exists and is still comfortably valid,
// restores it as the active authority. Restoring across restarts
// matters: the sandbox's trust anchor was installed out of band, and
// regenerating needlessly would invalidate it.
//
// NewManager does not guarantee an active authority — call Ensure
// before accepting traffic.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.StateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}

	manager := &Manager{
		stateDir: config.StateDir,
		validity: config.Validity,
		margin:   config.RotationMargin,
		interval: config.CheckInterval,
		clock:    config.Clock,
		logger:   config.Logger,
	}
	if manager.validity <= 0 {
		manager.validity = DefaultValidity
	}
	if manager.margin <= 0 {
		manager.margin = DefaultRotationMargin
	}
	if manager.interval <= 0 {
		manager.interval = DefaultCheckInterval
	}
	if manager.clock == nil {
		manager.clock = clock.Real()
	}
	if manager.logger == nil {
		manager.logger = slog.Default()
	}
	if manager.margin >= manager.validity {
		return nil, fmt.Errorf("rotation margin %v must be shorter than validity %v", manager.margin, manager.validity)
	}

	store, err := openKeyStore(config.StateDir)
	if err != nil {
		return nil, fmt.Errorf("opening authority key store: %w", err)
	}
	manager.store = store

	restored, err := store.load()
	if err != nil {
		// Unreadable state is recoverable: Ensure generates a fresh
		// authority. The operator must reinstall the trust anchor.
		manager.logger.Warn("persisted authority unusable, will generate fresh", "error", err)
	} else if restored != nil {
		if restored.NotAfter().Sub(manager.clock.Now()) > manager.margin {
			manager.active.Store(restored)
			manager.logger.Info("restored persisted authority",
				"generation", restored.Generation(),
				"not_after", restored.NotAfter(),
			)
		} else {
			manager.logger.Info("persisted authority near expiry, will rotate",
				"generation", restored.Generation(),
				"not_after", restored.NotAfter(),
			)
		}
	}

	return manager, nil
}

// Active returns the authority currently used for new leaf issuance, or
// nil when none is valid. The expiry check here is the fail-closed
// backstop: an expired authority never signs, even if rotation has
// fallen behind.
func (m *Manager) Active() *Authority {
	active := m.active.Load()
	if active == nil {
		return nil
	}
	if !active.NotAfter().After(m.clock.Now()) {
		return nil
	}
	return active
}

// Ensure makes sure a signing authority with more than the rotation
// margin of remaining lifetime is active, generating and persisting a
// new one when needed. On generation failure the previous authority is
// left in place if still valid; when it is not, Active returns nil and
// the gateway refuses new CONNECTs rather than signing with an expired
// key.
func (m *Manager) Ensure() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.pruneRetiredLocked(now)

	current := m.active.Load()
	if current != nil && current.NotAfter().Sub(now) > m.margin {
		return nil
	}

	fresh, err := newAuthority(now, m.validity)
	if err != nil {
		return fmt.Errorf("generating authority: %w", err)
	}
	if err := m.store.save(fresh); err != nil {
		return fmt.Errorf("persisting authority: %w", err)
	}

	// Swap-in is the single atomic choice point for "active": every
	// issuance that loads the pointer after this line signs with the
	// new generation, everything before finished under the old one.
	m.active.Store(fresh)

	if current != nil {
		m.retired = append(m.retired, current)
		m.logger.Info("rotated signing authority",
			"old_generation", current.Generation(),
			"new_generation", fresh.Generation(),
			"not_after", fresh.NotAfter(),
		)
	} else {
		m.logger.Info("generated signing authority",
			"generation", fresh.Generation(),
			"not_after", fresh.NotAfter(),
			"cert_path", m.store.certPath,
		)
	}

	return nil
}

// pruneRetiredLocked drops retired authorities whose validity has
// ended. Callers hold m.mu.
func (m *Manager) pruneRetiredLocked(now time.Time) {
	kept := m.retired[:0]
	for _, old := range m.retired {
		if old.NotAfter().After(now) {
			kept = append(kept, old)
		}
	}
	m.retired = kept
}

// RetiredCount returns the number of rotated-out authorities still
// retained for live sessions.
func (m *Manager) RetiredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retired)
}

// CertPath returns the on-disk path of the world-readable authority
// certificate, for out-of-band installation into the sandbox trust
// store.
func (m *Manager) CertPath() string { return m.store.certPath }

// Run executes the rotation loop until ctx is cancelled. Rotation
// failures are logged and retried at the next tick; the Active expiry
// backstop keeps the gateway fail-closed in the meantime.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Ensure(); err != nil {
				m.logger.Error("authority rotation failed", "error", err)
			}
		}
	}
}
