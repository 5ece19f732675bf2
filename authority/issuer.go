// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/egress/lib/clock"
)

// DefaultLeafTTL is the leaf certificate lifetime. A leaf never
// outlives its signing authority, so the effective lifetime is the
// smaller of this and the authority's remaining validity.
const DefaultLeafTTL = 6 * time.Hour

// Issuer produces short-lived per-hostname server certificates signed
// by the manager's active authority, cached until the leaf or its
// authority expires.
//
// The cache is purely a performance optimization: correctness depends
// only on never serving a leaf whose signing generation is no longer
// active. Concurrent first requests for the same hostname collapse to
// one issuance.
type Issuer struct {
	manager *Manager
	leafTTL time.Duration
	clock   clock.Clock

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*leafEntry
}

type leafEntry struct {
	certificate *tls.Certificate
	expiry      time.Time
	generation  string
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	// Manager supplies the active signing authority. Required.
	Manager *Manager

	// LeafTTL bounds leaf certificate lifetime. Defaults to
	// DefaultLeafTTL.
	LeafTTL time.Duration

	Clock clock.Clock
}

// NewIssuer creates an Issuer.
func NewIssuer(config IssuerConfig) (*Issuer, error) {
	if config.Manager == nil {
		return nil, fmt.Errorf("authority manager is required")
	}
	leafTTL := config.LeafTTL
	if leafTTL <= 0 {
		leafTTL = DefaultLeafTTL
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Issuer{
		manager: config.Manager,
		leafTTL: leafTTL,
		clock:   clk,
		cache:   make(map[string]*leafEntry),
	}, nil
}

// CertificateFor returns a server certificate for host, issuing one
// when the cache has no entry signed by the active authority. Returns
// ErrNoAuthority (wrapped) when no valid signing authority exists.
func (i *Issuer) CertificateFor(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return nil, fmt.Errorf("hostname is required")
	}

	active := i.manager.Active()
	if active == nil {
		return nil, fmt.Errorf("issuing certificate for %q: %w", host, ErrNoAuthority)
	}

	if certificate := i.cached(host, active.Generation()); certificate != nil {
		return certificate, nil
	}

	// Single-flight per hostname: the second concurrent caller waits
	// for the first's result instead of issuing a duplicate.
	result, err, _ := i.group.Do(host, func() (any, error) {
		// Re-check under the flight: a racing caller may have
		// populated the cache between our miss and winning the flight.
		if certificate := i.cached(host, active.Generation()); certificate != nil {
			return certificate, nil
		}

		certificate, expiry, err := i.issue(host, active)
		if err != nil {
			return nil, err
		}

		i.mu.Lock()
		i.cache[host] = &leafEntry{
			certificate: certificate,
			expiry:      expiry,
			generation:  active.Generation(),
		}
		i.mu.Unlock()
		return certificate, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*tls.Certificate), nil
}

// cached returns the cache entry for host when it is still valid under
// the given active generation, nil otherwise. Entries from rotated-out
// generations are treated as misses and lazily replaced; sessions
// already negotiated with them are unaffected.
func (i *Issuer) cached(host, generation string) *tls.Certificate {
	i.mu.RLock()
	defer i.mu.RUnlock()

	entry, ok := i.cache[host]
	if !ok {
		return nil
	}
	if entry.generation != generation {
		return nil
	}
	if !entry.expiry.After(i.clock.Now()) {
		return nil
	}
	return entry.certificate
}

// Cached reports whether a valid certificate for host is currently
// cached under the active authority.
func (i *Issuer) Cached(host string) bool {
	active := i.manager.Active()
	if active == nil {
		return false
	}
	return i.cached(strings.ToLower(host), active.Generation()) != nil
}

// issue generates a keypair and a certificate for host signed by the
// authority. Validity is capped at the authority's NotAfter so a leaf
// never outlives its signer.
func (i *Issuer) issue(host string, authority *Authority) (*tls.Certificate, time.Time, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("generating leaf key for %q: %w", host, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, time.Time{}, err
	}

	now := i.clock.Now()
	notAfter := now.Add(i.leafTTL)
	if notAfter.After(authority.NotAfter()) {
		notAfter = authority.NotAfter()
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Bureau"},
			CommonName:   host,
		},
		NotBefore:   now.Add(-5 * time.Minute),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, authority.certificate, key.Public(), authority.key)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("signing leaf for %q: %w", host, err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parsing issued leaf for %q: %w", host, err)
	}

	certificate := &tls.Certificate{
		// Include the authority certificate so clients that have only
		// the root pinned can build the chain without fetching.
		Certificate: [][]byte{der, authority.der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return certificate, notAfter, nil
}

// ServerTLSConfig builds the sandbox-facing TLS configuration for one
// tunnel. The SNI the client announces takes precedence; connectHost
// (from the CONNECT target) is the fallback for clients that omit SNI.
func (i *Issuer) ServerTLSConfig(connectHost string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = connectHost
			}
			return i.CertificateFor(host)
		},
	}
}
