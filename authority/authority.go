// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/zeebo/blake3"
)

// ErrNoAuthority is returned when no valid signing authority is
// available. The connection handler refuses new CONNECTs while this
// condition holds.
var ErrNoAuthority = errors.New("no active signing authority")

// generationKey is the BLAKE3 keyed-hash domain for authority
// generation IDs. Fixed constant; the readable ASCII makes the key
// inspectable in hex dumps without weakening the fingerprint.
var generationKey = [32]byte{
	'e', 'g', 'r', 'e', 's', 's', '.', 'a', 'u', 't', 'h', 'o', 'r', 'i', 't', 'y',
	'.', 'g', 'e', 'n', 'e', 'r', 'a', 't', 'i', 'o', 'n', 0, 0, 0, 0, 0,
}

// Authority is one immutable root signing identity. Exactly one
// Authority is active for new leaf issuance at any instant; rotated-out
// authorities remain referenced by leaves already issued under them
// until those leaves expire.
type Authority struct {
	key         *ecdsa.PrivateKey
	certificate *x509.Certificate
	der         []byte
	generation  string
}

// Generation returns this authority's generation ID: the first 8 bytes
// of the keyed BLAKE3 fingerprint of the certificate DER, hex-encoded.
// Stable across process restarts for a persisted authority.
func (a *Authority) Generation() string { return a.generation }

// Certificate returns the authority's X.509 certificate.
func (a *Authority) Certificate() *x509.Certificate { return a.certificate }

// NotAfter returns the end of the authority's validity window. No leaf
// signed by this authority outlives it.
func (a *Authority) NotAfter() time.Time { return a.certificate.NotAfter }

// CertPEM returns the PEM encoding of the authority certificate, the
// exact bytes persisted world-readable for trust-store installation.
func (a *Authority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.der})
}

// newAuthority generates a fresh ECDSA P-256 root valid for the given
// window. The certificate is constrained to leaf signing only:
// CA:true with a zero path length, and key usage limited to
// certificate and CRL signing.
func newAuthority(notBefore time.Time, validity time.Duration) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating authority key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Bureau"},
			CommonName:   "Bureau Egress Gateway CA",
		},
		NotBefore:             notBefore.Add(-5 * time.Minute),
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("creating authority certificate: %w", err)
	}

	return authorityFromParts(key, der)
}

// authorityFromParts assembles an Authority from a parsed key and
// certificate DER, computing the generation fingerprint. Used both for
// fresh generation and for loading persisted state.
func authorityFromParts(key *ecdsa.PrivateKey, der []byte) (*Authority, error) {
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing authority certificate: %w", err)
	}

	// NewKeyed requires exactly 32 bytes, which generationKey
	// guarantees; the error is only returned for wrong key length.
	hasher, err := blake3.NewKeyed(generationKey[:])
	if err != nil {
		panic("authority: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(der)
	sum := hasher.Sum(nil)

	return &Authority{
		key:         key,
		certificate: certificate,
		der:         der,
		generation:  hex.EncodeToString(sum[:8]),
	}, nil
}

// randomSerial returns a random 128-bit certificate serial number.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}
