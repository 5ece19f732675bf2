// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/bureau-foundation/egress/lib/secret"
)

// keyStore persists authority material under the gateway's state
// directory:
//
//	authority.pem      the certificate, 0644 — installed into the
//	                   sandbox trust store out of band
//	authority.key.age  the private key, age-encrypted, 0600
//	identity.age       the gateway's age X25519 identity, 0600,
//	                   generated on first boot
//
// The private key never touches disk in plaintext. The identity is the
// only plaintext secret in the state directory, protected by file
// permissions alone; compromise of the state directory is compromise of
// the host, at which point the in-memory key is equally exposed.
type keyStore struct {
	certPath     string
	keyPath      string
	identityPath string

	identity *age.X25519Identity
}

// openKeyStore ensures the state directory exists and loads or
// generates the gateway's age identity.
func openKeyStore(stateDir string) (*keyStore, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	store := &keyStore{
		certPath:     filepath.Join(stateDir, "authority.pem"),
		keyPath:      filepath.Join(stateDir, "authority.key.age"),
		identityPath: filepath.Join(stateDir, "identity.age"),
	}

	identity, err := store.loadIdentity()
	if err != nil {
		return nil, err
	}
	store.identity = identity
	return store, nil
}

// loadIdentity reads the persisted age identity, generating and
// persisting a fresh one when none exists.
func (s *keyStore) loadIdentity() (*age.X25519Identity, error) {
	buffer, err := secret.ReadFile(s.identityPath)
	if err == nil {
		defer buffer.Close()
		identity, parseErr := age.ParseX25519Identity(buffer.String())
		if parseErr != nil {
			return nil, fmt.Errorf("parsing age identity %s: %w", s.identityPath, parseErr)
		}
		return identity, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading age identity: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	if err := writeFileAtomic(s.identityPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persisting age identity: %w", err)
	}
	return identity, nil
}

// save persists an authority: certificate world-readable, private key
// age-encrypted owner-only. The key is written before the certificate
// so a crash between the two writes cannot leave a certificate whose
// key is unrecoverable on restart (a dangling key file is harmless).
func (s *keyStore) save(a *Authority) error {
	keyDER, err := x509.MarshalECPrivateKey(a.key)
	if err != nil {
		return fmt.Errorf("marshaling authority key: %w", err)
	}
	defer secret.Zero(keyDER)

	var encrypted bytes.Buffer
	writer, err := age.Encrypt(&encrypted, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(keyDER); err != nil {
		return fmt.Errorf("encrypting authority key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing authority key encryption: %w", err)
	}

	if err := writeFileAtomic(s.keyPath, encrypted.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing authority key: %w", err)
	}
	if err := writeFileAtomic(s.certPath, a.CertPEM(), 0o644); err != nil {
		return fmt.Errorf("writing authority certificate: %w", err)
	}
	return nil
}

// load restores the persisted authority. Returns (nil, nil) when no
// state exists yet (first boot).
func (s *keyStore) load() (*Authority, error) {
	certPEM, err := os.ReadFile(s.certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading authority certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s does not contain a PEM certificate", s.certPath)
	}

	encrypted, err := os.ReadFile(s.keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading authority key: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(encrypted), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting authority key: %w", err)
	}
	keyDER, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted authority key: %w", err)
	}
	defer secret.Zero(keyDER)

	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("parsing authority key: %w", err)
	}

	restored, err := authorityFromParts(key, block.Bytes)
	if err != nil {
		return nil, err
	}
	if !matchesKey(restored.certificate, key) {
		return nil, fmt.Errorf("persisted certificate and key do not match")
	}
	return restored, nil
}

// matchesKey reports whether the certificate's public key corresponds
// to the private key.
func matchesKey(certificate *x509.Certificate, key *ecdsa.PrivateKey) bool {
	public, ok := certificate.PublicKey.(*ecdsa.PublicKey)
	return ok && public.Equal(&key.PublicKey)
}

// writeFileAtomic writes data to a temporary file in the target's
// directory and renames it into place, so readers never observe a
// partial write.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	directory := filepath.Dir(path)
	temporary, err := os.CreateTemp(directory, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tempPath := temporary.Name()

	if err := temporary.Chmod(mode); err != nil {
		temporary.Close()
		os.Remove(tempPath)
		return err
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(tempPath)
		return err
	}
	if err := temporary.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}
