/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package attestlib

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// For testing
var randReader = rand.Reader

// Identity is the venue signing key. It is immutable once loaded and safe for
// concurrent use.
type Identity struct {
	key   *ecdsa.PrivateKey
	keyID string
	jwk   PublicKeyJWK
}

// NewIdentity wraps an existing P-256 private key.
func NewIdentity(key *ecdsa.PrivateKey) (*Identity, error) {
	if key == nil || key.Curve != elliptic.P256() {
		return nil, errors.New("expected P-256 private key")
	}
	keyID, err := generatePkixPublicKeyId(&key.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "error generating public key id")
	}
	jwk, err := exportJWK(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Identity{key: key, keyID: keyID, jwk: jwk}, nil
}

// LoadIdentity reads a PEM encoded private key from path.
func LoadIdentity(path string) (*Identity, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading private key")
	}
	key, err := parsePkixPrivateKeyPem(pemBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing private key %s", path)
	}
	return NewIdentity(key)
}

// LoadOrGenerate loads the key at path, generating and persisting a new P-256
// key if no file exists. An existing file is never overwritten: if it cannot
// be parsed an error is returned. Generation is guarded by an exclusive lock
// on <path>.lock so that processes starting together agree on one key.
func LoadOrGenerate(path string) (*Identity, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "error creating key directory")
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, errors.Wrap(err, "error locking key file")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			glog.Warningf("error unlocking %s: %v", lock.Path(), err)
		}
	}()

	// Another process may have written the key while we waited.
	id, err = LoadIdentity(path)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), randReader)
	if err != nil {
		return nil, errors.Wrap(err, "error generating key")
	}
	pemBytes, err := marshalPkixPrivateKeyPem(key)
	if err != nil {
		return nil, err
	}
	if err := writeExclusive(path, pemBytes); err != nil {
		return nil, err
	}
	id, err = NewIdentity(key)
	if err != nil {
		return nil, err
	}
	glog.Infof("generated venue signing key %s at %s", id.keyID, path)
	return id, nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return errors.Wrap(err, "error creating key file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "error writing key file")
	}
	return errors.Wrap(f.Close(), "error closing key file")
}

// Sign signs payload with ECDSA P-256/SHA-256 and returns the raw r||s
// signature as unpadded base64url.
func (id *Identity) Sign(payload []byte) (string, error) {
	sig, err := ecSign(id.key, payload, EcdsaP256Sha256)
	if err != nil {
		return "", errors.Wrap(err, "error creating signature")
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// CreateAttestation signs payload and returns it as an Attestation.
func (id *Identity) CreateAttestation(payload []byte) (*Attestation, error) {
	sig, err := id.Sign(payload)
	if err != nil {
		return nil, err
	}
	return &Attestation{
		PublicKeyID:       id.keyID,
		Signature:         sig,
		SerializedPayload: payload,
	}, nil
}

// ExportPublicKey returns the public half of the key as a JWK.
func (id *Identity) ExportPublicKey() PublicKeyJWK {
	return id.jwk
}

// KeyID returns the ni:///sha-256 digest URI of the public key.
func (id *Identity) KeyID() string {
	return id.keyID
}
