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
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/pkg/errors"
)

const (
	pkcs8PemType = "PRIVATE KEY"
	sec1PemType  = "EC PRIVATE KEY"
)

// parsePkixPrivateKeyPem decodes a single PEM block holding a P-256 private
// key in PKCS#8 or SEC1 form.
func parsePkixPrivateKeyPem(privateKey []byte) (*ecdsa.PrivateKey, error) {
	der, rest := pem.Decode(privateKey)
	if der == nil {
		return nil, errors.New("failed to decode PEM")
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, errors.New("expected one private key")
	}

	var key interface{}
	var err error
	switch der.Type {
	case pkcs8PemType:
		key, err = x509.ParsePKCS8PrivateKey(der.Bytes)
	case sec1PemType:
		key, err = x509.ParseECPrivateKey(der.Bytes)
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", der.Type)
	}
	if err != nil {
		return nil, errors.Wrap(err, "error parsing private key")
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("expected ecdsa private key")
	}
	if ecKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("expected P-256 key, got %s", ecKey.Curve.Params().Name)
	}
	return ecKey, nil
}

// marshalPkixPrivateKeyPem encodes the key as a PKCS#8 PEM block.
func marshalPkixPrivateKeyPem(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: pkcs8PemType, Bytes: der}), nil
}

// generatePkixPublicKeyId returns the digest-based URI of the key's
// SubjectPublicKeyInfo.
func generatePkixPublicKeyId(publicKey *ecdsa.PublicKey) (string, error) {
	publicKeyMaterial, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", errors.Wrap(err, "error marshaling public key")
	}
	dgst := sha256.Sum256(publicKeyMaterial)
	base64Dgst := base64.RawURLEncoding.EncodeToString(dgst[:])
	return fmt.Sprintf("ni:///sha-256;%s", base64Dgst), nil
}
