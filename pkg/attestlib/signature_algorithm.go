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
	"crypto"
	"crypto/sha256"

	"github.com/pkg/errors"
)

// SignatureAlgorithm specifies the algorithm and hashing function used to
// sign attestation payloads.
type SignatureAlgorithm int

// Enumeration of SignatureAlgorithm
const (
	UnknownSigningAlgorithm SignatureAlgorithm = iota
	// ECDSA on the NIST P-256 curve with a SHA256 digest. The signature is
	// encoded as the 64 byte IEEE P1363 concatenation r||s, which is what
	// WebCrypto and JWS ES256 verifiers expect.
	EcdsaP256Sha256
)

// String returns the JOSE name of the algorithm.
func (a SignatureAlgorithm) String() string {
	switch a {
	case EcdsaP256Sha256:
		return "ES256"
	default:
		return "unknown"
	}
}

// hashPayload returns the hash function and the hashed payload.
func hashPayload(payload []byte, signingAlg SignatureAlgorithm) (crypto.Hash, []byte, error) {
	switch signingAlg {
	case EcdsaP256Sha256:
		hashedPayload := sha256.Sum256(payload)
		return crypto.SHA256, hashedPayload[:], nil
	default:
		return 0, nil, errors.New("invalid signature algorithm")
	}
}
