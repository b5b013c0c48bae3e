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
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
)

// ErrSignatureVerification is in the chain of every failed VerifyAttestation.
var ErrSignatureVerification = errors.New("signature verification failed")

// Verify reports whether signature is a valid ECDSA P-256/SHA-256 signature
// of payload under jwk. It needs no state besides the key and never panics on
// malformed input.
func Verify(jwk PublicKeyJWK, payload []byte, signature string) bool {
	publicKey, err := ParsePublicKeyJWK(jwk)
	if err != nil {
		return false
	}
	return verifyRaw(publicKey, payload, signature) == nil
}

func verifyRaw(publicKey *ecdsa.PublicKey, payload []byte, signature string) error {
	sig, err := base64.RawURLEncoding.Strict().DecodeString(signature)
	if err != nil {
		return errors.Wrap(err, "error decoding signature")
	}
	if len(sig) != 2*p256ScalarSize {
		return fmt.Errorf("expected %d byte signature, got %d", 2*p256ScalarSize, len(sig))
	}
	_, hashedPayload, err := hashPayload(payload, EcdsaP256Sha256)
	if err != nil {
		return errors.Wrap(err, "error hashing payload")
	}
	r := new(big.Int).SetBytes(sig[:p256ScalarSize])
	s := new(big.Int).SetBytes(sig[p256ScalarSize:])
	if !ecdsa.Verify(publicKey, hashedPayload, r, s) {
		return errors.New("failed to verify ecdsa signature")
	}
	return nil
}

// KeyIDFromJWK returns the digest URI identifying jwk, the same value
// Identity.KeyID reports for the matching private key.
func KeyIDFromJWK(jwk PublicKeyJWK) (string, error) {
	publicKey, err := ParsePublicKeyJWK(jwk)
	if err != nil {
		return "", err
	}
	return generatePkixPublicKeyId(publicKey)
}

// Verifier contains methods to validate an Attestation.
type Verifier interface {
	// VerifyAttestation finds the public key whose ID matches the
	// attestation's PublicKeyID and uses it to verify the signature.
	VerifyAttestation(att *Attestation) error
}

type verifier struct {
	// PublicKeys is an index of public keys by their ID.
	PublicKeys map[string]*ecdsa.PublicKey
}

// NewVerifier creates a Verifier for attestations signed by any of keys.
func NewVerifier(keys ...PublicKeyJWK) (Verifier, error) {
	keyMap := map[string]*ecdsa.PublicKey{}
	for _, jwk := range keys {
		publicKey, err := ParsePublicKeyJWK(jwk)
		if err != nil {
			return nil, errors.Wrap(err, "invalid public key")
		}
		id, err := generatePkixPublicKeyId(publicKey)
		if err != nil {
			return nil, err
		}
		if _, ok := keyMap[id]; ok {
			glog.Warningf("Key with ID %q already exists in key set. Overwriting previous key.", id)
		}
		keyMap[id] = publicKey
	}
	return &verifier{PublicKeys: keyMap}, nil
}

// VerifyAttestation verifies an Attestation. See Verifier for more details.
// Failures carry the SignatureVerificationFailure kind and wrap
// ErrSignatureVerification.
func (v *verifier) VerifyAttestation(att *Attestation) error {
	if att == nil {
		return verificationFailure(errors.Wrap(ErrSignatureVerification, "nil attestation"))
	}
	publicKey, ok := v.PublicKeys[att.PublicKeyID]
	if !ok {
		return verificationFailure(errors.Wrapf(ErrSignatureVerification, "no public key with ID %q found", att.PublicKeyID))
	}
	if err := verifyRaw(publicKey, att.SerializedPayload, att.Signature); err != nil {
		return verificationFailure(errors.Wrap(ErrSignatureVerification, err.Error()))
	}
	return nil
}

func verificationFailure(err error) error {
	return apierror.Wrap(err, apierror.SignatureVerificationFailure, "venue signature does not verify")
}
