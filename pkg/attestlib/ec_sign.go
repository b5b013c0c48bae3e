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
	"fmt"

	"github.com/pkg/errors"
)

// p256ScalarSize is the byte length of each of r and s in a raw signature.
const p256ScalarSize = 32

// ecSign returns the IEEE P1363 encoding r||s of the signature over the
// hashed payload, each half left-padded to the curve's scalar size.
func ecSign(privateKey *ecdsa.PrivateKey, payload []byte, signatureAlgorithm SignatureAlgorithm) ([]byte, error) {
	switch signatureAlgorithm {
	case EcdsaP256Sha256:
		_, hashedPayload, err := hashPayload(payload, signatureAlgorithm)
		if err != nil {
			return nil, errors.Wrap(err, "hash payload error")
		}
		r, s, err := ecdsa.Sign(randReader, privateKey, hashedPayload)
		if err != nil {
			return nil, errors.Wrap(err, "error creating ecdsa signature")
		}
		sig := make([]byte, 2*p256ScalarSize)
		r.FillBytes(sig[:p256ScalarSize])
		s.FillBytes(sig[p256ScalarSize:])
		return sig, nil
	default:
		return nil, fmt.Errorf("expected ecdsa signature algorithm, got %v", signatureAlgorithm)
	}
}
