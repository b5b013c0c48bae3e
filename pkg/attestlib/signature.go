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
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// SignatureFromDER converts an ASN.1 Ecdsa-Sig-Value into the raw r||s form.
func SignatureFromDER(der []byte) ([]byte, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, errors.New("malformed ASN.1 ecdsa signature")
	}
	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > 8*p256ScalarSize || s.BitLen() > 8*p256ScalarSize {
		return nil, errors.New("ecdsa signature scalar out of range")
	}

	raw := make([]byte, 2*p256ScalarSize)
	r.FillBytes(raw[:p256ScalarSize])
	s.FillBytes(raw[p256ScalarSize:])
	return raw, nil
}
