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
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/pkg/errors"
)

// JWK members for P-256 keys.
const (
	JWKKeyTypeEC   = "EC"
	JWKCurveP256   = "P-256"
	uncompressedEC = 0x04
)

// PublicKeyJWK is the JSON Web Key form of a P-256 public key. X and Y are the
// unpadded base64url encodings of the 32 byte big-endian affine coordinates.
type PublicKeyJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func exportJWK(publicKey *ecdsa.PublicKey) (PublicKeyJWK, error) {
	ecdhKey, err := publicKey.ECDH()
	if err != nil {
		return PublicKeyJWK{}, errors.Wrap(err, "error converting public key")
	}
	// 0x04 || X || Y
	point := ecdhKey.Bytes()
	return PublicKeyJWK{
		Kty: JWKKeyTypeEC,
		Crv: JWKCurveP256,
		X:   base64.RawURLEncoding.EncodeToString(point[1 : 1+p256ScalarSize]),
		Y:   base64.RawURLEncoding.EncodeToString(point[1+p256ScalarSize:]),
	}, nil
}

// ParsePublicKeyJWK decodes and validates a P-256 JWK. Keys of another type or
// curve, coordinates of the wrong length and points that are not on the curve
// are rejected.
func ParsePublicKeyJWK(jwk PublicKeyJWK) (*ecdsa.PublicKey, error) {
	if jwk.Kty != JWKKeyTypeEC {
		return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
	}
	if jwk.Crv != JWKCurveP256 {
		return nil, fmt.Errorf("unsupported curve %q", jwk.Crv)
	}
	x, err := decodeCoordinate(jwk.X)
	if err != nil {
		return nil, errors.Wrap(err, "invalid x coordinate")
	}
	y, err := decodeCoordinate(jwk.Y)
	if err != nil {
		return nil, errors.Wrap(err, "invalid y coordinate")
	}

	point := make([]byte, 0, 1+2*p256ScalarSize)
	point = append(point, uncompressedEC)
	point = append(point, x...)
	point = append(point, y...)
	if _, err := ecdh.P256().NewPublicKey(point); err != nil {
		return nil, errors.Wrap(err, "point is not on P-256")
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

func decodeCoordinate(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != p256ScalarSize {
		return nil, fmt.Errorf("expected %d bytes, got %d", p256ScalarSize, len(b))
	}
	return b, nil
}
