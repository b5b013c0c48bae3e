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

// Package payload defines the canonical byte string a venue signs for every
// attestation. Signer and verifier must produce identical bytes, so the
// layout is fixed:
//
//	venue_id "|" event_id "|" token "|" issued_at
//
// where issued_at is base-10 Unix seconds without padding and token is the
// 64 character lowercase hex nonce.
package payload

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Delimiter separates the fields. No field may contain it.
const Delimiter = "|"

// TokenLength is the length of a hex encoded 256-bit token.
const TokenLength = 64

// Fields are the signed attestation fields.
type Fields struct {
	VenueID  string
	EventID  string
	Token    string
	IssuedAt int64
}

// ValidID reports whether s can be used as a venue or event ID.
func ValidID(s string) error {
	if s == "" {
		return errors.New("must not be empty")
	}
	if strings.Contains(s, Delimiter) {
		return fmt.Errorf("must not contain %q", Delimiter)
	}
	return nil
}

// ValidToken reports whether s is a 64 character lowercase hex string.
func ValidToken(s string) error {
	if len(s) != TokenLength {
		return fmt.Errorf("expected %d hex characters, got %d", TokenLength, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("invalid hex character %q at %d", c, i)
		}
	}
	return nil
}

// Validate checks that f can be encoded unambiguously.
func (f Fields) Validate() error {
	if err := ValidID(f.VenueID); err != nil {
		return errors.Wrap(err, "venue_id")
	}
	if err := ValidID(f.EventID); err != nil {
		return errors.Wrap(err, "event_id")
	}
	if err := ValidToken(f.Token); err != nil {
		return errors.Wrap(err, "token")
	}
	if f.IssuedAt < 0 {
		return fmt.Errorf("issued_at: must not be negative, got %d", f.IssuedAt)
	}
	return nil
}

// Build returns the canonical payload for f.
func Build(f Fields) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid attestation fields")
	}
	var b strings.Builder
	b.Grow(len(f.VenueID) + len(f.EventID) + len(f.Token) + 3 + 20)
	b.WriteString(f.VenueID)
	b.WriteString(Delimiter)
	b.WriteString(f.EventID)
	b.WriteString(Delimiter)
	b.WriteString(f.Token)
	b.WriteString(Delimiter)
	b.WriteString(strconv.FormatInt(f.IssuedAt, 10))
	return []byte(b.String()), nil
}

// Parse splits a canonical payload back into its fields. It rejects anything
// Build would not have produced.
func Parse(data []byte) (Fields, error) {
	parts := strings.Split(string(data), Delimiter)
	if len(parts) != 4 {
		return Fields{}, fmt.Errorf("expected 4 fields, got %d", len(parts))
	}
	issuedAt, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Fields{}, errors.Wrap(err, "issued_at")
	}
	f := Fields{VenueID: parts[0], EventID: parts[1], Token: parts[2], IssuedAt: issuedAt}
	if err := f.Validate(); err != nil {
		return Fields{}, err
	}
	if strconv.FormatInt(issuedAt, 10) != parts[3] {
		return Fields{}, fmt.Errorf("issued_at %q is not in canonical form", parts[3])
	}
	return f, nil
}
