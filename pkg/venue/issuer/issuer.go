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

// Package issuer produces signed venue attestations.
package issuer

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/wamimi/proof-of-venue-presence/pkg/attestlib"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/payload"
)

// Response is the issuance response sent to clients. A remote verifier
// rebuilds the payload from VenueID, EventID, Token and IssuedAt.
type Response struct {
	VenueID           string                 `json:"venue_id"`
	EventID           string                 `json:"event_id"`
	Token             string                 `json:"token"`
	IssuedAt          int64                  `json:"issued_at"`
	Signature         string                 `json:"signature"`
	PublicKeyMaterial attestlib.PublicKeyJWK `json:"public_key_material"`
}

// Fields returns the signed fields of r.
func (r *Response) Fields() payload.Fields {
	return payload.Fields{VenueID: r.VenueID, EventID: r.EventID, Token: r.Token, IssuedAt: r.IssuedAt}
}

// Signer signs payloads with the venue key.
type Signer interface {
	CreateAttestation(payload []byte) (*attestlib.Attestation, error)
	ExportPublicKey() attestlib.PublicKeyJWK
}

// TokenIssuer records new tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, origin string, now time.Time) (string, error)
}

// Config holds the static attestation fields.
type Config struct {
	VenueID string
	EventID string
}

// Issuer creates attestations.
type Issuer struct {
	cfg    Config
	signer Signer
	tokens TokenIssuer
	now    func() time.Time
}

// New returns an Issuer. If now is nil, time.Now is used.
func New(cfg Config, signer Signer, tokens TokenIssuer, now func() time.Time) (*Issuer, error) {
	if err := payload.ValidID(cfg.VenueID); err != nil {
		return nil, errors.Wrap(err, "venue_id")
	}
	if err := payload.ValidID(cfg.EventID); err != nil {
		return nil, errors.Wrap(err, "event_id")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{cfg: cfg, signer: signer, tokens: tokens, now: now}, nil
}

// Issue records a token for origin and returns the signed attestation. No
// attestation is returned if the token could not be recorded.
func (i *Issuer) Issue(ctx context.Context, origin string) (*Response, error) {
	now := i.now()
	token, err := i.tokens.Issue(ctx, origin, now)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		VenueID:  i.cfg.VenueID,
		EventID:  i.cfg.EventID,
		Token:    token,
		IssuedAt: now.Unix(),
	}
	msg, err := payload.Build(resp.Fields())
	if err != nil {
		return nil, apierror.Wrap(err, apierror.Internal, "could not build attestation payload")
	}
	att, err := i.signer.CreateAttestation(msg)
	if err != nil {
		return nil, apierror.Wrap(err, apierror.Internal, "could not sign attestation")
	}
	resp.Signature = att.Signature
	resp.PublicKeyMaterial = i.signer.ExportPublicKey()

	glog.Infof("issued nonce %s... to %s", token[:8], origin)
	return resp, nil
}

// VerifyResponse rebuilds the payload of resp and checks its signature. If
// pinned is non-nil the signature must verify under it rather than the key
// embedded in resp.
func VerifyResponse(resp *Response, pinned *attestlib.PublicKeyJWK) error {
	if resp == nil {
		return apierror.New(apierror.SignatureVerificationFailure, "empty attestation")
	}
	msg, err := payload.Build(resp.Fields())
	if err != nil {
		return apierror.Wrap(err, apierror.SignatureVerificationFailure, "malformed attestation")
	}
	key := resp.PublicKeyMaterial
	if pinned != nil {
		key = *pinned
	}
	v, err := attestlib.NewVerifier(key)
	if err != nil {
		return apierror.Wrap(err, apierror.SignatureVerificationFailure, "invalid public key material")
	}
	keyID, err := attestlib.KeyIDFromJWK(key)
	if err != nil {
		return apierror.Wrap(err, apierror.SignatureVerificationFailure, "invalid public key material")
	}
	return v.VerifyAttestation(&attestlib.Attestation{
		PublicKeyID:       keyID,
		Signature:         resp.Signature,
		SerializedPayload: msg,
	})
}
