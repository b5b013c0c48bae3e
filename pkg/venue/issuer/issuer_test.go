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

package issuer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/wamimi/proof-of-venue-presence/pkg/attestlib"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/ledger"
)

var fixedNow = time.Unix(1758412800, 0)

func clock() time.Time { return fixedNow }

type fakeTokens struct {
	token  string
	err    error
	origin string
	at     time.Time
}

func (f *fakeTokens) Issue(_ context.Context, origin string, now time.Time) (string, error) {
	f.origin, f.at = origin, now
	return f.token, f.err
}

type failingSigner struct{ Signer }

func (failingSigner) CreateAttestation([]byte) (*attestlib.Attestation, error) {
	return nil, errors.New("hsm offline")
}

func newIdentity(t *testing.T) *attestlib.Identity {
	t.Helper()
	id, err := attestlib.LoadOrGenerate(filepath.Join(t.TempDir(), "venue.pem"))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

const token = "aa00000000000000000000000000000000000000000000000000000000000001"

func TestIssue(t *testing.T) {
	id := newIdentity(t)
	tokens := &fakeTokens{token: token}
	iss, err := New(Config{VenueID: "VENUE_67890", EventID: "EVENT_20250921"}, id, tokens, clock)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := iss.Issue(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Issue() = %v", err)
	}
	if tokens.origin != "127.0.0.1" || !tokens.at.Equal(fixedNow) {
		t.Errorf("ledger called with (%q, %v)", tokens.origin, tokens.at)
	}
	expected := &Response{
		VenueID:           "VENUE_67890",
		EventID:           "EVENT_20250921",
		Token:             token,
		IssuedAt:          fixedNow.Unix(),
		Signature:         resp.Signature,
		PublicKeyMaterial: id.ExportPublicKey(),
	}
	if diff := cmp.Diff(expected, resp); diff != "" {
		t.Errorf("Issue() mismatch (-want +got):\n%s", diff)
	}

	msg := []byte("VENUE_67890|EVENT_20250921|" + token + "|" + strconv.FormatInt(fixedNow.Unix(), 10))
	if !attestlib.Verify(resp.PublicKeyMaterial, msg, resp.Signature) {
		t.Error("signature does not verify over the canonical payload")
	}
	if err := VerifyResponse(resp, nil); err != nil {
		t.Errorf("VerifyResponse() = %v", err)
	}
}

func TestIssueErrors(t *testing.T) {
	id := newIdentity(t)
	cfg := Config{VenueID: "V", EventID: "E"}

	t.Run("ledger failure returns no attestation", func(t *testing.T) {
		storageErr := apierror.Wrap(errors.New("disk I/O error"), apierror.StorageError, "could not record nonce")
		iss, _ := New(cfg, id, &fakeTokens{err: storageErr}, clock)
		resp, err := iss.Issue(context.Background(), "127.0.0.1")
		if resp != nil {
			t.Errorf("Issue() returned %+v despite ledger failure", resp)
		}
		if apierror.KindOf(err) != apierror.StorageError {
			t.Errorf("Issue() = %v, expected StorageError", err)
		}
	})

	t.Run("signing failure", func(t *testing.T) {
		iss, _ := New(cfg, failingSigner{id}, &fakeTokens{token: token}, clock)
		if _, err := iss.Issue(context.Background(), "127.0.0.1"); apierror.KindOf(err) != apierror.Internal {
			t.Errorf("Issue() = %v, expected Internal", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		if _, err := New(Config{VenueID: "A|B", EventID: "E"}, id, &fakeTokens{}, clock); err == nil {
			t.Error("New() accepted a venue id containing the delimiter")
		}
		if _, err := New(Config{VenueID: "A", EventID: ""}, id, &fakeTokens{}, clock); err == nil {
			t.Error("New() accepted an empty event id")
		}
	})
}

func TestVerifyResponse(t *testing.T) {
	id := newIdentity(t)
	other := newIdentity(t).ExportPublicKey()
	iss, _ := New(Config{VenueID: "VENUE_67890", EventID: "EVENT_20250921"}, id, &fakeTokens{token: token}, clock)
	good, err := iss.Issue(context.Background(), "10.1.1.1")
	if err != nil {
		t.Fatal(err)
	}
	pinned := id.ExportPublicKey()

	tcs := []struct {
		name   string
		mutate func(r *Response)
		pinned *attestlib.PublicKeyJWK
		ok     bool
	}{
		{name: "untouched", mutate: func(*Response) {}, ok: true},
		{name: "untouched pinned", mutate: func(*Response) {}, pinned: &pinned, ok: true},
		{name: "changed venue", mutate: func(r *Response) { r.VenueID = "VENUE_1" }},
		{name: "changed event", mutate: func(r *Response) { r.EventID = "EVENT_1" }},
		{name: "changed token", mutate: func(r *Response) { r.Token = "bb" + r.Token[2:] }},
		{name: "changed timestamp", mutate: func(r *Response) { r.IssuedAt++ }},
		{name: "swapped key", mutate: func(r *Response) { r.PublicKeyMaterial = other }},
		{name: "pinned key mismatch", mutate: func(*Response) {}, pinned: &other},
		{name: "empty signature", mutate: func(r *Response) { r.Signature = "" }},
		{name: "malformed key material", mutate: func(r *Response) { r.PublicKeyMaterial.X = "AA" }},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			r := *good
			tc.mutate(&r)
			err := VerifyResponse(&r, tc.pinned)
			if tc.ok {
				if err != nil {
					t.Errorf("VerifyResponse() = %v, expected nil", err)
				}
				return
			}
			if apierror.KindOf(err) != apierror.SignatureVerificationFailure {
				t.Errorf("VerifyResponse() = %v, expected SignatureVerificationFailure", err)
			}
		})
	}
}

func TestResponseJSON(t *testing.T) {
	resp := Response{
		VenueID:   "VENUE_67890",
		EventID:   "EVENT_20250921",
		Token:     token,
		IssuedAt:  1758412800,
		Signature: "sig",
		PublicKeyMaterial: attestlib.PublicKeyJWK{
			Kty: "EC", Crv: "P-256", X: "x", Y: "y",
		},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	expected := `{"venue_id":"VENUE_67890","event_id":"EVENT_20250921","token":"` + token + `","issued_at":1758412800,"signature":"sig","public_key_material":{"kty":"EC","crv":"P-256","x":"x","y":"y"}}`
	if diff := cmp.Diff(expected, string(b)); diff != "" {
		t.Errorf("json mismatch (-want +got):\n%s", diff)
	}
}

// End to end against the SQLite ledger.
func TestIssueWithLedger(t *testing.T) {
	l, err := ledger.Open(filepath.Join(t.TempDir(), "portal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	iss, _ := New(Config{VenueID: "V", EventID: "E"}, newIdentity(t), l, clock)

	resp, err := iss.Issue(context.Background(), "192.168.0.2")
	if err != nil {
		t.Fatal(err)
	}
	rec, err := l.Get(context.Background(), resp.Token)
	if err != nil || rec == nil {
		t.Fatalf("Get() = %v, %v", rec, err)
	}
	if rec.Used || rec.Origin != "192.168.0.2" || rec.IssuedAt != resp.IssuedAt {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestVerifyResponseWrapsVerifierError(t *testing.T) {
	id := newIdentity(t)
	iss, _ := New(Config{VenueID: "V", EventID: "E"}, id, &fakeTokens{token: token}, clock)
	resp, err := iss.Issue(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	resp.IssuedAt++
	err = VerifyResponse(resp, nil)
	if !errors.Is(err, attestlib.ErrSignatureVerification) {
		t.Errorf("VerifyResponse() = %v, expected to wrap %v", err, attestlib.ErrSignatureVerification)
	}
	if got := apierror.HTTPStatus(apierror.KindOf(err)); got != 422 {
		t.Errorf("HTTPStatus() = %d, expected 422", got)
	}
}
