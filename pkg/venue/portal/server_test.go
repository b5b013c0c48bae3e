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

package portal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wamimi/proof-of-venue-presence/pkg/attestlib"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/issuer"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/ledger"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/metrics"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/relay"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/testutil"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/zkverify"
)

const (
	localAddr  = "127.0.0.1:52100"
	remoteAddr = "8.8.8.8:52100"
)

var fixedNow = time.Unix(1758412800, 0)

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

type fixture struct {
	srv     *Server
	ledger  *ledger.SqliteLedger
	id      *attestlib.Identity
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	id, err := attestlib.LoadOrGenerate(filepath.Join(dir, "venue.pem"))
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(dir, "portal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	clock := func() time.Time { return fixedNow }
	iss, err := issuer.New(issuer.Config{VenueID: "VENUE_67890", EventID: "EVENT_20250921"}, id, l, clock)
	require.NoError(t, err)

	m := metrics.New()
	opts := Options{
		VenueID:     "VENUE_67890",
		EventID:     "EVENT_20250921",
		ProofAppURL: "http://proof.app.local:3000",
		Issuer:      iss,
		Ledger:      l,
		Metrics:     m,
		Now:         clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return &fixture{srv: srv, ledger: l, id: id, metrics: m}
}

func testRelayConfig() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.NumberOfPublicInputs = 1
	cfg.Policy = relay.Policy{PollInterval: time.Millisecond, MaxAttempts: 5}
	cfg.RegisterSettle = 0
	return cfg
}

// withRelayer relays through a fake relayer.
func withRelayer(t *testing.T, fake *testutil.FakeRelayer, async bool) func(*Options) {
	cfg := testRelayConfig()
	r, err := relay.New(zkverify.New(fake.URL, "test-key", nil), nil, cfg, nil)
	require.NoError(t, err)
	return func(o *Options) {
		o.Relay = r
		o.RelayConfig = cfg
		o.Async = async
	}
}

func (f *fixture) do(t *testing.T, method, path, remote string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rd = strings.NewReader(string(data))
		}
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = remote
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) issue(t *testing.T) issuer.Response {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/issue-nonce", localAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp issuer.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func submission(token string) SubmitRequest {
	return SubmitRequest{
		ProofHex:        "0x" + strings.Repeat("cd", 16),
		PublicInputsHex: strings.Repeat("ab", 32),
		VKHex:           strings.Repeat("ef", 16),
		Token:           token,
	}
}

func metricsBody(t *testing.T, f *fixture) string {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/metrics", localAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestIssueNonce(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.issue(t)

	require.Regexp(t, tokenPattern, resp.Token)
	require.Equal(t, "VENUE_67890", resp.VenueID)
	require.Equal(t, "EVENT_20250921", resp.EventID)
	require.Equal(t, fixedNow.Unix(), resp.IssuedAt)
	require.Len(t, resp.Signature, 86)
	require.Equal(t, f.id.ExportPublicKey(), resp.PublicKeyMaterial)

	pinned := f.id.ExportPublicKey()
	require.NoError(t, issuer.VerifyResponse(&resp, &pinned))

	unused, err := f.ledger.IsUnused(context.Background(), resp.Token)
	require.NoError(t, err)
	require.True(t, unused)

	rec, err := f.ledger.Get(context.Background(), resp.Token)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", rec.Origin)
	require.Contains(t, metricsBody(t, f), "portal_nonces_issued_total 1")
}

func TestIssueNonceDenied(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/issue-nonce", remoteAddr, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode[ErrorResponse](t, rec)
	require.Equal(t, apierror.AccessDenied, body.Error)
	require.Equal(t, "Access denied. Must be connected to venue WiFi.", body.Message)

	stats, err := f.ledger.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, ledger.Stats{}, stats)
	require.Contains(t, metricsBody(t, f), "portal_issue_denied_total 1")
}

func TestSubmitLocalAcceptance(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.issue(t).Token

	rec := f.do(t, http.MethodPost, "/api/submit-proof", localAddr, submission(tok))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SubmitResponse](t, rec)
	require.True(t, resp.Success)
	require.Equal(t, RelayDisabled, resp.Relay)

	record, err := f.ledger.Get(context.Background(), tok)
	require.NoError(t, err)
	require.True(t, record.Used)
	require.NotNil(t, record.UsedAt)
	require.Equal(t, fixedNow.Unix(), *record.UsedAt)

	rec = f.do(t, http.MethodPost, "/api/submit-proof", localAddr, submission(tok))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, apierror.InvalidNonce, decode[ErrorResponse](t, rec).Error)
	require.Contains(t, metricsBody(t, f), `portal_submissions_rejected_total{kind="InvalidNonce"} 1`)
}

func TestSubmitPortalNonceAlias(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.issue(t).Token
	req := submission("")
	req.PortalNonce = tok
	rec := f.do(t, http.MethodPost, "/api/submit-proof", localAddr, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSubmitInvalidNonce(t *testing.T) {
	f := newFixture(t, nil)
	tcs := []struct {
		name  string
		token string
	}{
		{name: "unknown", token: strings.Repeat("0", 64)},
		{name: "malformed", token: "not-a-token"},
		{name: "uppercase", token: strings.Repeat("A", 64)},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/submit-proof", localAddr, submission(tc.token))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, apierror.InvalidNonce, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestSubmitMissingFields(t *testing.T) {
	f := newFixture(t, withRelayer(t, testutil.NewFakeRelayer(t), false))
	tok := f.issue(t).Token

	tcs := []struct {
		name string
		body interface{}
	}{
		{name: "not json", body: "proof"},
		{name: "empty object", body: "{}"},
		{name: "no proof", body: func() SubmitRequest { s := submission(tok); s.ProofHex = ""; return s }()},
		{name: "no vk", body: func() SubmitRequest { s := submission(tok); s.VKHex = " "; return s }()},
		{name: "no inputs", body: func() SubmitRequest { s := submission(tok); s.PublicInputsHex = ""; return s }()},
		{name: "no token", body: submission("")},
		{name: "bad proof hex", body: func() SubmitRequest { s := submission(tok); s.ProofHex = "0xzz"; return s }()},
		{name: "bad vk hex", body: func() SubmitRequest { s := submission(tok); s.VKHex = "abc"; return s }()},
		{name: "wrong input count", body: func() SubmitRequest { s := submission(tok); s.PublicInputsHex = "ab"; return s }()},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/submit-proof", localAddr, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decode[ErrorResponse](t, rec)
			require.Equal(t, apierror.MissingFields, body.Error)
			require.Equal(t, requiredFields, body.Required)
		})
	}

	unused, err := f.ledger.IsUnused(context.Background(), tok)
	require.NoError(t, err)
	require.True(t, unused, "rejected submissions must not consume the token")
}

func TestSubmitConcurrent(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.issue(t).Token

	const n = 16
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- f.do(t, http.MethodPost, "/api/submit-proof", localAddr, submission(tok)).Code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for c := range codes {
		counts[c]++
	}
	require.Equal(t, map[int]int{http.StatusOK: 1, http.StatusBadRequest: n - 1}, counts)
}

func TestSubmitSyncRelay(t *testing.T) {
	fake := testutil.NewFakeRelayer(t)
	fake.SetStatuses(zkverify.StatusPending, zkverify.StatusIncludedInBlock)
	f := newFixture(t, withRelayer(t, fake, false))
	tok := f.issue(t).Token

	rec := f.do(t, http.MethodPost, "/api/submit-proof", localAddr, submission(tok))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SubmitResponse](t, rec)
	require.True(t, resp.Success)
	require.Equal(t, RelaySync, resp.Relay)
	require.Equal(t, relay.StateCompleted, resp.State)
	require.Equal(t, "job-1", resp.JobID)
	require.Equal(t, zkverify.StatusIncludedInBlock, resp.Status)
	require.Equal(t, "0xtx", resp.TxHash)
	require.Equal(t, uint64(2), resp.Attempts)
	require.Equal(t, 1, fake.Calls("register-vk"))
	require.Equal(t, 1, fake.Calls("submit-proof"))
}

func TestSubmitSyncRelayRejected(t *testing.T) {
	fake := testutil.NewFakeRelayer(t)
	fake.SetOptimisticVerify("failed")
	f := newFixture(t, withRelayer(t, fake, false))
	tok := f.issue(t).Token

	rec := f.do(t, http.MethodPost, "/api/submit-proof", localAddr, submission(tok))
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	resp := decode[SubmitResponse](t, rec)
	require.False(t, resp.Success)
	require.Equal(t, apierror.UpstreamRejected, resp.Error)
	require.Equal(t, relay.StateFailed, resp.State)
	require.Equal(t, relay.DetailOptimisticVerify, resp.Detail)
	require.Equal(t, 0, fake.Calls("job-status"))

	unused, err := f.ledger.IsUnused(context.Background(), tok)
	require.NoError(t, err)
	require.False(t, unused, "a failed relay leaves the token consumed")

	rec = f.do(t, http.MethodPost, "/api/submit-proof", localAddr, submission(tok))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAsyncRelay(t *testing.T) {
	fake := testutil.NewFakeRelayer(t)
	f := newFixture(t, withRelayer(t, fake, true))
	tok := f.issue(t).Token

	rec := f.do(t, http.MethodPost, "/api/submit-proof", localAddr, submission(tok))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[SubmitResponse](t, rec)
	require.True(t, resp.Success)
	require.Equal(t, RelayAsync, resp.Relay)
	require.NotEmpty(t, resp.RelayID)

	var snap relay.Snapshot
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/relay/"+resp.RelayID, localAddr, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		snap = decode[relay.Snapshot](t, rec)
		return snap.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, relay.StateCompleted, snap.State)
	require.Equal(t, tok, snap.Token)
	require.Equal(t, "job-1", snap.JobID)

	rec = f.do(t, http.MethodGet, "/api/relay/00000000-0000-0000-0000-000000000000", localAddr, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelayStatusDisabled(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/relay/anything", localAddr, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, apierror.NotFound, decode[ErrorResponse](t, rec).Error)
}

func TestHealth(t *testing.T) {
	tcs := []struct {
		name       string
		mutate     func(t *testing.T) func(*Options)
		configured bool
		mode       string
	}{
		{name: "local only", mutate: func(*testing.T) func(*Options) { return nil }, mode: RelayDisabled},
		{name: "sync", mutate: func(t *testing.T) func(*Options) {
			return withRelayer(t, testutil.NewFakeRelayer(t), false)
		}, configured: true, mode: RelaySync},
		{name: "async", mutate: func(t *testing.T) func(*Options) {
			return withRelayer(t, testutil.NewFakeRelayer(t), true)
		}, configured: true, mode: RelayAsync},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.mutate(t))
			rec := f.do(t, http.MethodGet, "/api/health", remoteAddr, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			want := HealthResponse{
				Status:             "healthy",
				VenueID:            "VENUE_67890",
				EventID:            "EVENT_20250921",
				ZkVerifyConfigured: tc.configured,
				RelayMode:          tc.mode,
				Timestamp:          "2025-09-21T00:00:00.000Z",
			}
			testutil.DeepEqual(t, want, decode[HealthResponse](t, rec))
		})
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	f.issue(t)
	tok := f.issue(t).Token
	rec := f.do(t, http.MethodPost, "/api/submit-proof", localAddr, submission(tok))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/stats", localAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ledger.Stats{Total: 2, Used: 1}, decode[ledger.Stats](t, rec))

	rec = f.do(t, http.MethodGet, "/api/stats", remoteAddr, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLanding(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/", remoteAddr, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "http://proof.app.local:3000", rec.Header().Get("Location"))

	f = newFixture(t, func(o *Options) { o.ProofAppURL = "" })
	rec = f.do(t, http.MethodGet, "/", remoteAddr, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/submit-proof", nil)
	req.RemoteAddr = remoteAddr
	req.Header.Set("Origin", "http://proof.app.local:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/nope", localAddr, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, apierror.NotFound, decode[ErrorResponse](t, rec).Error)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	testutil.CheckError(t, true, err)
}
