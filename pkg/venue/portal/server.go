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

// Package portal serves the venue portal HTTP API.
package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/gate"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/issuer"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/ledger"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/metrics"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/relay"
)

// maxBodyBytes bounds a proof submission body.
const maxBodyBytes = 8 << 20

// AttestationIssuer issues signed nonces.
type AttestationIssuer interface {
	Issue(ctx context.Context, origin string) (*issuer.Response, error)
}

// Options configures a Server.
type Options struct {
	VenueID     string
	EventID     string
	ProofAppURL string

	Issuer AttestationIssuer
	Ledger ledger.Ledger
	// Gate defaults to gate.Default().
	Gate *gate.Gate
	// Relay forwards consumed proofs. If nil, proofs are accepted locally.
	Relay relay.Runner
	// RelayConfig validates submissions before their token is consumed.
	RelayConfig relay.Config
	// Async runs relays in the background and answers with a relay id.
	Async bool
	// Retention is how long finished background relays stay queryable.
	Retention time.Duration
	Metrics   *metrics.Metrics

	// For testing
	Now func() time.Time
}

// Server implements the portal API.
type Server struct {
	opts    Options
	gate    *gate.Gate
	tracker *relay.Tracker
	now     func() time.Time
	handler http.Handler
}

// New returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Issuer == nil {
		return nil, errors.New("an issuer is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("a ledger is required")
	}
	s := &Server{opts: opts, gate: opts.Gate, now: opts.Now}
	if s.gate == nil {
		s.gate = gate.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Relay != nil && opts.Async {
		s.tracker = relay.NewTracker(opts.Relay, opts.Retention)
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", s.landing)
	r.Route("/api", func(r chi.Router) {
		r.Post("/issue-nonce", s.issueNonce)
		r.Post("/submit-proof", s.submitProof)
		r.Get("/relay/{id}", s.relayStatus)
		r.Get("/health", s.health)
		r.Get("/stats", s.stats)
	})
	r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, apierror.New(apierror.NotFound, "Not Found"))
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Shutdown cancels background relays and waits for them to record their
// final state.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Shutdown(ctx)
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error    apierror.Kind `json:"error"`
	Message  string        `json:"message"`
	Required []string      `json:"required,omitempty"`
}

// WriteResponse writes response to w as JSON with status code.
func WriteResponse(w http.ResponseWriter, response interface{}, code int) {
	body, err := json.Marshal(response)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}

// WriteError writes err with the status of its kind. Causes are logged, not
// sent.
func WriteError(w http.ResponseWriter, err error) {
	kind := apierror.KindOf(err)
	code := apierror.HTTPStatus(kind)
	if code >= http.StatusInternalServerError {
		glog.Errorf("%s: %v", kind, err)
	}
	WriteResponse(w, ErrorResponse{Error: kind, Message: apierror.MessageOf(err)}, code)
}

func (s *Server) landing(w http.ResponseWriter, r *http.Request) {
	if s.opts.ProofAppURL == "" {
		WriteError(w, apierror.New(apierror.NotFound, "no proof app configured"))
		return
	}
	http.Redirect(w, r, s.opts.ProofAppURL, http.StatusFound)
}

// implements `/api/issue-nonce`
func (s *Server) issueNonce(w http.ResponseWriter, r *http.Request) {
	origin, err := s.gate.Check(r)
	if err != nil {
		s.opts.Metrics.IssueDenied()
		WriteError(w, err)
		return
	}
	resp, err := s.opts.Issuer.Issue(r.Context(), origin)
	if err != nil {
		WriteError(w, err)
		return
	}
	s.opts.Metrics.NonceIssued()
	WriteResponse(w, resp, http.StatusOK)
}

// HealthResponse is the body of `/api/health`.
type HealthResponse struct {
	Status             string `json:"status"`
	VenueID            string `json:"venue_id"`
	EventID            string `json:"event_id"`
	ZkVerifyConfigured bool   `json:"zkverify_configured"`
	RelayMode          string `json:"relay_mode"`
	Timestamp          string `json:"timestamp"`
}

func (s *Server) relayMode() string {
	switch {
	case s.opts.Relay == nil:
		return RelayDisabled
	case s.tracker != nil:
		return RelayAsync
	default:
		return RelaySync
	}
}

// implements `/api/health`
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	WriteResponse(w, HealthResponse{
		Status:             "healthy",
		VenueID:            s.opts.VenueID,
		EventID:            s.opts.EventID,
		ZkVerifyConfigured: s.opts.Relay != nil,
		RelayMode:          s.relayMode(),
		Timestamp:          s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}, http.StatusOK)
}

// implements `/api/stats`
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if _, err := s.gate.Check(r); err != nil {
		WriteError(w, err)
		return
	}
	st, err := s.opts.Ledger.Stats(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteResponse(w, st, http.StatusOK)
}

// implements `/api/relay/{id}`
func (s *Server) relayStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.tracker == nil {
		WriteError(w, apierror.New(apierror.NotFound, "background relaying is not enabled"))
		return
	}
	snap, ok := s.tracker.Get(id)
	if !ok {
		WriteError(w, apierror.New(apierror.NotFound, "unknown relay id"))
		return
	}
	WriteResponse(w, snap, http.StatusOK)
}
