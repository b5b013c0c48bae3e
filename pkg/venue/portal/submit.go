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
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang/glog"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/ledger"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/payload"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/relay"
)

// Relay modes reported in responses.
const (
	RelayDisabled = "disabled"
	RelaySync     = "sync"
	RelayAsync    = "async"
)

// SubmitRequest is the body of `/api/submit-proof`. PortalNonce is accepted
// in place of Token.
type SubmitRequest struct {
	ProofHex        string `json:"proof_hex"`
	PublicInputsHex string `json:"public_inputs_hex"`
	VKHex           string `json:"vk_hex"`
	Token           string `json:"token"`
	PortalNonce     string `json:"portal_nonce"`
}

// SubmitResponse is the reply to a submission whose token was consumed.
type SubmitResponse struct {
	Success            bool                `json:"success"`
	Error              apierror.Kind       `json:"error,omitempty"`
	Message            string              `json:"message,omitempty"`
	Relay              string              `json:"relay"`
	RelayID            string              `json:"relay_id,omitempty"`
	State              relay.State         `json:"state,omitempty"`
	JobID              string              `json:"zkverify_job_id,omitempty"`
	Status             string              `json:"zkverify_status,omitempty"`
	TxHash             string              `json:"tx_hash,omitempty"`
	BlockHash          string              `json:"block_hash,omitempty"`
	AggregationID      string              `json:"aggregation_id,omitempty"`
	AggregationDetails json.RawMessage     `json:"aggregation_details,omitempty"`
	Attempts           uint64              `json:"attempts,omitempty"`
	Detail             relay.FailureDetail `json:"detail,omitempty"`
}

var requiredFields = []string{"proof_hex", "public_inputs_hex", "vk_hex", "token"}

func (req *SubmitRequest) token() string {
	if req.Token != "" {
		return req.Token
	}
	return req.PortalNonce
}

func missingFields(message string) error {
	return apierror.New(apierror.MissingFields, message)
}

// decode turns req into a submission. Nothing is looked up or written.
func (req *SubmitRequest) decode() (relay.Submission, error) {
	fields := map[string]string{
		"proof_hex":         req.ProofHex,
		"public_inputs_hex": req.PublicInputsHex,
		"vk_hex":            req.VKHex,
		"token":             req.token(),
	}
	var missing []string
	for _, f := range requiredFields {
		if strings.TrimSpace(fields[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return relay.Submission{}, missingFields("Missing required fields: " + strings.Join(missing, ", "))
	}

	sub := relay.Submission{Token: strings.TrimSpace(req.token())}
	var err error
	if sub.Proof, err = relay.DecodeArtifact(req.ProofHex); err != nil {
		return relay.Submission{}, missingFields("proof_hex is not valid hex")
	}
	if sub.PublicInputs, err = relay.DecodeArtifact(req.PublicInputsHex); err != nil {
		return relay.Submission{}, missingFields("public_inputs_hex is not valid hex")
	}
	if sub.VK, err = relay.DecodeArtifact(req.VKHex); err != nil {
		return relay.Submission{}, missingFields("vk_hex is not valid hex")
	}
	return sub, nil
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	s.opts.Metrics.SubmissionRejected(string(apierror.KindOf(err)))
	if apierror.Is(err, apierror.MissingFields) {
		WriteResponse(w, ErrorResponse{
			Error:    apierror.MissingFields,
			Message:  apierror.MessageOf(err),
			Required: requiredFields,
		}, http.StatusBadRequest)
		return
	}
	WriteError(w, err)
}

// implements `/api/submit-proof`
func (s *Server) submitProof(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.reject(w, apierror.Wrap(err, apierror.MissingFields, "request body must be a JSON object"))
		return
	}
	sub, err := req.decode()
	if err != nil {
		s.reject(w, err)
		return
	}
	var cfg relay.Config
	if s.opts.Relay != nil {
		cfg = s.opts.RelayConfig
	}
	if err := cfg.Validate(sub); err != nil {
		s.reject(w, err)
		return
	}
	if payload.ValidToken(sub.Token) != nil {
		s.reject(w, ledger.ErrAlreadyUsedOrUnknown)
		return
	}

	ctx := r.Context()
	unused, err := s.opts.Ledger.IsUnused(ctx, sub.Token)
	if err != nil {
		s.reject(w, err)
		return
	}
	if !unused {
		s.reject(w, ledger.ErrAlreadyUsedOrUnknown)
		return
	}
	if err := s.opts.Ledger.ConsumeOnce(ctx, sub.Token, s.now()); err != nil {
		s.reject(w, err)
		return
	}
	s.opts.Metrics.NonceConsumed()
	glog.Infof("nonce %s... consumed by proof submission", sub.Token[:8])

	switch {
	case s.opts.Relay == nil:
		glog.Warningf("no relayer configured, proof for nonce %s... accepted locally", sub.Token[:8])
		WriteResponse(w, SubmitResponse{
			Success: true,
			Relay:   RelayDisabled,
			Message: "Proof accepted (zkVerify not configured)",
		}, http.StatusOK)
	case s.tracker != nil:
		id, err := s.tracker.Start(sub)
		if err != nil {
			s.reject(w, apierror.Wrap(err, apierror.UpstreamUnavailable, "portal is shutting down"))
			return
		}
		WriteResponse(w, SubmitResponse{
			Success: true,
			Relay:   RelayAsync,
			RelayID: id,
			State:   relay.StateSubmitted,
			Message: "Proof accepted, relaying to zkVerify",
		}, http.StatusAccepted)
	default:
		s.relaySync(w, r, sub)
	}
}

func (s *Server) relaySync(w http.ResponseWriter, r *http.Request, sub relay.Submission) {
	res, err := s.opts.Relay.Run(r.Context(), sub, nil)
	out := SubmitResponse{Success: err == nil, Relay: RelaySync}
	if res != nil {
		out.State = res.State
		out.JobID = res.JobID
		out.Status = res.Status
		out.TxHash = res.TxHash
		out.BlockHash = res.BlockHash
		out.AggregationID = res.AggregationID
		out.AggregationDetails = res.AggregationDetails
		out.Attempts = res.Attempts
		out.Detail = res.Detail
	}
	if err != nil {
		kind := apierror.KindOf(err)
		s.opts.Metrics.SubmissionRejected(string(kind))
		glog.Errorf("relay of nonce %s... failed: %v", sub.Token[:8], err)
		out.Error = kind
		out.Message = apierror.MessageOf(err)
		WriteResponse(w, out, apierror.HTTPStatus(kind))
		return
	}
	out.Message = "Proof verified by zkVerify"
	WriteResponse(w, out, http.StatusOK)
}
