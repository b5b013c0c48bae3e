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

// Package zkverify is a client for the zkVerify relayer REST API.
package zkverify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// DefaultBaseURL is the public relayer endpoint.
const DefaultBaseURL = "https://relayer-api.horizenlabs.io/api/v1"

// Job statuses reported by the relayer.
const (
	StatusQueued          = "Queued"
	StatusSubmitted       = "Submitted"
	StatusPending         = "Pending"
	StatusValid           = "Valid"
	StatusIncludedInBlock = "IncludedInBlock"
	StatusFinalized       = "Finalized"
	StatusAggregated      = "Aggregated"
	StatusFailed          = "Failed"
)

// OptimisticVerifySuccess is the optimisticVerify value of an accepted proof.
const OptimisticVerifySuccess = "success"

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 1 << 20

// ProofOptions are proof type specific parameters.
type ProofOptions struct {
	NumberOfPublicInputs int `json:"numberOfPublicInputs,omitempty"`
}

// RegisterVKRequest registers a verification key.
type RegisterVKRequest struct {
	ProofType    string        `json:"proofType"`
	VK           string        `json:"vk"`
	ProofOptions *ProofOptions `json:"proofOptions,omitempty"`
}

// RegisterVKResponse is the relayer's registration record. Raw holds the full
// body, which is what gets persisted locally.
type RegisterVKResponse struct {
	VKHash string `json:"vkHash"`
	Meta   struct {
		VKHash string `json:"vkHash"`
	} `json:"meta"`
	Raw json.RawMessage `json:"-"`
}

// Handle returns the registered key handle, or "" if the response has none.
func (r *RegisterVKResponse) Handle() string {
	if r.VKHash != "" {
		return r.VKHash
	}
	return r.Meta.VKHash
}

// HandleFromBody extracts a key handle from a registration body. The relayer
// returns the existing handle in the error body of a duplicate registration.
func HandleFromBody(body []byte) string {
	var r RegisterVKResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return ""
	}
	return r.Handle()
}

// ProofData carries the proof and a reference to its registered key.
type ProofData struct {
	Proof         string `json:"proof"`
	PublicSignals string `json:"publicSignals,omitempty"`
	VK            string `json:"vk"`
}

// SubmitProofRequest submits a proof for verification.
type SubmitProofRequest struct {
	ProofType    string        `json:"proofType"`
	VKRegistered bool          `json:"vkRegistered"`
	ChainID      int64         `json:"chainId,omitempty"`
	ProofOptions *ProofOptions `json:"proofOptions,omitempty"`
	ProofData    ProofData     `json:"proofData"`
}

// SubmitProofResponse is the relayer's answer to a submission.
type SubmitProofResponse struct {
	OptimisticVerify string          `json:"optimisticVerify"`
	JobID            string          `json:"jobId"`
	Raw              json.RawMessage `json:"-"`
}

// JobStatusResponse describes the progress of a job.
type JobStatusResponse struct {
	JobID              string          `json:"jobId"`
	Status             string          `json:"status"`
	TxHash             string          `json:"txHash"`
	BlockHash          string          `json:"blockHash"`
	AggregationID      json.RawMessage `json:"aggregationId,omitempty"`
	AggregationDetails json.RawMessage `json:"aggregationDetails,omitempty"`
}

// AggregationIDString returns the aggregation id without JSON quoting.
func (r *JobStatusResponse) AggregationIDString() string {
	s := strings.TrimSpace(string(r.AggregationID))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

// APIError is a non-2xx response from the relayer.
type APIError struct {
	Op         string
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	body := string(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("zkverify %s: HTTP %d: %s", e.Op, e.StatusCode, body)
}

// IsUnavailable reports whether err is a 503 from the relayer.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable
}

// Client talks to one relayer with one API key. The key is part of every
// request path and never appears in returned errors.
type Client struct {
	baseURL string
	apiKey  string
	hc      *retryablehttp.Client
}

// New returns a Client. If httpClient is nil a client with a 30 second
// timeout is used. Job status queries are retried on transport errors; the
// relayer's own status codes are never retried here.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	hc := retryablehttp.NewClient()
	hc.HTTPClient = httpClient
	hc.Logger = nil
	hc.RetryMax = 2
	hc.RetryWaitMin = 250 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.CheckRetry = retryTransportErrors
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, hc: hc}
}

// SetTransportRetries sets how often a job status query is retried after a
// transport error.
func (c *Client) SetTransportRetries(n int) {
	c.hc.RetryMax = n
}

func retryTransportErrors(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := c.baseURL
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// RegisterVK registers a verification key. On a non-2xx response the error is
// an *APIError whose Body may still carry a handle; see HandleFromBody.
func (c *Client) RegisterVK(ctx context.Context, req RegisterVKRequest) (*RegisterVKResponse, error) {
	body, err := c.post(ctx, "register-vk", c.endpoint("register-vk", c.apiKey), req)
	if err != nil {
		return nil, err
	}
	var resp RegisterVKResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "zkverify register-vk: decoding response")
	}
	resp.Raw = body
	return &resp, nil
}

// SubmitProof submits a proof. It is not retried.
func (c *Client) SubmitProof(ctx context.Context, req SubmitProofRequest) (*SubmitProofResponse, error) {
	body, err := c.post(ctx, "submit-proof", c.endpoint("submit-proof", c.apiKey), req)
	if err != nil {
		return nil, err
	}
	var resp SubmitProofResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "zkverify submit-proof: decoding response")
	}
	resp.Raw = body
	return &resp, nil
}

// JobStatus queries the status of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatusResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("job-status", c.apiKey, jobID), nil)
	if err != nil {
		return nil, c.redact(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, c.redact(err)
	}
	body, err := readBody("job-status", resp)
	if err != nil {
		return nil, c.redact(err)
	}
	var status JobStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, errors.Wrap(err, "zkverify job-status: decoding response")
	}
	return &status, nil
}

func (c *Client) post(ctx context.Context, op, endpoint string, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "zkverify %s: encoding request", op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, c.redact(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.HTTPClient.Do(req)
	if err != nil {
		return nil, c.redact(err)
	}
	return readBody(op, resp)
}

func readBody(op string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "zkverify %s: reading response", op)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

// redact strips the API key from URL errors.
func (c *Client) redact(err error) error {
	if err == nil || c.apiKey == "" {
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		clean := *urlErr
		clean.URL = strings.ReplaceAll(clean.URL, url.PathEscape(c.apiKey), "REDACTED")
		clean.URL = strings.ReplaceAll(clean.URL, c.apiKey, "REDACTED")
		return &clean
	}
	if strings.Contains(err.Error(), c.apiKey) {
		return errors.New(strings.ReplaceAll(err.Error(), c.apiKey, "REDACTED"))
	}
	return err
}
