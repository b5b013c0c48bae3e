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

// Package relay forwards consumed proof submissions to the zkVerify relayer
// and follows the resulting job to a terminal state.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/zkverify"
)

// Verifier is the relayer API.
type Verifier interface {
	RegisterVK(ctx context.Context, req zkverify.RegisterVKRequest) (*zkverify.RegisterVKResponse, error)
	SubmitProof(ctx context.Context, req zkverify.SubmitProofRequest) (*zkverify.SubmitProofResponse, error)
	JobStatus(ctx context.Context, jobID string) (*zkverify.JobStatusResponse, error)
}

// Metrics receives relay events. A nil Metrics is allowed.
type Metrics interface {
	RelayPoll(outcome string)
	RelayResult(state string)
}

// Poll outcomes reported to Metrics.
const (
	PollFinal       = "final"
	PollPending     = "pending"
	PollUnavailable = "unavailable"
	PollError       = "error"
)

// Policy bounds polling. Zero MaxAttempts or MaxDuration means unbounded.
type Policy struct {
	PollInterval time.Duration
	MaxAttempts  uint64
	MaxDuration  time.Duration
}

// Config configures a Relay.
type Config struct {
	ProofType            string
	NumberOfPublicInputs int
	// ChainID selects an aggregation target; 0 omits it.
	ChainID int64
	// SuccessStatuses are the relayer statuses that complete a relay.
	SuccessStatuses []string
	Policy          Policy
	// RegisterSettle is how long to wait after registering a key before
	// submitting against it.
	RegisterSettle time.Duration
}

// DefaultConfig returns the settings for the venue presence circuit.
func DefaultConfig() Config {
	return Config{
		ProofType:            ProofTypeUltraplonk,
		NumberOfPublicInputs: 7,
		SuccessStatuses:      []string{zkverify.StatusIncludedInBlock, zkverify.StatusAggregated},
		Policy:               Policy{PollInterval: 5 * time.Second},
		RegisterSettle:       5 * time.Second,
	}
}

// Relay runs submissions against one relayer.
type Relay struct {
	client  Verifier
	store   VKStore
	cfg     Config
	metrics Metrics
	success map[string]bool

	vkMu     sync.Mutex
	vkHandle string

	// For testing
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New returns a Relay. metrics may be nil.
func New(client Verifier, store VKStore, cfg Config, metrics Metrics) (*Relay, error) {
	if cfg.ProofType == "" {
		return nil, errors.New("proof type must be set")
	}
	if cfg.Policy.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", cfg.Policy.PollInterval)
	}
	if len(cfg.SuccessStatuses) == 0 {
		cfg.SuccessStatuses = DefaultConfig().SuccessStatuses
	}
	success := map[string]bool{}
	for _, s := range cfg.SuccessStatuses {
		success[s] = true
	}
	return &Relay{
		client:  client,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		success: success,
		sleep:   sleepContext,
		now:     time.Now,
	}, nil
}

// Config returns the relay configuration.
func (r *Relay) Config() Config {
	return r.cfg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[:8] + "..."
	}
	return token
}

// run tracks the state of a single Run call.
type run struct {
	relay   *Relay
	token   string
	observe Observer
	result  Result
}

func (x *run) set(to State) {
	from := x.result.State
	if from == to {
		return
	}
	x.result.State = to
	if x.observe != nil {
		x.observe(Transition{
			From:     from,
			To:       to,
			JobID:    x.result.JobID,
			Status:   x.result.Status,
			Attempts: x.result.Attempts,
			At:       x.relay.now(),
		})
	}
}

func (x *run) finish() {
	if x.relay.metrics != nil {
		x.relay.metrics.RelayResult(string(x.result.State))
	}
}

func (x *run) fail(detail FailureDetail, kind apierror.Kind, message string, err error) (*Result, error) {
	x.result.Detail = detail
	x.result.Error = err.Error()
	x.set(StateFailed)
	x.finish()
	glog.Errorf("relay for nonce %s failed (%s): %v", shortToken(x.token), detail, err)
	res := x.result
	return &res, apierror.Wrap(err, kind, message)
}

func (r *Relay) poll(outcome string) {
	if r.metrics != nil {
		r.metrics.RelayPoll(outcome)
	}
}

// Run registers the verification key if needed, submits sub and polls the
// job until it completes, fails, or the policy is exhausted. The returned
// Result is never nil. The token in sub is never given back: a failed relay
// leaves it consumed.
func (r *Relay) Run(ctx context.Context, sub Submission, observe Observer) (*Result, error) {
	x := &run{relay: r, token: sub.Token, observe: observe}
	x.set(StateSubmitted)

	handle, err := r.ensureVK(ctx, sub.VK)
	if err != nil {
		kind := apierror.UpstreamRejected
		if zkverify.IsUnavailable(err) {
			kind = apierror.UpstreamUnavailable
		}
		return x.fail(DetailRegistration, kind, "verification key registration failed", err)
	}

	resp, err := r.client.SubmitProof(ctx, r.cfg.submitRequest(handle, sub))
	if err != nil {
		if zkverify.IsUnavailable(err) {
			return x.fail(DetailSubmission, apierror.UpstreamUnavailable, "relayer unavailable", err)
		}
		return x.fail(DetailSubmission, apierror.UpstreamRejected, "relayer rejected the submission", err)
	}
	x.result.JobID = resp.JobID
	if resp.OptimisticVerify != zkverify.OptimisticVerifySuccess {
		err := fmt.Errorf("optimisticVerify = %q: %s", resp.OptimisticVerify, string(resp.Raw))
		return x.fail(DetailOptimisticVerify, apierror.UpstreamRejected, "proof failed optimistic verification", err)
	}
	glog.Infof("nonce %s submitted as relayer job %s", shortToken(sub.Token), resp.JobID)

	final, err := r.pollJob(ctx, x)
	if err != nil {
		return r.pollFailure(ctx, x, err)
	}
	x.result.Status = final.Status
	x.result.TxHash = final.TxHash
	x.result.BlockHash = final.BlockHash
	x.result.AggregationID = final.AggregationIDString()
	x.result.AggregationDetails = final.AggregationDetails
	x.set(StateCompleted)
	x.finish()
	glog.Infof("relayer job %s reached %s after %d polls (tx %s)", x.result.JobID, final.Status, x.result.Attempts, final.TxHash)
	res := x.result
	return &res, nil
}

// errNotFinal makes backoff retry a poll that returned a non-terminal status.
type errNotFinal struct{ status string }

func (e errNotFinal) Error() string { return fmt.Sprintf("job status %s", e.status) }

type errJobFailed struct{ status *zkverify.JobStatusResponse }

func (e errJobFailed) Error() string { return fmt.Sprintf("relayer job %s failed", e.status.JobID) }

func (r *Relay) pollJob(ctx context.Context, x *run) (*zkverify.JobStatusResponse, error) {
	pollCtx := ctx
	if r.cfg.Policy.MaxDuration > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, r.cfg.Policy.MaxDuration)
		defer cancel()
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(r.cfg.Policy.PollInterval)
	if r.cfg.Policy.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, r.cfg.Policy.MaxAttempts-1)
	}
	b = backoff.WithContext(b, pollCtx)

	var final *zkverify.JobStatusResponse
	err := backoff.Retry(func() error {
		if err := pollCtx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		x.result.Attempts++
		status, err := r.client.JobStatus(pollCtx, x.result.JobID)
		if err != nil {
			if zkverify.IsUnavailable(err) {
				r.poll(PollUnavailable)
				glog.Warningf("relayer unavailable while polling job %s, retrying", x.result.JobID)
				x.set(StatePollingUnavailable)
				return err
			}
			if pollCtx.Err() != nil {
				return backoff.Permanent(pollCtx.Err())
			}
			r.poll(PollError)
			return backoff.Permanent(err)
		}
		x.result.Status = status.Status
		if r.success[status.Status] {
			r.poll(PollFinal)
			final = status
			return nil
		}
		if status.Status == zkverify.StatusFailed {
			r.poll(PollFinal)
			return backoff.Permanent(errJobFailed{status: status})
		}
		r.poll(PollPending)
		glog.V(1).Infof("relayer job %s is %s", x.result.JobID, status.Status)
		x.set(StatePollingPending)
		return errNotFinal{status: status.Status}
	}, b)
	if err != nil {
		return nil, err
	}
	return final, nil
}

func (r *Relay) pollFailure(ctx context.Context, x *run, err error) (*Result, error) {
	var failed errJobFailed
	var notFinal errNotFinal
	switch {
	case errors.As(err, &failed):
		return x.fail(DetailJobFailed, apierror.UpstreamRejected, "relay job failed", err)
	case ctx.Err() != nil:
		return x.fail(DetailCancelled, apierror.Internal, "relay cancelled", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &notFinal), zkverify.IsUnavailable(err):
		// Deadline from MaxDuration, or MaxAttempts used up.
		return x.fail(DetailTimeout, apierror.UpstreamUnavailable, "relay timed out",
			errors.Wrapf(err, "no terminal status after %d polls", x.result.Attempts))
	default:
		return x.fail(DetailPolling, apierror.UpstreamRejected, "job status check failed", err)
	}
}

// ensureVK returns the registered key handle, registering vk on first use.
// Registration is serialized within the process; a concurrent registration
// from another process yields a duplicate that the relayer reports with the
// existing handle.
func (r *Relay) ensureVK(ctx context.Context, vk []byte) (string, error) {
	r.vkMu.Lock()
	defer r.vkMu.Unlock()
	if r.vkHandle != "" {
		return r.vkHandle, nil
	}
	if r.store != nil {
		handle, err := r.store.Load()
		if err != nil {
			return "", err
		}
		if handle != "" {
			r.vkHandle = handle
			return handle, nil
		}
	}

	glog.Infof("registering %s verification key with the relayer", r.cfg.ProofType)
	var handle string
	var record []byte
	resp, err := r.client.RegisterVK(ctx, r.cfg.registerRequest(vk))
	if err != nil {
		var apiErr *zkverify.APIError
		if !errors.As(err, &apiErr) {
			return "", err
		}
		if handle = zkverify.HandleFromBody(apiErr.Body); handle == "" {
			return "", err
		}
		glog.Infof("verification key already registered as %s", handle)
		record = apiErr.Body
	} else {
		if handle = resp.Handle(); handle == "" {
			return "", fmt.Errorf("registration response has no vkHash: %s", string(resp.Raw))
		}
		record = resp.Raw
	}

	if r.store != nil {
		if err := r.store.Save(record); err != nil {
			glog.Errorf("could not persist verification key record: %v", err)
		}
	}
	r.vkHandle = handle
	if err := r.sleep(ctx, r.cfg.RegisterSettle); err != nil {
		return "", err
	}
	return handle, nil
}
