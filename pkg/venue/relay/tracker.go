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

package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrShuttingDown is returned by Start once Shutdown has been called.
var ErrShuttingDown = errors.New("relay tracker is shutting down")

// Runner runs one relay.
type Runner interface {
	Run(ctx context.Context, sub Submission, observe Observer) (*Result, error)
}

// Snapshot is the observable state of a tracked relay.
type Snapshot struct {
	ID                 string          `json:"relay_id"`
	Token              string          `json:"token"`
	State              State           `json:"state"`
	JobID              string          `json:"job_id,omitempty"`
	Status             string          `json:"status,omitempty"`
	TxHash             string          `json:"tx_hash,omitempty"`
	BlockHash          string          `json:"block_hash,omitempty"`
	AggregationID      string          `json:"aggregation_id,omitempty"`
	AggregationDetails json.RawMessage `json:"aggregation_details,omitempty"`
	Attempts           uint64          `json:"attempts"`
	Detail             FailureDetail   `json:"detail,omitempty"`
	Error              string          `json:"error,omitempty"`
	StartedAt          time.Time       `json:"started_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Tracker runs relays in the background and keeps their snapshots. Finished
// relays are forgotten after the retention period.
type Tracker struct {
	runner    Runner
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	jobs   map[string]*Snapshot

	// For testing
	now func() time.Time
}

// NewTracker returns a Tracker using runner. A zero retention keeps finished
// relays forever.
func NewTracker(runner Runner, retention time.Duration) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		runner:    runner,
		retention: retention,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      map[string]*Snapshot{},
		now:       time.Now,
	}
}

// Start launches a relay for sub and returns its id immediately.
func (t *Tracker) Start(sub Submission) (string, error) {
	id := uuid.New().String()
	now := t.now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrShuttingDown
	}
	t.pruneLocked(now)
	t.jobs[id] = &Snapshot{ID: id, Token: sub.Token, State: StateSubmitted, StartedAt: now, UpdatedAt: now}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		res, err := t.runner.Run(t.ctx, sub, func(tr Transition) { t.observe(id, tr) })
		if err != nil {
			glog.Warningf("background relay %s ended with %v", id, err)
		}
		t.complete(id, res)
	}()
	return id, nil
}

func (t *Tracker) observe(id string, tr Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.jobs[id]
	if !ok {
		return
	}
	s.State = tr.To
	s.JobID = tr.JobID
	s.Status = tr.Status
	s.Attempts = tr.Attempts
	s.UpdatedAt = t.now()
}

func (t *Tracker) complete(id string, res *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.jobs[id]
	if !ok || res == nil {
		return
	}
	s.State = res.State
	s.JobID = res.JobID
	s.Status = res.Status
	s.TxHash = res.TxHash
	s.BlockHash = res.BlockHash
	s.AggregationID = res.AggregationID
	s.AggregationDetails = res.AggregationDetails
	s.Attempts = res.Attempts
	s.Detail = res.Detail
	s.Error = res.Error
	s.UpdatedAt = t.now()
}

func (t *Tracker) pruneLocked(now time.Time) {
	if t.retention <= 0 {
		return
	}
	for id, s := range t.jobs {
		if s.State.Terminal() && now.Sub(s.UpdatedAt) > t.retention {
			delete(t.jobs, id)
		}
	}
}

// Get returns a copy of the snapshot for id.
func (t *Tracker) Get(id string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.jobs[id]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}

// Shutdown stops accepting relays, cancels in-flight ones and waits for them
// to record their final state or for ctx to end.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for relays")
	}
}
