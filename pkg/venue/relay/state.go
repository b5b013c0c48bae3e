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
	"encoding/json"
	"time"
)

// State is the local lifecycle state of one relayed submission.
type State string

// Submitted -> {PollingPending <-> PollingUnavailable} -> {Completed | Failed}
const (
	StateSubmitted          State = "Submitted"
	StatePollingPending     State = "PollingPending"
	StatePollingUnavailable State = "PollingUnavailable"
	StateCompleted          State = "Completed"
	StateFailed             State = "Failed"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// FailureDetail says why a relay ended in StateFailed.
type FailureDetail string

const (
	DetailRegistration     FailureDetail = "RegistrationFailed"
	DetailSubmission       FailureDetail = "SubmissionFailed"
	DetailOptimisticVerify FailureDetail = "OptimisticVerifyFailed"
	DetailJobFailed        FailureDetail = "JobFailed"
	DetailPolling          FailureDetail = "PollingFailed"
	DetailTimeout          FailureDetail = "RelayTimeout"
	DetailCancelled        FailureDetail = "Cancelled"
)

// Transition is reported to an Observer every time the state changes.
type Transition struct {
	From     State
	To       State
	JobID    string
	Status   string
	Attempts uint64
	At       time.Time
}

// Observer receives state transitions. It is called synchronously from the
// relaying goroutine and must not block.
type Observer func(Transition)

// Result is the outcome of a relay.
type Result struct {
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
}
