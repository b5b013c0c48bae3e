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

package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// FakeRelayer is an in-process stand-in for the zkVerify relayer API. Job
// status polls walk Statuses in order and then repeat the last one.
type FakeRelayer struct {
	*httptest.Server

	mu sync.Mutex
	// VKHash is returned by register-vk.
	VKHash string
	// OptimisticVerify is returned by submit-proof. Defaults to "success".
	OptimisticVerify string
	// Statuses are returned by successive job-status polls.
	Statuses []string
	// Unavailable makes the next N requests of any kind fail with 503.
	Unavailable int

	calls map[string]int
	polls int
	// Bodies holds the decoded request bodies by endpoint.
	Bodies map[string][]map[string]interface{}
}

// NewFakeRelayer starts a FakeRelayer that is closed when t finishes.
func NewFakeRelayer(t *testing.T) *FakeRelayer {
	f := &FakeRelayer{
		VKHash:           "0xfeed",
		OptimisticVerify: "success",
		Statuses:         []string{"IncludedInBlock"},
		calls:            map[string]int{},
		Bodies:           map[string][]map[string]interface{}{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// Calls returns how many requests reached endpoint, one of "register-vk",
// "submit-proof" or "job-status".
func (f *FakeRelayer) Calls(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

// SetStatuses replaces the polled statuses.
func (f *FakeRelayer) SetStatuses(statuses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Statuses = statuses
	f.polls = 0
}

// SetOptimisticVerify replaces the submit-proof verdict.
func (f *FakeRelayer) SetOptimisticVerify(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OptimisticVerify = v
}

func (f *FakeRelayer) serve(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	endpoint := parts[0]

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[endpoint]++
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		var m map[string]interface{}
		if json.Unmarshal(body, &m) == nil {
			f.Bodies[endpoint] = append(f.Bodies[endpoint], m)
		}
	}
	if f.Unavailable > 0 {
		f.Unavailable--
		http.Error(w, `{"message":"unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	var resp interface{}
	switch endpoint {
	case "register-vk":
		resp = map[string]string{"vkHash": f.VKHash}
	case "submit-proof":
		resp = map[string]string{"jobId": "job-1", "optimisticVerify": f.OptimisticVerify}
	case "job-status":
		status := "Submitted"
		if n := len(f.Statuses); n > 0 {
			i := f.polls
			if i >= n {
				i = n - 1
			}
			status = f.Statuses[i]
		}
		f.polls++
		resp = map[string]string{"jobId": "job-1", "status": status, "txHash": "0xtx", "blockHash": "0xblock"}
	default:
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
