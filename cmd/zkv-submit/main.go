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

// Command zkv-submit relays proof artifacts from disk to the zkVerify
// relayer without going through the portal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wamimi/proof-of-venue-presence/cmd/portal/version"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/relay"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/zkverify"
)

type options struct {
	proofFile        string
	publicInputsFile string
	vkFile           string
	vkRecord         string
	output           string
	apiKey           string
	endpoint         string
	proofType        string
	publicInputs     int
	chainID          int64
	pollInterval     time.Duration
	maxAttempts      uint64
	maxDuration      time.Duration
	settle           time.Duration
	aggregate        bool
}

func envOr(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{}
	fs.StringVar(&o.proofFile, "proof", "target/proof.hex", "Hex encoded proof.")
	fs.StringVar(&o.publicInputsFile, "public-inputs", "target/public_inputs.hex", "Hex encoded public inputs.")
	fs.StringVar(&o.vkFile, "vk", "target/vk.hex", "Hex encoded verification key.")
	fs.StringVar(&o.vkRecord, "vk-record", "zkverify/vkey.json", "Where the relayer's key registration is kept.")
	fs.StringVar(&o.output, "output", "", "Write the relay result as JSON to this file.")
	fs.StringVar(&o.apiKey, "api-key", envOr("ZKVERIFY_API_KEY", "API_KEY"), "Relayer API key.")
	fs.StringVar(&o.endpoint, "endpoint", envOr("ZKVERIFY_ENDPOINT"), "Relayer base URL.")
	fs.StringVar(&o.proofType, "proof-type", relay.ProofTypeUltraplonk, "Relayer proof type.")
	fs.IntVar(&o.publicInputs, "public-inputs-count", relay.DefaultConfig().NumberOfPublicInputs, "Number of public inputs in the circuit.")
	fs.Int64Var(&o.chainID, "chain-id", 0, "Aggregation target chain id, 0 for none.")
	fs.DurationVar(&o.pollInterval, "poll-interval", 20*time.Second, "Delay between job status polls.")
	fs.Uint64Var(&o.maxAttempts, "max-attempts", 0, "Maximum job status polls, 0 for unlimited.")
	fs.DurationVar(&o.maxDuration, "max-duration", 30*time.Minute, "Give up polling after this long, 0 for never.")
	fs.DurationVar(&o.settle, "register-settle", 5*time.Second, "Wait after registering a key before submitting.")
	fs.BoolVar(&o.aggregate, "aggregate", false, "Wait for Aggregated instead of IncludedInBlock.")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.apiKey == "" {
		return nil, errors.New("an API key is required, set -api-key or ZKVERIFY_API_KEY")
	}
	return o, nil
}

func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := relay.DecodeArtifact(string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return b, nil
}

func run(ctx context.Context, o *options, log logrus.FieldLogger) (*relay.Result, error) {
	var sub relay.Submission
	var err error
	if sub.Proof, err = readArtifact(o.proofFile); err != nil {
		return nil, err
	}
	if sub.PublicInputs, err = readArtifact(o.publicInputsFile); err != nil {
		return nil, err
	}
	if sub.VK, err = readArtifact(o.vkFile); err != nil {
		return nil, err
	}

	cfg := relay.DefaultConfig()
	cfg.ProofType = o.proofType
	cfg.NumberOfPublicInputs = o.publicInputs
	cfg.ChainID = o.chainID
	cfg.Policy = relay.Policy{PollInterval: o.pollInterval, MaxAttempts: o.maxAttempts, MaxDuration: o.maxDuration}
	cfg.RegisterSettle = o.settle
	if o.aggregate {
		cfg.SuccessStatuses = []string{zkverify.StatusAggregated}
	}
	if err := cfg.Validate(sub); err != nil {
		return nil, err
	}

	client := zkverify.New(o.endpoint, o.apiKey, nil)
	r, err := relay.New(client, relay.FileVKStore{Path: o.vkRecord}, cfg, nil)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"proof_type":    cfg.ProofType,
		"proof_bytes":   len(sub.Proof),
		"public_inputs": len(sub.PublicInputs) / 32,
	}).Info("submitting proof")

	res, err := r.Run(ctx, sub, func(tr relay.Transition) {
		log.WithFields(logrus.Fields{
			"from":     tr.From,
			"to":       tr.To,
			"job_id":   tr.JobID,
			"status":   tr.Status,
			"attempts": tr.Attempts,
		}).Info("relay state changed")
	})
	if o.output != "" && res != nil {
		data, merr := json.MarshalIndent(res, "", "  ")
		if merr == nil {
			merr = os.WriteFile(o.output, data, 0o644)
		}
		if merr != nil {
			log.Errorf("could not write %s: %v", o.output, merr)
		}
	}
	return res, err
}

func main() {
	logrus.Infof("zkv-submit version %s commit %s", version.Version, version.Commit)
	o, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		logrus.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, o, logrus.StandardLogger())
	if err != nil {
		logrus.Fatalf("relay failed: %v", err)
	}
	logrus.WithFields(logrus.Fields{
		"job_id":         res.JobID,
		"status":         res.Status,
		"tx_hash":        res.TxHash,
		"aggregation_id": res.AggregationID,
	}).Info("proof verified")
}
