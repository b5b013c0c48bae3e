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
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/zkverify"
)

// ProofTypeUltraplonk proofs carry their public inputs prepended to the proof.
const ProofTypeUltraplonk = "ultraplonk"

// publicInputSize is the width of one field element.
const publicInputSize = 32

// Submission is a proof whose token has already been consumed.
type Submission struct {
	Token        string
	Proof        []byte
	PublicInputs []byte
	VK           []byte
}

// DecodeArtifact decodes a hex artifact as written by proving tools: an
// optional 0x prefix, surrounding and embedded whitespace ignored.
func DecodeArtifact(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, errors.New("empty artifact")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "invalid hex")
	}
	return b, nil
}

// Validate checks sub against the configured proof type before any side
// effect happens.
func (c Config) Validate(sub Submission) error {
	if len(sub.Proof) == 0 || len(sub.VK) == 0 {
		return apierror.New(apierror.MissingFields, "proof and verification key must not be empty")
	}
	if c.ProofType == ProofTypeUltraplonk && c.NumberOfPublicInputs > 0 {
		if want := c.NumberOfPublicInputs * publicInputSize; len(sub.PublicInputs) != want {
			return apierror.New(apierror.MissingFields,
				fmt.Sprintf("expected %d public inputs (%d bytes), got %d bytes", c.NumberOfPublicInputs, want, len(sub.PublicInputs)))
		}
	}
	return nil
}

func (c Config) proofOptions() *zkverify.ProofOptions {
	if c.NumberOfPublicInputs <= 0 {
		return nil
	}
	return &zkverify.ProofOptions{NumberOfPublicInputs: c.NumberOfPublicInputs}
}

func (c Config) registerRequest(vk []byte) zkverify.RegisterVKRequest {
	req := zkverify.RegisterVKRequest{ProofType: c.ProofType}
	if c.ProofType == ProofTypeUltraplonk {
		req.VK = base64.StdEncoding.EncodeToString(vk)
		req.ProofOptions = c.proofOptions()
	} else {
		req.VK = "0x" + hex.EncodeToString(vk)
	}
	return req
}

func (c Config) submitRequest(vkHandle string, sub Submission) zkverify.SubmitProofRequest {
	req := zkverify.SubmitProofRequest{
		ProofType:    c.ProofType,
		VKRegistered: true,
		ChainID:      c.ChainID,
		ProofData:    zkverify.ProofData{VK: vkHandle},
	}
	if c.ProofType == ProofTypeUltraplonk {
		// base64(public_inputs || proof)
		combined := make([]byte, 0, len(sub.PublicInputs)+len(sub.Proof))
		combined = append(combined, sub.PublicInputs...)
		combined = append(combined, sub.Proof...)
		req.ProofData.Proof = base64.StdEncoding.EncodeToString(combined)
		req.ProofOptions = c.proofOptions()
	} else {
		req.ProofData.Proof = "0x" + hex.EncodeToString(sub.Proof)
		if len(sub.PublicInputs) > 0 {
			req.ProofData.PublicSignals = "0x" + hex.EncodeToString(sub.PublicInputs)
		}
	}
	return req
}
