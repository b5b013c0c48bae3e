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

package attestlib

// Attestation represents an unauthenticated venue attestation. An Attestation
// can only be trusted after successfully verifying its Signature.
type Attestation struct {
	// PublicKeyID is the ID of the public key that can verify the Attestation.
	PublicKeyID string
	// Signature is the unpadded base64url encoding of the raw r||s signature.
	Signature string
	// SerializedPayload stores the canonical payload over which the signature
	// was computed.
	SerializedPayload []byte
}
