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

package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wamimi/proof-of-venue-presence/pkg/attestlib"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/issuer"
)

var (
	pinnedJWKFile string
	derSignature  bool
)

func init() {
	verifyCmd.Flags().StringVar(&pinnedJWKFile, "jwk", "", "JWK file the signature must verify under, instead of the key embedded in the attestation.")
	verifyCmd.Flags().BoolVar(&derSignature, "der", false, "The signature is base64 ASN.1 DER rather than raw r||s.")
}

var verifyCmd = &cobra.Command{
	Use:   "verify [attestation.json]",
	Short: "Verify an issued attestation; reads stdin if no file is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		if err := verifyAttestation(in, pinnedJWKFile, derSignature); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil
	},
}

func verifyAttestation(in io.Reader, jwkFile string, der bool) error {
	var resp issuer.Response
	if err := json.NewDecoder(in).Decode(&resp); err != nil {
		return apierror.Wrap(err, apierror.SignatureVerificationFailure, "attestation is not valid JSON")
	}
	if der {
		raw, err := derToRaw(resp.Signature)
		if err != nil {
			return apierror.Wrap(err, apierror.SignatureVerificationFailure, "malformed DER signature")
		}
		resp.Signature = raw
	}
	var pinned *attestlib.PublicKeyJWK
	if jwkFile != "" {
		data, err := os.ReadFile(jwkFile)
		if err != nil {
			return errors.Wrap(err, "reading pinned key")
		}
		var jwk attestlib.PublicKeyJWK
		if err := json.Unmarshal(data, &jwk); err != nil {
			return errors.Wrapf(err, "parsing pinned key %s", jwkFile)
		}
		pinned = &jwk
	}
	return issuer.VerifyResponse(&resp, pinned)
}

func derToRaw(sig string) (string, error) {
	sig = strings.TrimSpace(sig)
	der, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		if der, err = base64.RawURLEncoding.DecodeString(sig); err != nil {
			return "", err
		}
	}
	raw, err := attestlib.SignatureFromDER(der)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
