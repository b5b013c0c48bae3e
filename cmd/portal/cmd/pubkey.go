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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wamimi/proof-of-venue-presence/pkg/attestlib"
)

var generateKey bool

func init() {
	pubkeyCmd.Flags().BoolVar(&generateKey, "generate", false, "Generate the venue key if it does not exist yet.")
}

// PublicKeyOutput is printed by `portal pubkey`.
type PublicKeyOutput struct {
	KeyID string                 `json:"key_id"`
	Alg   string                 `json:"alg"`
	JWK   attestlib.PublicKeyJWK `json:"jwk"`
}

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print the venue public key as a JWK",
	RunE: func(cmd *cobra.Command, args []string) error {
		load := attestlib.LoadIdentity
		if generateKey {
			load = attestlib.LoadOrGenerate
		}
		id, err := load(cfg.KeyPath)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(PublicKeyOutput{
			KeyID: id.KeyID(),
			Alg:   attestlib.EcdsaP256Sha256.String(),
			JWK:   id.ExportPublicKey(),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}
