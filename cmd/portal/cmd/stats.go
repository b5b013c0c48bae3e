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

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/ledger"
)

var statsToken string

func init() {
	statsCmd.Flags().StringVar(&statsToken, "token", "", "Print the ledger record of a single nonce instead of totals.")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print nonce ledger statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := ledger.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer l.Close()

		var v interface{}
		if statsToken != "" {
			rec, err := l.Get(cmd.Context(), statsToken)
			if err != nil {
				return err
			}
			if rec == nil {
				return apierror.New(apierror.NotFound, fmt.Sprintf("nonce %q was never issued", statsToken))
			}
			v = rec
		} else {
			st, err := l.Stats(cmd.Context())
			if err != nil {
				return err
			}
			v = st
		}
		out, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}
