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
	"flag"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/config"
)

var (
	configFile string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

func init() {
	RootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file. Environment variables override it.")
	RootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	RootCmd.AddCommand(serveCmd, pubkeyCmd, verifyCmd, statsCmd, versionCmd)
}

var RootCmd = &cobra.Command{
	Use:          "portal",
	Short:        "Venue portal issuing signed single-use nonces and relaying proofs to zkVerify",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := flag.Set("logtostderr", "true"); err != nil {
			return errors.Wrap(err, "unable to set logtostderr")
		}
		// Marks the go flag set parsed for glog; cobra has already set the values.
		flag.CommandLine.Parse(nil)

		c, err := config.Load(configFile)
		if err != nil {
			return err
		}
		cfg = c
		glog.V(1).Infof("configuration loaded (file %q)", configFile)
		return nil
	},
}
