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
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/wamimi/proof-of-venue-presence/pkg/attestlib"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/config"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/gate"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/issuer"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/ledger"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/metrics"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/portal"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/relay"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/zkverify"
)

const shutdownTimeout = 15 * time.Second

var (
	host           string
	port           int
	maxConnections int
	relayMode      string
)

func init() {
	f := serveCmd.Flags()
	f.StringVar(&host, "host", "", "Address to listen on. Overrides PORTAL_HOST.")
	f.IntVar(&port, "port", 0, "Port to listen on. Overrides PORTAL_PORT.")
	f.IntVar(&maxConnections, "max-connections", 0, "Maximum simultaneous connections, 0 for unlimited.")
	f.StringVar(&relayMode, "relay-mode", "", "sync to relay within the request, async to relay in the background.")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the portal HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		if f.Changed("host") {
			cfg.Host = host
		}
		if f.Changed("port") {
			cfg.Port = port
		}
		if f.Changed("max-connections") {
			cfg.MaxConnections = maxConnections
		}
		if f.Changed("relay-mode") {
			cfg.ZkVerify.RelayMode = relayMode
		}
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
		return serve(cmd.Context(), cfg)
	},
}

func newServer(c *config.Config, l ledger.Ledger) (*portal.Server, error) {
	id, err := attestlib.LoadOrGenerate(c.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "loading venue identity")
	}
	glog.Infof("venue identity %s", id.KeyID())

	g, err := gate.New(c.ExtraLocalCIDRs, c.TrustedProxies)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	iss, err := issuer.New(issuer.Config{VenueID: c.VenueID, EventID: c.EventID}, id, l, nil)
	if err != nil {
		return nil, err
	}
	opts := portal.Options{
		VenueID:     c.VenueID,
		EventID:     c.EventID,
		ProofAppURL: c.ProofAppURL,
		Issuer:      iss,
		Ledger:      l,
		Gate:        g,
		Metrics:     m,
	}
	if c.RelayEnabled() {
		client := zkverify.New(c.ZkVerify.Endpoint, c.ZkVerify.APIKey, nil)
		r, err := relay.New(client, relay.FileVKStore{Path: c.ZkVerify.VKPath}, c.RelayConfig(), m)
		if err != nil {
			return nil, err
		}
		opts.Relay = r
		opts.RelayConfig = r.Config()
		opts.Async = c.ZkVerify.RelayMode == config.RelayModeAsync
		opts.Retention = c.ZkVerify.Retention
		glog.Infof("relaying %s proofs to %s (%s)", c.ZkVerify.ProofType, c.ZkVerify.Endpoint, c.ZkVerify.RelayMode)
	} else {
		glog.Warning("ZKVERIFY_API_KEY is not set, proofs will be accepted locally without relaying")
	}
	return portal.New(opts)
}

func serve(ctx context.Context, c *config.Config) error {
	l, err := ledger.Open(c.DBPath)
	if err != nil {
		return err
	}
	defer l.Close()

	srv, err := newServer(c, l)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", c.Addr())
	if err != nil {
		return errors.Wrapf(err, "listening on %s", c.Addr())
	}
	if c.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, c.MaxConnections)
	}
	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		glog.Infof("portal for %s/%s listening on %s", c.VenueID, c.EventID, ln.Addr())
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		glog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			glog.Errorf("graceful shutdown failed, closing connections: %v", err)
			httpServer.Close()
		}
		if rerr := srv.Shutdown(shutdownCtx); rerr != nil {
			glog.Errorf("background relays did not finish: %v", rerr)
		}
		return err
	})
	return eg.Wait()
}
