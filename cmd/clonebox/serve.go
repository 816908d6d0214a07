// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wronai/clonebox/internal/types"
	"github.com/wronai/clonebox/internal/util/gracefulshutdown"
	"github.com/wronai/clonebox/internal/util/httputil"
)

const (
	defaultMetricsListen  = ":9090"
	defaultProbesListen   = ":9091"
	defaultReconcileEvery = 30 * time.Second
)

// newServeCommand runs clonebox as a resident agent: it periodically
// reconciles every managed VM against the backend and exports the results
// on a Prometheus metrics endpoint, alongside liveness/readiness probes.
func newServeCommand(a *app) *cobra.Command {
	var (
		metricsListen string
		probesListen  string
		interval      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run as a resident agent exposing metrics and probes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()

			gs := gracefulshutdown.New("clonebox serve")

			gs.WaitGroup().Add(1)
			go func() {
				defer gs.WaitGroup().Done()
				a.reconcileLoop(gs.Context(), interval)
			}()

			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

			probesMux := http.NewServeMux()
			probesMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			probesMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
				if _, err := a.orch.List(r.Context()); err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			})

			httputil.Serve(map[string]*http.Server{
				"metrics": {
					Addr:              metricsListen,
					Handler:           metricsMux,
					ReadHeaderTimeout: time.Second,
				},
				"probes": {
					Addr:              probesListen,
					Handler:           probesMux,
					ReadHeaderTimeout: time.Second,
				},
			}, gs)

			return nil
		},
	}

	cmd.Flags().StringVar(&metricsListen, "metrics-listen", defaultMetricsListen, "Address for the Prometheus metrics endpoint")
	cmd.Flags().StringVar(&probesListen, "probes-listen", defaultProbesListen, "Address for the liveness/readiness probes")
	cmd.Flags().DurationVar(&interval, "interval", defaultReconcileEvery, "How often to reconcile VM state against the backend")
	return cmd
}

// reconcileLoop tallies managed VMs by state every interval until ctx is
// cancelled. The tally feeds the clonebox_vms gauge.
func (a *app) reconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.reconcileOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) reconcileOnce(ctx context.Context) {
	records, err := a.orch.List(ctx)
	if err != nil {
		a.logger.Warn("reconcile pass failed", "error", err)
		return
	}

	counts := make(map[types.VMState]int, len(records))
	for _, rec := range records {
		counts[rec.State]++
	}
	a.metrics.SetVMStates(counts)
	a.logger.Debug("reconciled VM states", "vms", len(records))
}
