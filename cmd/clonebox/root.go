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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wronai/clonebox/internal/audit"
	"github.com/wronai/clonebox/internal/backend"
	"github.com/wronai/clonebox/internal/backend/libvirtbackend"
	"github.com/wronai/clonebox/internal/compose"
	"github.com/wronai/clonebox/internal/health"
	"github.com/wronai/clonebox/internal/lifecycle"
	"github.com/wronai/clonebox/internal/metrics"
	"github.com/wronai/clonebox/internal/provision"
	"github.com/wronai/clonebox/internal/snapshot"
	"github.com/wronai/clonebox/internal/types"
	"github.com/wronai/clonebox/internal/util/logging"
)

// app holds the wired engine behind every subcommand. It is built lazily so
// commands that never touch the backend (detect, audit) do not require a
// reachable hypervisor.
type app struct {
	cfg    *Config
	logger *slog.Logger

	backend  backend.Backend
	orch     *lifecycle.Orchestrator
	checker  *health.Checker
	snaps    *snapshot.Manager
	compose  *compose.Orchestrator
	auditLog *audit.Log

	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		system     bool
		verbose    bool
	)
	a := &app{}

	root := &cobra.Command{
		Use:           "clonebox",
		Short:         "Turn this workstation into reproducible, isolated VM clones",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the JSON config file")
	root.PersistentFlags().BoolVar(&system, "system", false, "Use the shared system backend instead of the per-user one")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		if system {
			cfg.Scope = string(types.ScopeSystem)
		}
		a.cfg = cfg

		opts := logging.DefaultOptions()
		opts.Development = cfg.DevelopmentMode
		if verbose {
			opts.Level = slog.LevelDebug
		}
		a.logger = logging.Setup(opts)
		return nil
	}

	root.AddCommand(
		newCreateCommand(a),
		newStartCommand(a),
		newStopCommand(a),
		newRestartCommand(a),
		newDeleteCommand(a),
		newListCommand(a),
		newDetectCommand(a),
		newCloneCommand(a),
		newStatusCommand(a),
		newSnapshotCommand(a),
		newComposeCommand(a),
		newAuditCommand(a),
		newServeCommand(a),
	)
	return root
}

// engine wires the backend-facing components. Called by commands that
// mutate or inspect VMs.
func (a *app) engine() error {
	if a.orch != nil {
		return nil
	}

	log, err := audit.Open(
		filepath.Join(a.cfg.StoreRoot, audit.DefaultFileName),
		a.logger,
		audit.WithActor(currentActor()),
	)
	if err != nil {
		return err
	}
	a.auditLog = log

	b, err := libvirtbackend.New(types.Scope(a.cfg.Scope))
	if err != nil {
		return err
	}
	a.backend = b

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	m := a.metrics
	renderer := provision.NewRenderer(a.cfg.StoreRoot, provision.WithNetwork(a.cfg.Network))
	a.orch = lifecycle.NewOrchestrator(
		b, renderer, a.cfg.StoreRoot, a.cfg.BaseImage,
		lifecycle.WithLogger(a.logger),
		lifecycle.WithAudit(log),
		lifecycle.WithMetrics(m),
	)
	a.checker = health.NewChecker(b)
	a.snaps = snapshot.NewManager(b, a.orch, a.cfg.StoreRoot, snapshot.WithAudit(log))
	a.compose = compose.NewOrchestrator(
		a.orch,
		compose.WithWorkers(a.cfg.ComposeWorkers),
		compose.WithLogger(a.logger),
		compose.WithAudit(log),
	)
	return nil
}

// openAudit wires only the audit log, for commands that never touch the
// backend.
func (a *app) openAudit() error {
	if a.auditLog != nil {
		return nil
	}
	log, err := audit.Open(
		filepath.Join(a.cfg.StoreRoot, audit.DefaultFileName),
		a.logger,
		audit.WithActor(currentActor()),
	)
	if err != nil {
		return err
	}
	a.auditLog = log
	return nil
}

// currentActor resolves the invoking OS user for audit records.
func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

func (a *app) close() {
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("failed to close backend", "error", err)
		}
	}
	if a.auditLog != nil {
		if err := a.auditLog.Close(); err != nil {
			a.logger.Warn("failed to close audit log", "error", err)
		}
	}
}

// printJSON writes v to stdout; all machine-readable command output goes
// through here.
func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(b))
	return err
}
