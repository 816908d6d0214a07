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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wronai/clonebox/internal/detect"
	"github.com/wronai/clonebox/internal/health"
	"github.com/wronai/clonebox/internal/specfile"
	"github.com/wronai/clonebox/internal/synth"
	"github.com/wronai/clonebox/internal/types"
)

func newCreateCommand(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and boot a VM from a clone spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := specfile.Load(file)
			if err != nil {
				return err
			}
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()

			if err := a.orch.Create(cmd.Context(), spec); err != nil {
				return err
			}
			// Keep a copy next to the VM's disk so status and clone runs
			// can find it later.
			if err := specfile.Save(
				filepath.Join(a.cfg.StoreRoot, spec.Name, "spec.yaml"), spec,
			); err != nil {
				a.logger.Warn("failed to store spec copy", "vm", spec.Name, "error", err)
			}
			fmt.Fprintf(os.Stdout, "created %s\n", spec.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", specfile.DefaultFileName, "Clone spec file")
	return cmd
}

func newStartCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Start a stopped VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()
			return a.orch.Start(cmd.Context(), args[0])
		},
	}
}

func newStopCommand(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Stop a running VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()
			return a.orch.Stop(cmd.Context(), args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Destroy immediately instead of waiting for a graceful shutdown")
	return cmd
}

func newRestartCommand(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restart <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Stop and start a VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()
			if err := a.orch.Stop(cmd.Context(), args[0], force); err != nil {
				return err
			}
			return a.orch.Start(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Destroy immediately instead of waiting for a graceful shutdown")
	return cmd
}

func newDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Delete a VM and its backing store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()
			return a.orch.Delete(cmd.Context(), args[0])
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known VMs and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()
			records, err := a.orch.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(records)
		},
	}
}

func newDetectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Detect services, applications and project paths on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			d := detect.New(
				detect.WithProbes(detect.HostProbes("/proc", "/", cwd)...),
				detect.WithLogger(a.logger),
			)
			return printJSON(d.Detect(cmd.Context()))
		},
	}
}

func newCloneCommand(a *app) *cobra.Command {
	var (
		profileArg string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "clone <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Detect the host and synthesize (or refresh) a clone spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}

			profile, err := synth.ResolveProfile(profileArg)
			if err != nil {
				return err
			}

			var existing *types.CloneSpec
			if spec, lerr := specfile.Load(output); lerr == nil {
				existing = &spec
			} else if !errors.Is(lerr, os.ErrNotExist) {
				return lerr
			}

			d := detect.New(
				detect.WithProbes(detect.HostProbes("/proc", "/", cwd)...),
				detect.WithLogger(a.logger),
			)
			detected := d.Detect(cmd.Context())

			s := synth.New(synth.Caps{
				MaxMemoryMB: a.cfg.MaxMemoryMB,
				MaxVCPUs:    a.cfg.MaxVCPUs,
			})
			spec, err := s.Synthesize(args[0], detected, profile, existing)
			if err != nil {
				return err
			}

			if err := specfile.Save(output, spec); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&profileArg, "profile", "", "Built-in profile name or profile file path")
	cmd.Flags().StringVarP(&output, "output", "o", specfile.DefaultFileName, "Spec file to write")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	var quick bool

	cmd := &cobra.Command{
		Use:   "status <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Show a VM's state, address and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()

			name := args[0]
			rec, err := a.orch.State(cmd.Context(), name)
			if err != nil {
				return err
			}

			status := struct {
				types.VMRecord
				Health *health.Report `json:"health,omitempty"`
			}{VMRecord: rec}

			if rec.State == types.StateRunning {
				probes := storedProbes(a.cfg.StoreRoot, name)
				var report health.Report
				if quick {
					report = a.checker.Quick(cmd.Context(), name, probes)
				} else {
					report = a.checker.Check(cmd.Context(), name, probes)
				}
				status.Health = &report
			}
			return printJSON(status)
		},
	}
	cmd.Flags().BoolVar(&quick, "quick", false, "Run only the TCP probes")
	return cmd
}

// storedProbes loads the health probes from the spec copy stored at create
// time. No copy means no probes.
func storedProbes(storeRoot, name string) []types.ProbeSpec {
	spec, err := specfile.Load(filepath.Join(storeRoot, name, "spec.yaml"))
	if err != nil {
		return nil
	}
	return spec.Health
}
