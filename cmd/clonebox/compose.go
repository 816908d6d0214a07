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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/wronai/clonebox/internal/types"
)

const defaultComposeFile = "clonebox-compose.yaml"

func loadComposeGroup(path string) (types.ComposeGroup, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.ComposeGroup{}, fmt.Errorf("reading compose file %s: %w", path, err)
	}
	var group types.ComposeGroup
	if err := yaml.UnmarshalStrict(b, &group); err != nil {
		return types.ComposeGroup{}, fmt.Errorf("parsing compose file %s: %w", path, err)
	}
	return group, nil
}

func newComposeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Manage groups of VMs with start-order dependencies",
	}
	cmd.AddCommand(
		newComposeUpCommand(a),
		newComposeDownCommand(a),
		newComposeStatusCommand(a),
		newComposeLogsCommand(a),
	)
	return cmd
}

func newComposeUpCommand(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring a compose group up in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := loadComposeGroup(file)
			if err != nil {
				return err
			}
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()

			report, err := a.compose.Up(cmd.Context(), group)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("members failed: %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", defaultComposeFile, "Compose group file")
	return cmd
}

func newComposeDownCommand(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop a compose group, dependents first",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := loadComposeGroup(file)
			if err != nil {
				return err
			}
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()

			report, err := a.compose.Down(cmd.Context(), group)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("members failed: %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", defaultComposeFile, "Compose group file")
	return cmd
}

func newComposeStatusCommand(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every compose group member",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := loadComposeGroup(file)
			if err != nil {
				return err
			}
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()

			out := make([]types.VMRecord, 0, len(group.Members))
			for _, m := range group.Members {
				rec, serr := a.orch.State(cmd.Context(), m.Spec.Name)
				if serr != nil {
					rec = types.VMRecord{Name: m.Spec.Name, State: types.StateAbsent}
				}
				out = append(out, rec)
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", defaultComposeFile, "Compose group file")
	return cmd
}

func newComposeLogsCommand(a *app) *cobra.Command {
	var (
		file  string
		lines int
	)

	cmd := &cobra.Command{
		Use:   "logs [member...]",
		Short: "Fetch recent journal entries from running members via the guest agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := loadComposeGroup(file)
			if err != nil {
				return err
			}
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()

			selected := map[string]bool{}
			for _, name := range args {
				selected[name] = true
			}

			for _, m := range group.Members {
				name := m.Spec.Name
				if len(selected) > 0 && !selected[name] {
					continue
				}
				res, gerr := a.backend.GuestExec(cmd.Context(), name,
					[]string{"journalctl", "--no-pager", "-n", fmt.Sprint(lines)})
				if gerr != nil {
					fmt.Fprintf(os.Stdout, "==> %s: %v\n", name, gerr)
					continue
				}
				fmt.Fprintf(os.Stdout, "==> %s\n%s\n", name, res.Stdout)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", defaultComposeFile, "Compose group file")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Journal lines per member")
	return cmd
}
