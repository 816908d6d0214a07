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
	"time"

	"github.com/spf13/cobra"

	"github.com/wronai/clonebox/internal/audit"
	"github.com/wronai/clonebox/internal/types"
)

func newAuditCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the append-only lifecycle audit log",
	}
	cmd.AddCommand(
		newAuditListCommand(a),
		newAuditSearchCommand(a),
		newAuditExportCommand(a),
	)
	return cmd
}

func newAuditListCommand(a *app) *cobra.Command {
	var last time.Duration

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.openAudit(); err != nil {
				return err
			}
			defer a.close()

			events, err := a.auditLog.Query(audit.Filter{
				From: time.Now().Add(-last),
			})
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
	cmd.Flags().DurationVar(&last, "last", 24*time.Hour, "How far back to list")
	return cmd
}

func newAuditSearchCommand(a *app) *cobra.Command {
	var (
		vm    string
		kinds []string
		from  string
		to    string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit events by VM, kind and time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := audit.Filter{VM: vm}
			for _, k := range kinds {
				filter.Kinds = append(filter.Kinds, types.EventKind(k))
			}
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
				filter.From = t
			}
			if to != "" {
				t, err := time.Parse(time.RFC3339, to)
				if err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
				filter.To = t
			}

			if err := a.openAudit(); err != nil {
				return err
			}
			defer a.close()

			events, err := a.auditLog.Query(filter)
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
	cmd.Flags().StringVar(&vm, "vm", "", "Only events for this VM")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Only these event kinds (repeatable)")
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&to, "to", "", "RFC3339 upper bound")
	return cmd
}

func newAuditExportCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the raw audit log (JSONL)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.openAudit(); err != nil {
				return err
			}
			defer a.close()

			w := os.Stdout
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			return a.auditLog.Export(w)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file, or - for stdout")
	return cmd
}
