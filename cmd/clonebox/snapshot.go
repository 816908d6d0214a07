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

	"github.com/spf13/cobra"
)

func newSnapshotCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage VM snapshots",
	}
	cmd.AddCommand(
		newSnapshotCreateCommand(a),
		newSnapshotListCommand(a),
		newSnapshotRestoreCommand(a),
		newSnapshotDeleteCommand(a),
	)
	return cmd
}

func newSnapshotCreateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <vm> <snapshot>",
		Args:  cobra.ExactArgs(2),
		Short: "Capture a point-in-time snapshot of a VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()
			snap, err := a.snaps.Create(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created snapshot %s of %s\n", snap.Name, snap.VM)
			return nil
		},
	}
}

func newSnapshotListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <vm>",
		Args:  cobra.ExactArgs(1),
		Short: "List a VM's snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()
			snaps, err := a.snaps.List(args[0])
			if err != nil {
				return err
			}
			return printJSON(snaps)
		},
	}
}

func newSnapshotRestoreCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <vm> <snapshot>",
		Args:  cobra.ExactArgs(2),
		Short: "Revert a VM to a snapshot (stops it first if running)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()
			return a.snaps.Restore(cmd.Context(), args[0], args[1])
		},
	}
}

func newSnapshotDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <vm> <snapshot>",
		Args:  cobra.ExactArgs(2),
		Short: "Delete a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine(); err != nil {
				return err
			}
			defer a.close()
			return a.snaps.Delete(cmd.Context(), args[0], args[1])
		},
	}
}
