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

// Package backend defines the abstract virtualization backend the engine
// drives. Any concrete virtualization stack is an adapter implementing this
// capability set; the engine never assumes a specific transport. This seam
// keeps the core portable and testable against a fake backend.
package backend

import (
	"context"

	"github.com/wronai/clonebox/internal/types"
)

// Mount is one host directory exported into the guest under a tag.
type Mount struct {
	Tag      string
	HostPath string
}

// DomainConfig is everything an adapter needs to register a VM.
type DomainConfig struct {
	Name      string
	MemoryMB  int
	VCPUs     int
	DiskGB    int
	BaseImage string
	// DiskPath is where the VM's writable disk lives, inside the VM's
	// backing-store directory.
	DiskPath string
	// SeedISOPath is the rendered cloud-init seed image, attached read-only.
	SeedISOPath string
	Mounts      []Mount
	Network     string
}

// ExecResult is the outcome of a guest-agent command execution.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Backend is the lifecycle-control interface of the external virtualization
// layer.
//
// State queries report types.StateAbsent for unknown domains rather than
// failing; adapters return types.ErrBackendUnavailable (wrapped) when the
// hypervisor itself cannot be reached so callers can distinguish "not
// there" from "cannot tell".
type Backend interface {
	// DefineDomain registers a new domain. It does not start it.
	DefineDomain(ctx context.Context, cfg DomainConfig) error
	// StartDomain boots a defined domain.
	StartDomain(ctx context.Context, name string) error
	// ShutdownDomain requests a graceful guest shutdown and returns without
	// waiting for it to complete.
	ShutdownDomain(ctx context.Context, name string) error
	// DestroyDomain terminates a domain immediately.
	DestroyDomain(ctx context.Context, name string) error
	// UndefineDomain removes a domain's registration. Undefining an absent
	// domain is a no-op.
	UndefineDomain(ctx context.Context, name string) error

	// DomainState returns the backend's authoritative state for the domain.
	DomainState(ctx context.Context, name string) (types.VMState, error)
	// DomainAddress returns the domain's primary IP address, or empty if
	// none is assigned yet.
	DomainAddress(ctx context.Context, name string) (string, error)

	// SnapshotCreate captures a point-in-time snapshot and returns the
	// backend-assigned handle.
	SnapshotCreate(ctx context.Context, name, snapshot string) (string, error)
	SnapshotRestore(ctx context.Context, name, snapshot string) error
	SnapshotDelete(ctx context.Context, name, snapshot string) error
	SnapshotList(ctx context.Context, name string) ([]string, error)

	// GuestPing checks guest-agent responsiveness.
	GuestPing(ctx context.Context, name string) error
	// GuestExec runs a command inside the guest through the agent.
	GuestExec(ctx context.Context, name string, cmd []string) (ExecResult, error)

	Close() error
}
