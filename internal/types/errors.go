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

package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBackendUnavailable indicates the virtualization backend cannot be
	// reached. It is surfaced immediately and never retried: retrying
	// against a down hypervisor wastes time.
	ErrBackendUnavailable = errors.New("virtualization backend unavailable")

	// ErrStaleState indicates the cached VM record disagrees with backend
	// truth. Recoverable: the caller reconciles against the backend and
	// retries the operation once.
	ErrStaleState = errors.New("stale VM state")

	// ErrVMNotFound indicates no VM exists under the given identity.
	ErrVMNotFound = errors.New("VM not found")

	// ErrVMProvisioning indicates the operation is invalid while a create
	// is in flight for the VM.
	ErrVMProvisioning = errors.New("VM is provisioning")

	// ErrSnapshotNotFound indicates no snapshot exists under the given name.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// ValidationError is raised before any backend mutation: bad mount path,
// resource caps exceeded, malformed spec.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid spec: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ProvisioningFailure is the single rollback-then-report outcome of a failed
// create. By the time it is returned, all completed provisioning steps have
// been undone. It always names the VM identity and the failing step.
type ProvisioningFailure struct {
	VM   string
	Step string
	Err  error
}

func (e *ProvisioningFailure) Error() string {
	return fmt.Sprintf("provisioning %s failed at step %q: %v", e.VM, e.Step, e.Err)
}

func (e *ProvisioningFailure) Unwrap() error { return e.Err }

// CycleError indicates a compose group's dependency graph contains a cycle.
type CycleError struct {
	Group string
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf(
		"compose group %q has a dependency cycle: %s",
		e.Group, strings.Join(e.Cycle, " -> "),
	)
}

// MigrationError flags v1 fields that cannot be expressed in the target
// schema. Migration never silently drops a field.
type MigrationError struct {
	UnknownFields []string
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf(
		"spec migration: unknown v1 fields: %s",
		strings.Join(e.UnknownFields, ", "),
	)
}
