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

// Package snapshot captures and restores point-in-time VM states.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/wronai/clonebox/internal/backend"
	"github.com/wronai/clonebox/internal/types"
)

const recordsFile = "snapshots.json"

var errSnapshotState = errors.New("VM state does not allow snapshots")

// VMController is the slice of the lifecycle orchestrator the manager
// needs: state reconciliation, graceful stop and the per-identity mutation
// lock. Snapshot operations hold the same lock as lifecycle operations so
// a concurrent start cannot slip between a state check and the backend
// call.
type VMController interface {
	State(ctx context.Context, name string) (types.VMRecord, error)
	Stop(ctx context.Context, name string, force bool) error
	Lock(name string) (unlock func())
}

// Recorder receives audit events for snapshot operations.
type Recorder interface {
	Record(types.AuditEvent)
}

type nopRecorder struct{}

func (nopRecorder) Record(types.AuditEvent) {}

// Manager drives snapshot operations through the backend, keeping its own
// records under each VM's backing-store directory.
type Manager struct {
	backend   backend.Backend
	vms       VMController
	storeRoot string
	audit     Recorder
}

// Option configures a Manager.
type Option func(*Manager)

func WithAudit(r Recorder) Option {
	return func(m *Manager) { m.audit = r }
}

// NewManager returns a Manager persisting records under storeRoot.
func NewManager(b backend.Backend, vms VMController, storeRoot string, opts ...Option) *Manager {
	m := &Manager{backend: b, vms: vms, storeRoot: storeRoot, audit: nopRecorder{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create captures a snapshot of the VM. Refused while the VM is
// provisioning or failed; running and stopped VMs can both be snapshotted.
func (m *Manager) Create(ctx context.Context, vm, name string) (snap types.Snapshot, err error) {
	defer m.record(types.EventSnapshotCreate, vm, &err)

	unlock := m.vms.Lock(vm)
	defer unlock()

	rec, err := m.vms.State(ctx, vm)
	if err != nil {
		return types.Snapshot{}, err
	}
	if rec.State == types.StateProvisioning || rec.State == types.StateFailed {
		return types.Snapshot{}, fmt.Errorf("%w: %s is %s", errSnapshotState, vm, rec.State)
	}

	handle, err := m.backend.SnapshotCreate(ctx, vm, name)
	if err != nil {
		return types.Snapshot{}, err
	}

	snap = types.Snapshot{
		Name:      name,
		VM:        vm,
		CreatedAt: time.Now().UTC(),
		Handle:    handle,
	}
	if err := m.appendRecord(vm, snap); err != nil {
		return types.Snapshot{}, err
	}
	return snap, nil
}

// Restore reverts the VM to the named snapshot. A running VM is stopped
// gracefully first; restore proceeds from the stopped state.
func (m *Manager) Restore(ctx context.Context, vm, name string) (err error) {
	defer m.record(types.EventSnapshotRestore, vm, &err)

	if _, err := m.lookup(vm, name); err != nil {
		return err
	}

	rec, err := m.vms.State(ctx, vm)
	if err != nil {
		return err
	}
	if rec.State == types.StateRunning {
		// Stop acquires the mutation lock itself, so it runs before we take
		// the lock for the restore.
		if err := m.vms.Stop(ctx, vm, false); err != nil {
			return fmt.Errorf("cannot stop %s before restore: %w", vm, err)
		}
	}

	unlock := m.vms.Lock(vm)
	defer unlock()

	// Re-check under the lock: a start may have raced the graceful stop.
	rec, err = m.vms.State(ctx, vm)
	if err != nil {
		return err
	}
	if rec.State != types.StateStopped {
		return fmt.Errorf("%w: %s is %s, restore requires stopped",
			errSnapshotState, vm, rec.State)
	}

	return m.backend.SnapshotRestore(ctx, vm, name)
}

// Delete removes the named snapshot. Deleting an absent snapshot succeeds.
func (m *Manager) Delete(ctx context.Context, vm, name string) (err error) {
	defer m.record(types.EventSnapshotDelete, vm, &err)

	unlock := m.vms.Lock(vm)
	defer unlock()

	if _, lerr := m.lookup(vm, name); errors.Is(lerr, types.ErrSnapshotNotFound) {
		return nil
	} else if lerr != nil {
		return lerr
	}

	if err := m.backend.SnapshotDelete(ctx, vm, name); err != nil &&
		!errors.Is(err, types.ErrSnapshotNotFound) {
		return err
	}
	return m.removeRecord(vm, name)
}

// List returns the VM's snapshots sorted by creation time. Read-only.
func (m *Manager) List(vm string) ([]types.Snapshot, error) {
	snaps, err := m.loadRecords(vm)
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps, nil
}

func (m *Manager) lookup(vm, name string) (types.Snapshot, error) {
	snaps, err := m.loadRecords(vm)
	if err != nil {
		return types.Snapshot{}, err
	}
	for _, s := range snaps {
		if s.Name == name {
			return s, nil
		}
	}
	return types.Snapshot{}, fmt.Errorf("%w: %s/%s", types.ErrSnapshotNotFound, vm, name)
}

func (m *Manager) recordsPath(vm string) string {
	return filepath.Join(m.storeRoot, vm, recordsFile)
}

func (m *Manager) loadRecords(vm string) ([]types.Snapshot, error) {
	b, err := os.ReadFile(m.recordsPath(vm))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snaps []types.Snapshot
	if err := json.Unmarshal(b, &snaps); err != nil {
		return nil, fmt.Errorf("corrupt snapshot records for %s: %w", vm, err)
	}
	return snaps, nil
}

func (m *Manager) saveRecords(vm string, snaps []types.Snapshot) error {
	b, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.recordsPath(vm), b, 0o600)
}

func (m *Manager) appendRecord(vm string, snap types.Snapshot) error {
	snaps, err := m.loadRecords(vm)
	if err != nil {
		return err
	}
	// Re-creating a name replaces the old record, matching backend behavior.
	out := snaps[:0]
	for _, s := range snaps {
		if s.Name != snap.Name {
			out = append(out, s)
		}
	}
	return m.saveRecords(vm, append(out, snap))
}

func (m *Manager) removeRecord(vm, name string) error {
	snaps, err := m.loadRecords(vm)
	if err != nil {
		return err
	}
	out := snaps[:0]
	for _, s := range snaps {
		if s.Name != name {
			out = append(out, s)
		}
	}
	return m.saveRecords(vm, out)
}

func (m *Manager) record(kind types.EventKind, vm string, err *error) {
	outcome := types.OutcomeSuccess
	detail := ""
	if *err != nil {
		outcome = types.OutcomeFailure
		detail = (*err).Error()
	}
	m.audit.Record(types.AuditEvent{Kind: kind, VM: vm, Outcome: outcome, Detail: detail})
}
