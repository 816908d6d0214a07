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

// Package fakebackend provides an in-memory Backend for tests: it tracks
// domain and snapshot state, records the operations it served, and can be
// told to fail specific operations.
package fakebackend

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/wronai/clonebox/internal/backend"
	"github.com/wronai/clonebox/internal/types"
)

type domain struct {
	cfg       backend.DomainConfig
	state     types.VMState
	snapshots []string
}

// Fake is an in-memory backend.Backend.
type Fake struct {
	mu      sync.Mutex
	domains map[string]*domain
	failOn  map[string]error
	ops     []string

	// GuestPingFn and GuestExecFn override the default guest-agent
	// behavior when set; tests use them to simulate a missing agent.
	GuestPingFn func(ctx context.Context, name string) error
	GuestExecFn func(ctx context.Context, name string, cmd []string) (backend.ExecResult, error)

	// Address is returned for every running domain.
	Address string
}

var _ backend.Backend = (*Fake)(nil)

// New returns an empty fake backend.
func New() *Fake {
	return &Fake{
		domains: map[string]*domain{},
		failOn:  map[string]error{},
		Address: "192.0.2.10",
	}
}

// FailOn makes the named operation ("define", "start", "shutdown",
// "destroy", "undefine", "snapshot-create", ...) return err.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[op] = err
}

// Ops returns the operations served so far, e.g. "define:vm-a".
func (f *Fake) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ops)
}

// SetState forces a domain into the given state, registering it if needed.
func (f *Fake) SetState(name string, state types.VMState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[name]
	if !ok {
		d = &domain{cfg: backend.DomainConfig{Name: name}}
		f.domains[name] = d
	}
	d.state = state
}

// DomainConfigFor returns the config a domain was defined with.
func (f *Fake) DomainConfigFor(name string) (backend.DomainConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[name]
	if !ok {
		return backend.DomainConfig{}, false
	}
	return d.cfg, true
}

func (f *Fake) begin(op, name string) (*domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op+":"+name)
	if err := f.failOn[op]; err != nil {
		return nil, err
	}
	return f.domains[name], nil
}

func (f *Fake) DefineDomain(ctx context.Context, cfg backend.DomainConfig) error {
	if _, err := f.begin("define", cfg.Name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.domains[cfg.Name]; ok {
		return fmt.Errorf("domain %s already defined", cfg.Name)
	}
	f.domains[cfg.Name] = &domain{cfg: cfg, state: types.StateStopped}
	return nil
}

func (f *Fake) StartDomain(ctx context.Context, name string) error {
	d, err := f.begin("start", name)
	if err != nil {
		return err
	}
	if d == nil {
		return types.ErrVMNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d.state = types.StateRunning
	return nil
}

func (f *Fake) ShutdownDomain(ctx context.Context, name string) error {
	d, err := f.begin("shutdown", name)
	if err != nil {
		return err
	}
	if d == nil {
		return types.ErrVMNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// The fake guest honors graceful shutdown immediately.
	d.state = types.StateStopped
	return nil
}

func (f *Fake) DestroyDomain(ctx context.Context, name string) error {
	d, err := f.begin("destroy", name)
	if err != nil {
		return err
	}
	if d == nil {
		return types.ErrVMNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d.state = types.StateStopped
	return nil
}

func (f *Fake) UndefineDomain(ctx context.Context, name string) error {
	if _, err := f.begin("undefine", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.domains, name)
	return nil
}

func (f *Fake) DomainState(ctx context.Context, name string) (types.VMState, error) {
	d, err := f.begin("state", name)
	if err != nil {
		return "", err
	}
	if d == nil {
		return types.StateAbsent, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return d.state, nil
}

func (f *Fake) DomainAddress(ctx context.Context, name string) (string, error) {
	d, err := f.begin("address", name)
	if err != nil {
		return "", err
	}
	if d == nil {
		return "", types.ErrVMNotFound
	}
	return f.Address, nil
}

func (f *Fake) SnapshotCreate(ctx context.Context, name, snapshot string) (string, error) {
	d, err := f.begin("snapshot-create", name)
	if err != nil {
		return "", err
	}
	if d == nil {
		return "", types.ErrVMNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d.snapshots = append(d.snapshots, snapshot)
	return "fake-" + name + "-" + snapshot, nil
}

func (f *Fake) SnapshotRestore(ctx context.Context, name, snapshot string) error {
	d, err := f.begin("snapshot-restore", name)
	if err != nil {
		return err
	}
	if d == nil {
		return types.ErrVMNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(d.snapshots, snapshot) {
		return types.ErrSnapshotNotFound
	}
	return nil
}

func (f *Fake) SnapshotDelete(ctx context.Context, name, snapshot string) error {
	d, err := f.begin("snapshot-delete", name)
	if err != nil {
		return err
	}
	if d == nil {
		return types.ErrVMNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.Index(d.snapshots, snapshot)
	if i < 0 {
		return types.ErrSnapshotNotFound
	}
	d.snapshots = slices.Delete(d.snapshots, i, i+1)
	return nil
}

func (f *Fake) SnapshotList(ctx context.Context, name string) ([]string, error) {
	d, err := f.begin("snapshot-list", name)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, types.ErrVMNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(d.snapshots), nil
}

func (f *Fake) GuestPing(ctx context.Context, name string) error {
	if f.GuestPingFn != nil {
		return f.GuestPingFn(ctx, name)
	}
	d, err := f.begin("guest-ping", name)
	if err != nil {
		return err
	}
	if d == nil {
		return types.ErrVMNotFound
	}
	return nil
}

func (f *Fake) GuestExec(
	ctx context.Context, name string, cmd []string,
) (backend.ExecResult, error) {
	if f.GuestExecFn != nil {
		return f.GuestExecFn(ctx, name, cmd)
	}
	d, err := f.begin("guest-exec", name)
	if err != nil {
		return backend.ExecResult{}, err
	}
	if d == nil {
		return backend.ExecResult{}, types.ErrVMNotFound
	}
	return backend.ExecResult{ExitCode: 0}, nil
}

func (f *Fake) Close() error { return nil }
