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

// Package lifecycle drives clone VMs through their state machine against an
// abstract virtualization backend.
//
// States: Absent -> Provisioning -> Running <-> Stopped -> Absent, with
// Failed reachable from Provisioning. Create is transactional: it either
// completes every provisioning step or undoes the completed ones in reverse
// order, so a failed create leaves neither storage without a domain nor a
// domain without storage.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/wronai/clonebox/internal/backend"
	"github.com/wronai/clonebox/internal/metrics"
	"github.com/wronai/clonebox/internal/provision"
	"github.com/wronai/clonebox/internal/types"
)

const (
	// DefaultStopTimeout bounds the graceful shutdown wait before Stop
	// escalates to a forced destroy.
	DefaultStopTimeout = 30 * time.Second

	// provisioningSentinel marks a backing-store directory whose create has
	// not completed. Found outside an in-flight create, it means a torn
	// create and the VM reconciles to Failed.
	provisioningSentinel = ".provisioning"

	statePollInterval = 500 * time.Millisecond
)

var errVMExists = errors.New("VM already exists")

// Recorder receives audit events for lifecycle operations.
type Recorder interface {
	Record(types.AuditEvent)
}

// nopRecorder drops events. Used when no audit log is wired.
type nopRecorder struct{}

func (nopRecorder) Record(types.AuditEvent) {}

// Orchestrator owns VMRecords and serializes mutating operations per VM
// identity. Reads are lock-free with respect to other VMs.
type Orchestrator struct {
	backend     backend.Backend
	renderer    *provision.Renderer
	storeRoot   string
	baseImage   string
	network     string
	stopTimeout time.Duration
	locks       *keyedLock
	logger      *slog.Logger
	audit       Recorder
	metrics     *metrics.Metrics

	mu      sync.RWMutex
	records map[string]types.VMRecord
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithAudit(r Recorder) Option {
	return func(o *Orchestrator) { o.audit = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithStopTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stopTimeout = d }
}

func WithNetwork(network string) Option {
	return func(o *Orchestrator) { o.network = network }
}

// NewOrchestrator wires the orchestrator against a backend. baseImage is the
// read-only image clones overlay.
func NewOrchestrator(
	b backend.Backend,
	renderer *provision.Renderer,
	storeRoot, baseImage string,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		backend:     b,
		renderer:    renderer,
		storeRoot:   storeRoot,
		baseImage:   baseImage,
		network:     provision.DefaultNetwork,
		stopTimeout: DefaultStopTimeout,
		locks:       newKeyedLock(),
		logger:      slog.Default(),
		audit:       nopRecorder{},
		records:     make(map[string]types.VMRecord),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Lock acquires the VM's per-identity mutation lock for collaborators
// outside this package (snapshot operations count as lifecycle-mutating).
// The returned func releases it.
func (o *Orchestrator) Lock(name string) (unlock func()) {
	return o.locks.lock(name)
}

// undoStep is one completed provisioning step's inverse.
type undoStep struct {
	name string
	undo func() error
}

// Create provisions a new VM from the spec and boots it. On any failure the
// completed steps are undone in reverse order and a ProvisioningFailure
// naming the failing step is returned; the net effect equals never having
// called Create.
func (o *Orchestrator) Create(ctx context.Context, spec types.CloneSpec) (err error) {
	unlock := o.locks.lock(spec.Name)
	defer unlock()
	defer o.observe(types.EventCreate, spec.Name, time.Now(), &err)

	state, rerr := o.reconcile(ctx, spec.Name)
	if rerr != nil {
		return rerr
	}
	if state != types.StateAbsent {
		return fmt.Errorf("%w: %s is %s", errVMExists, spec.Name, state)
	}

	o.setRecord(types.VMRecord{
		Name:      spec.Name,
		State:     types.StateProvisioning,
		Scope:     spec.Scope,
		CreatedAt: time.Now().UTC(),
	})

	var undos []undoStep
	fail := func(step string, cause error) error {
		o.rollback(spec.Name, undos)
		o.dropRecord(spec.Name)
		return &types.ProvisioningFailure{VM: spec.Name, Step: step, Err: cause}
	}

	// Step 1: backing-store directory with an in-progress sentinel.
	dir := filepath.Join(o.storeRoot, spec.Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fail("allocate backing store", err)
	}
	sentinel := filepath.Join(dir, provisioningSentinel)
	if err := os.WriteFile(sentinel, nil, 0o600); err != nil {
		return fail("allocate backing store", err)
	}
	undos = append(undos, undoStep{"allocate backing store", func() error {
		return os.RemoveAll(dir)
	}})

	if err := ctx.Err(); err != nil {
		return fail("allocate backing store", err)
	}

	// Step 2: render the provisioning bundle and write boot artifacts.
	bundle, err := o.renderer.Render(spec)
	if err != nil {
		return fail("render provisioning bundle", err)
	}
	seedPath, err := o.renderer.WriteArtifacts(bundle)
	if err != nil {
		return fail("write boot artifacts", err)
	}

	if err := ctx.Err(); err != nil {
		return fail("write boot artifacts", err)
	}

	// Step 3: register the domain.
	cfg := o.domainConfig(spec, dir, seedPath, bundle)
	if err := o.withStaleRetry(ctx, spec.Name, func() error {
		return o.backend.DefineDomain(ctx, cfg)
	}); err != nil {
		return fail("define domain", err)
	}
	undos = append(undos, undoStep{"define domain", func() error {
		return o.backend.UndefineDomain(context.Background(), spec.Name)
	}})

	if err := ctx.Err(); err != nil {
		return fail("define domain", err)
	}

	// Step 4: boot it.
	if err := o.withStaleRetry(ctx, spec.Name, func() error {
		return o.backend.StartDomain(ctx, spec.Name)
	}); err != nil {
		return fail("start domain", err)
	}

	if err := os.Remove(sentinel); err != nil {
		o.logger.Warn("failed to clear provisioning sentinel",
			"vm", spec.Name, "error", err)
	}
	o.setRecord(types.VMRecord{
		Name:      spec.Name,
		State:     types.StateRunning,
		Scope:     spec.Scope,
		CreatedAt: time.Now().UTC(),
	})
	o.logger.Info("created VM", "vm", spec.Name)
	return nil
}

func (o *Orchestrator) domainConfig(
	spec types.CloneSpec, dir, seedPath string, bundle provision.Bundle,
) backend.DomainConfig {
	mounts := make([]backend.Mount, 0, len(bundle.Mounts))
	for _, m := range bundle.Mounts {
		mounts = append(mounts, backend.Mount{Tag: m.ExportTag, HostPath: m.HostPath})
	}
	return backend.DomainConfig{
		Name:        spec.Name,
		MemoryMB:    spec.Resources.MemoryMB,
		VCPUs:       spec.Resources.VCPUs,
		DiskGB:      spec.Resources.DiskGB,
		BaseImage:   o.baseImage,
		DiskPath:    filepath.Join(dir, "disk.qcow2"),
		SeedISOPath: seedPath,
		Mounts:      mounts,
		Network:     o.network,
	}
}

func (o *Orchestrator) rollback(vm string, undos []undoStep) {
	o.metrics.ObserveRollback()
	o.audit.Record(types.AuditEvent{
		Kind: types.EventRollback, VM: vm, Outcome: types.OutcomeSuccess,
	})
	for i := len(undos) - 1; i >= 0; i-- {
		if err := undos[i].undo(); err != nil {
			// Keep unwinding: later undos are independent of this one.
			o.logger.Error("rollback step failed",
				"vm", vm, "step", undos[i].name, "error", err)
		}
	}
}

// Start boots a stopped VM. Starting a running VM is a no-op.
func (o *Orchestrator) Start(ctx context.Context, name string) (err error) {
	unlock := o.locks.lock(name)
	defer unlock()
	defer o.observe(types.EventStart, name, time.Now(), &err)

	state, rerr := o.reconcile(ctx, name)
	if rerr != nil {
		return rerr
	}
	switch state {
	case types.StateAbsent:
		return fmt.Errorf("%w: %s", types.ErrVMNotFound, name)
	case types.StateProvisioning:
		return fmt.Errorf("%w: %s", types.ErrVMProvisioning, name)
	case types.StateRunning:
		return nil
	}

	if err := o.withStaleRetry(ctx, name, func() error {
		return o.backend.StartDomain(ctx, name)
	}); err != nil {
		return err
	}
	o.updateState(name, types.StateRunning)
	return nil
}

// Stop shuts a VM down. Without force it requests a graceful guest shutdown
// and waits up to the stop timeout before escalating to a forced destroy.
// Stopping a stopped VM is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, name string, force bool) (err error) {
	unlock := o.locks.lock(name)
	defer unlock()
	defer o.observe(types.EventStop, name, time.Now(), &err)

	state, rerr := o.reconcile(ctx, name)
	if rerr != nil {
		return rerr
	}
	switch state {
	case types.StateAbsent:
		return fmt.Errorf("%w: %s", types.ErrVMNotFound, name)
	case types.StateProvisioning:
		return fmt.Errorf("%w: %s", types.ErrVMProvisioning, name)
	case types.StateStopped, types.StateFailed:
		return nil
	}

	if force {
		if err := o.backend.DestroyDomain(ctx, name); err != nil {
			return err
		}
		o.updateState(name, types.StateStopped)
		return nil
	}

	if err := o.withStaleRetry(ctx, name, func() error {
		return o.backend.ShutdownDomain(ctx, name)
	}); err != nil {
		return err
	}
	if err := o.waitStopped(ctx, name); err != nil {
		// Cancellation leaves the VM in its last confirmed state.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("graceful shutdown timed out, destroying", "vm", name)
		if derr := o.backend.DestroyDomain(ctx, name); derr != nil {
			return derr
		}
	}
	o.updateState(name, types.StateStopped)
	return nil
}

func (o *Orchestrator) waitStopped(ctx context.Context, name string) error {
	deadline := time.Now().Add(o.stopTimeout)
	for {
		state, err := o.backend.DomainState(ctx, name)
		if err != nil {
			return err
		}
		if state == types.StateStopped || state == types.StateAbsent {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("VM %s did not stop within %s", name, o.stopTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(statePollInterval):
		}
	}
}

// Delete removes the VM's domain and backing store. It is idempotent:
// deleting an absent VM succeeds. Deletion is refused while a create is in
// flight.
func (o *Orchestrator) Delete(ctx context.Context, name string) (err error) {
	unlock := o.locks.lock(name)
	defer unlock()
	defer o.observe(types.EventDelete, name, time.Now(), &err)

	state, rerr := o.reconcile(ctx, name)
	if rerr != nil {
		return rerr
	}
	if state == types.StateProvisioning {
		return fmt.Errorf("%w: %s", types.ErrVMProvisioning, name)
	}

	if state == types.StateRunning {
		if err := o.backend.DestroyDomain(ctx, name); err != nil {
			return err
		}
	}
	if err := o.backend.UndefineDomain(ctx, name); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(o.storeRoot, name)); err != nil {
		return fmt.Errorf("cannot remove backing store for %s: %w", name, err)
	}
	o.dropRecord(name)
	o.logger.Info("deleted VM", "vm", name)
	return nil
}

// State returns the reconciled record for one VM.
func (o *Orchestrator) State(ctx context.Context, name string) (types.VMRecord, error) {
	state, err := o.reconcile(ctx, name)
	if err != nil {
		return types.VMRecord{}, err
	}
	if state == types.StateAbsent {
		return types.VMRecord{}, fmt.Errorf("%w: %s", types.ErrVMNotFound, name)
	}

	o.mu.RLock()
	rec, ok := o.records[name]
	o.mu.RUnlock()
	if !ok {
		rec = types.VMRecord{Name: name, State: state}
	}

	if state == types.StateRunning {
		if addr, aerr := o.backend.DomainAddress(ctx, name); aerr == nil {
			rec.Address = addr
		}
	}
	return rec, nil
}

// List returns reconciled records for every known VM, sorted by name. Known
// means present in the backing store or in the backend.
func (o *Orchestrator) List(ctx context.Context) ([]types.VMRecord, error) {
	names := map[string]struct{}{}

	entries, err := os.ReadDir(o.storeRoot)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			names[e.Name()] = struct{}{}
		}
	}
	o.mu.RLock()
	for name := range o.records {
		names[name] = struct{}{}
	}
	o.mu.RUnlock()

	out := make([]types.VMRecord, 0, len(names))
	for name := range names {
		rec, err := o.State(ctx, name)
		if errors.Is(err, types.ErrVMNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// reconcile refreshes the cached record from backend truth and returns the
// authoritative state. A backing store carrying a provisioning sentinel with
// no in-flight create is a torn create and reconciles to Failed.
func (o *Orchestrator) reconcile(ctx context.Context, name string) (types.VMState, error) {
	state, err := o.backend.DomainState(ctx, name)
	if err != nil {
		return "", err
	}

	sentinel := filepath.Join(o.storeRoot, name, provisioningSentinel)
	if _, serr := os.Stat(sentinel); serr == nil && state != types.StateRunning {
		state = types.StateFailed
	}

	if state == types.StateAbsent {
		// Storage without a domain still counts as present: Delete must be
		// able to clean it up.
		if _, serr := os.Stat(filepath.Join(o.storeRoot, name)); serr == nil {
			state = types.StateFailed
		}
	}

	o.mu.Lock()
	if state == types.StateAbsent {
		delete(o.records, name)
	} else if rec, ok := o.records[name]; ok {
		rec.State = state
		o.records[name] = rec
	} else {
		o.records[name] = types.VMRecord{Name: name, State: state}
	}
	o.mu.Unlock()
	return state, nil
}

// withStaleRetry runs a mutating backend call, reconciling and retrying
// exactly once when the backend reports the cached view was stale.
func (o *Orchestrator) withStaleRetry(ctx context.Context, name string, fn func() error) error {
	err := fn()
	if !errors.Is(err, types.ErrStaleState) {
		return err
	}
	o.logger.Warn("stale VM state, reconciling and retrying once", "vm", name)
	if _, rerr := o.reconcile(ctx, name); rerr != nil {
		return rerr
	}
	return fn()
}

func (o *Orchestrator) observe(kind types.EventKind, vm string, start time.Time, err *error) {
	outcome := types.OutcomeSuccess
	detail := ""
	if *err != nil {
		outcome = types.OutcomeFailure
		detail = (*err).Error()
	}
	o.metrics.ObserveOperation(kind, outcome, time.Since(start))
	o.audit.Record(types.AuditEvent{
		Kind: kind, VM: vm, Outcome: outcome, Detail: detail,
	})
}

func (o *Orchestrator) setRecord(rec types.VMRecord) {
	o.mu.Lock()
	o.records[rec.Name] = rec
	o.mu.Unlock()
}

func (o *Orchestrator) updateState(name string, state types.VMState) {
	o.mu.Lock()
	if rec, ok := o.records[name]; ok {
		rec.State = state
		o.records[name] = rec
	} else {
		o.records[name] = types.VMRecord{Name: name, State: state}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) dropRecord(name string) {
	o.mu.Lock()
	delete(o.records, name)
	o.mu.Unlock()
}
