//go:build unit

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

package lifecycle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wronai/clonebox/internal/backend/fakebackend"
	"github.com/wronai/clonebox/internal/lifecycle"
	"github.com/wronai/clonebox/internal/provision"
	"github.com/wronai/clonebox/internal/types"
)

type harness struct {
	orch      *lifecycle.Orchestrator
	fake      *fakebackend.Fake
	storeRoot string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	storeRoot := t.TempDir()
	fake := fakebackend.New()
	orch := lifecycle.NewOrchestrator(
		fake,
		provision.NewRenderer(storeRoot),
		storeRoot,
		"/var/lib/clonebox/base.qcow2",
		lifecycle.WithStopTimeout(2*time.Second),
	)
	return &harness{orch: orch, fake: fake, storeRoot: storeRoot}
}

func testSpec(t *testing.T, name string) types.CloneSpec {
	t.Helper()
	return types.CloneSpec{
		Version:   types.SpecVersion,
		Name:      name,
		Scope:     types.ScopeUser,
		Resources: types.Resources{MemoryMB: 2048, VCPUs: 2, DiskGB: 20},
		Mounts:    map[string]string{t.TempDir(): "/workspace/app"},
		Packages:  []string{"git"},
		Auth:      types.Auth{Method: types.AuthSSHKey},
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("provisions, defines and boots", func(t *testing.T) {
		h := newHarness(t)
		spec := testSpec(t, "vm-a")

		require.NoError(t, h.orch.Create(ctx, spec))

		cfg, ok := h.fake.DomainConfigFor("vm-a")
		require.True(t, ok)
		assert.Equal(t, 2048, cfg.MemoryMB)
		assert.Equal(t, filepath.Join(h.storeRoot, "vm-a", "disk.qcow2"), cfg.DiskPath)
		assert.Equal(t, filepath.Join(h.storeRoot, "vm-a", "seed.iso"), cfg.SeedISOPath)
		require.Len(t, cfg.Mounts, 1)
		assert.Equal(t, "cb-workspace-app", cfg.Mounts[0].Tag)

		rec, err := h.orch.State(ctx, "vm-a")
		require.NoError(t, err)
		assert.Equal(t, types.StateRunning, rec.State)
		assert.Equal(t, "192.0.2.10", rec.Address)

		// Create completed, so the in-progress sentinel must be gone.
		_, serr := os.Stat(filepath.Join(h.storeRoot, "vm-a", ".provisioning"))
		assert.True(t, os.IsNotExist(serr))
	})

	t.Run("refuses an existing identity", func(t *testing.T) {
		h := newHarness(t)
		spec := testSpec(t, "vm-a")
		require.NoError(t, h.orch.Create(ctx, spec))

		err := h.orch.Create(ctx, spec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("rolls back when define fails", func(t *testing.T) {
		h := newHarness(t)
		boom := errors.New("no capacity")
		h.fake.FailOn("define", boom)

		err := h.orch.Create(ctx, testSpec(t, "vm-a"))

		var pf *types.ProvisioningFailure
		require.True(t, errors.As(err, &pf))
		assert.Equal(t, "vm-a", pf.VM)
		assert.Equal(t, "define domain", pf.Step)
		assert.True(t, errors.Is(err, boom))

		// Net effect equals never having called Create.
		_, serr := os.Stat(filepath.Join(h.storeRoot, "vm-a"))
		assert.True(t, os.IsNotExist(serr))
		state, err := h.fake.DomainState(ctx, "vm-a")
		require.NoError(t, err)
		assert.Equal(t, types.StateAbsent, state)
	})

	t.Run("rolls back when start fails", func(t *testing.T) {
		h := newHarness(t)
		h.fake.FailOn("start", errors.New("kvm unavailable"))

		err := h.orch.Create(ctx, testSpec(t, "vm-a"))

		var pf *types.ProvisioningFailure
		require.True(t, errors.As(err, &pf))
		assert.Equal(t, "start domain", pf.Step)

		// The defined domain was undefined again and storage removed.
		state, serr := h.fake.DomainState(ctx, "vm-a")
		require.NoError(t, serr)
		assert.Equal(t, types.StateAbsent, state)
		_, derr := os.Stat(filepath.Join(h.storeRoot, "vm-a"))
		assert.True(t, os.IsNotExist(derr))
	})

	t.Run("rolls back on cancellation", func(t *testing.T) {
		h := newHarness(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := h.orch.Create(cctx, testSpec(t, "vm-a"))

		var pf *types.ProvisioningFailure
		require.True(t, errors.As(err, &pf))
		assert.True(t, errors.Is(err, context.Canceled))
		_, serr := os.Stat(filepath.Join(h.storeRoot, "vm-a"))
		assert.True(t, os.IsNotExist(serr))
	})
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()

	t.Run("start is a no-op on a running VM", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.Create(ctx, testSpec(t, "vm-a")))

		before := len(h.fake.Ops())
		require.NoError(t, h.orch.Start(ctx, "vm-a"))
		// Only the reconcile state query, no second boot.
		for _, op := range h.fake.Ops()[before:] {
			assert.NotEqual(t, "start:vm-a", op)
		}
	})

	t.Run("start of an unknown VM fails", func(t *testing.T) {
		h := newHarness(t)
		err := h.orch.Start(ctx, "ghost")
		assert.True(t, errors.Is(err, types.ErrVMNotFound))
	})

	t.Run("graceful stop then restart", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.Create(ctx, testSpec(t, "vm-a")))

		require.NoError(t, h.orch.Stop(ctx, "vm-a", false))
		rec, err := h.orch.State(ctx, "vm-a")
		require.NoError(t, err)
		assert.Equal(t, types.StateStopped, rec.State)

		// Stopping again is a no-op.
		require.NoError(t, h.orch.Stop(ctx, "vm-a", false))

		require.NoError(t, h.orch.Start(ctx, "vm-a"))
		rec, err = h.orch.State(ctx, "vm-a")
		require.NoError(t, err)
		assert.Equal(t, types.StateRunning, rec.State)
	})

	t.Run("forced stop destroys immediately", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.Create(ctx, testSpec(t, "vm-a")))

		require.NoError(t, h.orch.Stop(ctx, "vm-a", true))
		assert.Contains(t, h.fake.Ops(), "destroy:vm-a")
		assert.NotContains(t, h.fake.Ops(), "shutdown:vm-a")
	})

	t.Run("retries once on stale state", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.Create(ctx, testSpec(t, "vm-a")))
		require.NoError(t, h.orch.Stop(ctx, "vm-a", false))

		h.fake.FailOn("start", types.ErrStaleState)
		err := h.orch.Start(ctx, "vm-a")
		assert.True(t, errors.Is(err, types.ErrStaleState))

		starts := 0
		for _, op := range h.fake.Ops() {
			if op == "start:vm-a" {
				starts++
			}
		}
		// One from create, then the failing call plus exactly one retry.
		assert.Equal(t, 3, starts)
	})

	t.Run("external lock holders block mutating operations", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.Create(ctx, testSpec(t, "vm-a")))

		unlock := h.orch.Lock("vm-a")
		done := make(chan error, 1)
		go func() { done <- h.orch.Stop(ctx, "vm-a", false) }()

		select {
		case <-done:
			t.Fatal("Stop proceeded while the identity lock was held")
		case <-time.After(100 * time.Millisecond):
		}

		unlock()
		require.NoError(t, <-done)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("removes domain and backing store", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.Create(ctx, testSpec(t, "vm-a")))

		require.NoError(t, h.orch.Delete(ctx, "vm-a"))

		state, err := h.fake.DomainState(ctx, "vm-a")
		require.NoError(t, err)
		assert.Equal(t, types.StateAbsent, state)
		_, serr := os.Stat(filepath.Join(h.storeRoot, "vm-a"))
		assert.True(t, os.IsNotExist(serr))
	})

	t.Run("is idempotent", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.Create(ctx, testSpec(t, "vm-a")))
		require.NoError(t, h.orch.Delete(ctx, "vm-a"))
		require.NoError(t, h.orch.Delete(ctx, "vm-a"))
	})

	t.Run("cleans up a torn create", func(t *testing.T) {
		h := newHarness(t)
		// Simulate a crash mid-create: storage with sentinel, no domain.
		dir := filepath.Join(h.storeRoot, "vm-torn")
		require.NoError(t, os.MkdirAll(dir, 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".provisioning"), nil, 0o600))

		rec, err := h.orch.State(ctx, "vm-torn")
		require.NoError(t, err)
		assert.Equal(t, types.StateFailed, rec.State)

		require.NoError(t, h.orch.Delete(ctx, "vm-torn"))
		_, serr := os.Stat(dir)
		assert.True(t, os.IsNotExist(serr))
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.orch.Create(ctx, testSpec(t, "vm-b")))
	require.NoError(t, h.orch.Create(ctx, testSpec(t, "vm-a")))
	require.NoError(t, h.orch.Stop(ctx, "vm-b", false))

	records, err := h.orch.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "vm-a", records[0].Name)
	assert.Equal(t, types.StateRunning, records[0].State)
	assert.Equal(t, "vm-b", records[1].Name)
	assert.Equal(t, types.StateStopped, records[1].State)
}
