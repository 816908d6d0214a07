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

package health_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wronai/clonebox/internal/backend"
	"github.com/wronai/clonebox/internal/backend/fakebackend"
	"github.com/wronai/clonebox/internal/health"
	"github.com/wronai/clonebox/internal/types"
)

func TestCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("all pass", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer func() { _ = ln.Close() }()
		go func() {
			for {
				conn, aerr := ln.Accept()
				if aerr != nil {
					return
				}
				_ = conn.Close()
			}
		}()

		fake := fakebackend.New()
		fake.SetState("vm-a", types.StateRunning)
		fake.GuestExecFn = func(context.Context, string, []string) (backend.ExecResult, error) {
			return backend.ExecResult{ExitCode: 0}, nil
		}

		c := health.NewChecker(fake)
		report := c.Check(ctx, "vm-a", []types.ProbeSpec{
			{Name: "ssh", Type: types.ProbeTCP, Target: ln.Addr().String()},
			{Name: "agent", Type: types.ProbeAgentPing},
			{Name: "docker", Type: types.ProbeAgentExec, Target: "systemctl is-active docker"},
		})

		assert.True(t, report.Healthy)
		require.Len(t, report.Probes, 3)
		for _, pr := range report.Probes {
			assert.Equal(t, health.OutcomePass, pr.Outcome, pr.Name)
		}
	})

	t.Run("a hung probe times out without failing the fast ones", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer func() { _ = ln.Close() }()
		go func() {
			for {
				conn, aerr := ln.Accept()
				if aerr != nil {
					return
				}
				_ = conn.Close()
			}
		}()

		fake := fakebackend.New()
		fake.SetState("vm-a", types.StateRunning)
		fake.GuestPingFn = func(ctx context.Context, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		}

		c := health.NewChecker(fake, health.WithProbeTimeout(100*time.Millisecond))
		start := time.Now()
		report := c.Check(ctx, "vm-a", []types.ProbeSpec{
			{Name: "ssh", Type: types.ProbeTCP, Target: ln.Addr().String()},
			{Name: "agent", Type: types.ProbeAgentPing},
		})

		assert.False(t, report.Healthy)
		assert.Equal(t, health.OutcomePass, report.Probes[0].Outcome)
		assert.Equal(t, health.OutcomeTimeout, report.Probes[1].Outcome)
		// Concurrent: total wall time is one timeout, not the sum.
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("exec exit status mismatch fails", func(t *testing.T) {
		fake := fakebackend.New()
		fake.SetState("vm-a", types.StateRunning)
		fake.GuestExecFn = func(context.Context, string, []string) (backend.ExecResult, error) {
			return backend.ExecResult{ExitCode: 3, Stderr: "inactive"}, nil
		}

		c := health.NewChecker(fake)
		report := c.Check(ctx, "vm-a", []types.ProbeSpec{
			{Name: "docker", Type: types.ProbeAgentExec, Target: "systemctl is-active docker"},
		})

		assert.False(t, report.Healthy)
		assert.Equal(t, health.OutcomeFail, report.Probes[0].Outcome)
		assert.Contains(t, report.Probes[0].Detail, "inactive")
	})

	t.Run("backend error is a failure, not a panic", func(t *testing.T) {
		fake := fakebackend.New()
		fake.SetState("vm-a", types.StateRunning)
		fake.GuestPingFn = func(context.Context, string) error {
			return errors.New("agent not connected")
		}

		c := health.NewChecker(fake)
		report := c.Check(ctx, "vm-a", []types.ProbeSpec{
			{Name: "agent", Type: types.ProbeAgentPing},
		})

		assert.False(t, report.Healthy)
		assert.Equal(t, health.OutcomeFail, report.Probes[0].Outcome)
	})
}

func TestQuick(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			conn, aerr := ln.Accept()
			if aerr != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	fake := fakebackend.New()
	fake.SetState("vm-a", types.StateRunning)
	// An agent probe that would hang; Quick must not run it.
	fake.GuestPingFn = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	c := health.NewChecker(fake, health.WithProbeTimeout(5*time.Second))
	start := time.Now()
	report := c.Quick(context.Background(), "vm-a", []types.ProbeSpec{
		{Name: "ssh", Type: types.ProbeTCP, Target: ln.Addr().String()},
		{Name: "agent", Type: types.ProbeAgentPing},
	})

	assert.True(t, report.Healthy)
	require.Len(t, report.Probes, 1)
	assert.Equal(t, "ssh", report.Probes[0].Name)
	assert.Less(t, time.Since(start), time.Second)
}
