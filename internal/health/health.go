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

// Package health verifies booted clones. Probes run concurrently, each
// under its own deadline; a slow probe times out without delaying the
// others. Timeouts are probe outcomes, not errors.
package health

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/wronai/clonebox/internal/backend"
	"github.com/wronai/clonebox/internal/types"
)

// DefaultProbeTimeout is the per-probe deadline when none is configured.
const DefaultProbeTimeout = 10 * time.Second

// ProbeOutcome is a single probe's result.
type ProbeOutcome string

const (
	OutcomePass    ProbeOutcome = "pass"
	OutcomeFail    ProbeOutcome = "fail"
	OutcomeTimeout ProbeOutcome = "timeout"
)

// ProbeResult is the outcome of one probe run.
type ProbeResult struct {
	Name    string          `json:"name"`
	Type    types.ProbeType `json:"type"`
	Outcome ProbeOutcome    `json:"outcome"`
	Detail  string          `json:"detail,omitempty"`
	Elapsed time.Duration   `json:"elapsed"`
}

// Report aggregates one Check call. Healthy iff every probe passed.
type Report struct {
	VM      string        `json:"vm"`
	Healthy bool          `json:"healthy"`
	Probes  []ProbeResult `json:"probes"`
}

// Checker runs health probes against a VM through the backend.
type Checker struct {
	backend backend.Backend
	timeout time.Duration
}

// Option configures a Checker.
type Option func(*Checker)

// WithProbeTimeout sets the per-probe deadline.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// NewChecker returns a Checker probing through b.
func NewChecker(b backend.Backend, opts ...Option) *Checker {
	c := &Checker{backend: b, timeout: DefaultProbeTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check runs all probes concurrently and aggregates the report. Results
// keep the declared probe order regardless of completion order.
func (c *Checker) Check(ctx context.Context, vm string, probes []types.ProbeSpec) Report {
	report := Report{VM: vm, Healthy: true, Probes: make([]ProbeResult, len(probes))}

	var wg sync.WaitGroup
	for i, spec := range probes {
		wg.Add(1)
		go func(i int, spec types.ProbeSpec) {
			defer wg.Done()
			report.Probes[i] = c.runProbe(ctx, vm, spec)
		}(i, spec)
	}
	wg.Wait()

	for _, pr := range report.Probes {
		if pr.Outcome != OutcomePass {
			report.Healthy = false
		}
	}
	return report
}

// Quick runs only the TCP probes, the cheap liveness subset.
func (c *Checker) Quick(ctx context.Context, vm string, probes []types.ProbeSpec) Report {
	var tcp []types.ProbeSpec
	for _, p := range probes {
		if p.Type == types.ProbeTCP {
			tcp = append(tcp, p)
		}
	}
	return c.Check(ctx, vm, tcp)
}

func (c *Checker) runProbe(ctx context.Context, vm string, spec types.ProbeSpec) ProbeResult {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.probe(pctx, vm, spec)

	result := ProbeResult{
		Name:    spec.Name,
		Type:    spec.Type,
		Outcome: OutcomePass,
		Elapsed: time.Since(start),
	}
	switch {
	case err == nil:
	case pctx.Err() != nil:
		result.Outcome = OutcomeTimeout
		result.Detail = fmt.Sprintf("no answer within %s", c.timeout)
	default:
		result.Outcome = OutcomeFail
		result.Detail = err.Error()
	}
	return result
}

func (c *Checker) probe(ctx context.Context, vm string, spec types.ProbeSpec) error {
	switch spec.Type {
	case types.ProbeTCP:
		return c.probeTCP(ctx, vm, spec.Target)
	case types.ProbeAgentPing:
		return c.backend.GuestPing(ctx, vm)
	case types.ProbeAgentExec:
		return c.probeExec(ctx, vm, spec)
	default:
		return fmt.Errorf("unknown probe type %q", spec.Type)
	}
}

// probeTCP dials the target. A target of the form ":port" dials the VM's
// own address.
func (c *Checker) probeTCP(ctx context.Context, vm, target string) error {
	if strings.HasPrefix(target, ":") {
		addr, err := c.backend.DomainAddress(ctx, vm)
		if err != nil {
			return err
		}
		if addr == "" {
			return fmt.Errorf("VM %s has no address yet", vm)
		}
		target = addr + target
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *Checker) probeExec(ctx context.Context, vm string, spec types.ProbeSpec) error {
	res, err := c.backend.GuestExec(ctx, vm, strings.Fields(spec.Target))
	if err != nil {
		return err
	}
	if res.ExitCode != spec.ExpectExit {
		return fmt.Errorf("exit %d, expected %d: %s",
			res.ExitCode, spec.ExpectExit, strings.TrimSpace(res.Stderr))
	}
	return nil
}
