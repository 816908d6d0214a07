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

// Package compose brings groups of clones up and down in dependency order.
//
// The dependency graph is validated acyclic before any member is touched.
// Independent branches run in parallel under a bounded worker budget; a
// failed member blocks only its dependents. Partial failure is reported per
// member, not rolled back, unless the group is all-or-nothing.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/wronai/clonebox/internal/types"
)

// DefaultWorkers bounds how many members are acted on concurrently.
const DefaultWorkers = 4

// Engine is the slice of the lifecycle orchestrator compose drives.
type Engine interface {
	Create(ctx context.Context, spec types.CloneSpec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, force bool) error
	State(ctx context.Context, name string) (types.VMRecord, error)
}

// Recorder receives audit events for compose operations.
type Recorder interface {
	Record(types.AuditEvent)
}

type nopRecorder struct{}

func (nopRecorder) Record(types.AuditEvent) {}

// MemberStatus is one member's outcome within a compose operation.
type MemberStatus struct {
	Name string `json:"name"`
	// Err is nil on success. A member whose dependency failed carries a
	// dependency error and was never acted on.
	Err    error  `json:"-"`
	Detail string `json:"detail,omitempty"`
}

// Report is the per-member outcome of an Up or Down.
type Report struct {
	Group   string         `json:"group"`
	Members []MemberStatus `json:"members"`
}

// Failed returns the names of members that did not succeed.
func (r Report) Failed() []string {
	var out []string
	for _, m := range r.Members {
		if m.Err != nil {
			out = append(out, m.Name)
		}
	}
	return out
}

// Orchestrator coordinates compose groups.
type Orchestrator struct {
	engine  Engine
	workers int64
	logger  *slog.Logger
	audit   Recorder
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = int64(n)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithAudit(r Recorder) Option {
	return func(o *Orchestrator) { o.audit = r }
}

// NewOrchestrator returns a compose orchestrator driving engine.
func NewOrchestrator(engine Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:  engine,
		workers: DefaultWorkers,
		logger:  slog.Default(),
		audit:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validate checks the group's dependency graph: every dependency must name
// a member, and the graph must be acyclic.
func Validate(group types.ComposeGroup) error {
	members := make(map[string][]string, len(group.Members))
	for _, m := range group.Members {
		if _, ok := members[m.Spec.Name]; ok {
			return types.NewValidationError(
				"members", "duplicate member %q in group %q", m.Spec.Name, group.Name,
			)
		}
		members[m.Spec.Name] = m.DependsOn
	}
	for name, deps := range members {
		for _, dep := range deps {
			if _, ok := members[dep]; !ok {
				return types.NewValidationError(
					"depends_on", "%q depends on unknown member %q", name, dep,
				)
			}
		}
	}

	// Kahn's algorithm; whatever cannot be ordered is on a cycle.
	indegree := make(map[string]int, len(members))
	dependents := make(map[string][]string, len(members))
	for name, deps := range members {
		indegree[name] += 0
		for _, dep := range deps {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}
	queue := make([]string, 0, len(members))
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	ordered := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered++
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if ordered != len(members) {
		var cycle []string
		for name, d := range indegree {
			if d > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return &types.CycleError{Group: group.Name, Cycle: cycle}
	}
	return nil
}

// Up brings every member up in dependency order. A member is created if
// absent, started if stopped, left alone if already running. On failure its
// dependents are skipped; for all-or-nothing groups every member brought up
// by this call is stopped again.
func (o *Orchestrator) Up(ctx context.Context, group types.ComposeGroup) (Report, error) {
	if err := Validate(group); err != nil {
		return Report{Group: group.Name}, err
	}

	report := o.run(ctx, group, false, func(ctx context.Context, m types.ComposeMember) error {
		return o.upMember(ctx, m)
	})

	failed := report.Failed()
	outcome := types.OutcomeSuccess
	if len(failed) > 0 {
		outcome = types.OutcomeFailure
		if group.AllOrNothing {
			o.stopStarted(ctx, group, report)
		}
	}
	o.audit.Record(types.AuditEvent{
		Kind: types.EventComposeUp, VM: group.Name, Outcome: outcome,
	})
	return report, nil
}

// Down stops every member, dependents before their dependencies.
func (o *Orchestrator) Down(ctx context.Context, group types.ComposeGroup) (Report, error) {
	if err := Validate(group); err != nil {
		return Report{Group: group.Name}, err
	}

	report := o.run(ctx, group, true, func(ctx context.Context, m types.ComposeMember) error {
		return o.downMember(ctx, m.Spec.Name)
	})

	outcome := types.OutcomeSuccess
	if len(report.Failed()) > 0 {
		outcome = types.OutcomeFailure
	}
	o.audit.Record(types.AuditEvent{
		Kind: types.EventComposeDown, VM: group.Name, Outcome: outcome,
	})
	return report, nil
}

// run executes action once per member, respecting the dependency order
// (reversed for Down) with bounded parallelism. Independent members run
// concurrently; a member whose dependency failed is skipped.
func (o *Orchestrator) run(
	ctx context.Context,
	group types.ComposeGroup,
	reverse bool,
	action func(context.Context, types.ComposeMember) error,
) Report {
	// waits[x] are the members x must wait for: its dependencies on the way
	// up, its dependents on the way down.
	waits := make(map[string][]string, len(group.Members))
	if reverse {
		for _, m := range group.Members {
			for _, dep := range m.DependsOn {
				waits[dep] = append(waits[dep], m.Spec.Name)
			}
		}
	} else {
		for _, m := range group.Members {
			waits[m.Spec.Name] = m.DependsOn
		}
	}

	done := make(map[string]chan struct{}, len(group.Members))
	for _, m := range group.Members {
		done[m.Spec.Name] = make(chan struct{})
	}

	var (
		mu   sync.Mutex
		errs = make(map[string]error, len(group.Members))
		sem  = semaphore.NewWeighted(o.workers)
		wg   sync.WaitGroup
	)

	for _, m := range group.Members {
		wg.Add(1)
		go func(m types.ComposeMember) {
			name := m.Spec.Name
			defer wg.Done()
			defer close(done[name])

			for _, predecessor := range waits[name] {
				ch, ok := done[predecessor]
				if !ok {
					// Not part of this run (e.g. a failed member excluded
					// from an all-or-nothing unwind).
					continue
				}
				select {
				case <-ch:
				case <-ctx.Done():
					mu.Lock()
					errs[name] = ctx.Err()
					mu.Unlock()
					return
				}
				mu.Lock()
				perr := errs[predecessor]
				mu.Unlock()
				if perr != nil {
					mu.Lock()
					errs[name] = fmt.Errorf("dependency %s failed: %w", predecessor, perr)
					mu.Unlock()
					return
				}
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
				return
			}
			err := action(ctx, m)
			sem.Release(1)

			if err != nil {
				o.logger.Warn("compose member failed",
					"group", group.Name, "member", name, "error", err)
				mu.Lock()
				errs[name] = err
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	report := Report{Group: group.Name}
	for _, m := range group.Members {
		status := MemberStatus{Name: m.Spec.Name, Err: errs[m.Spec.Name]}
		if status.Err != nil {
			status.Detail = status.Err.Error()
		}
		report.Members = append(report.Members, status)
	}
	sort.Slice(report.Members, func(i, j int) bool {
		return report.Members[i].Name < report.Members[j].Name
	})
	return report
}

func (o *Orchestrator) upMember(ctx context.Context, m types.ComposeMember) error {
	rec, err := o.engine.State(ctx, m.Spec.Name)
	switch {
	case err == nil && rec.State == types.StateRunning:
		return nil
	case err == nil && rec.State == types.StateStopped:
		return o.engine.Start(ctx, m.Spec.Name)
	default:
		return o.engine.Create(ctx, m.Spec)
	}
}

func (o *Orchestrator) downMember(ctx context.Context, name string) error {
	rec, err := o.engine.State(ctx, name)
	if err != nil || rec.State != types.StateRunning {
		// Absent or already down counts as done.
		return nil
	}
	return o.engine.Stop(ctx, name, false)
}

// stopStarted undoes an all-or-nothing group: every member this Up call
// brought up successfully is stopped again, dependents first.
func (o *Orchestrator) stopStarted(ctx context.Context, group types.ComposeGroup, report Report) {
	succeeded := make(map[string]bool, len(report.Members))
	for _, m := range report.Members {
		succeeded[m.Name] = m.Err == nil
	}

	var members []types.ComposeMember
	for _, m := range group.Members {
		if succeeded[m.Spec.Name] {
			members = append(members, m)
		}
	}
	sub := types.ComposeGroup{Name: group.Name, Members: members}
	o.run(ctx, sub, true, func(ctx context.Context, m types.ComposeMember) error {
		return o.downMember(ctx, m.Spec.Name)
	})
}
