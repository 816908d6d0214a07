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

// Package detect scans host state and produces candidate services,
// applications and project paths for the clone synthesizer.
//
// Detection is read-only and side-effect-free: the same host state yields
// the same output set regardless of how often Detect is called. Individual
// probes fail soft; a probe that cannot read its source is logged and
// skipped, never failing the overall run.
package detect

import (
	"context"
	"log/slog"
	"sort"

	"github.com/wronai/clonebox/internal/types"
)

// Probe is one detection heuristic. New probe kinds are added by
// implementing this interface; the detector's aggregation logic does not
// change.
type Probe interface {
	Name() string
	// Run returns whatever the probe could gather. An error makes the
	// detector skip this probe's output, not fail the detection run.
	Run(ctx context.Context) ([]types.DetectedItem, error)
}

// Detector aggregates a fixed set of probes.
type Detector struct {
	probes []Probe
	log    *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithProbes replaces the default probe set.
func WithProbes(probes ...Probe) Option {
	return func(d *Detector) {
		d.probes = probes
	}
}

// WithLogger sets the logger used for probe warnings.
func WithLogger(log *slog.Logger) Option {
	return func(d *Detector) {
		d.log = log
	}
}

// HostProbes returns the default probe set rooted at the given directories:
// procRoot for the process/socket tables, fsRoot for service markers and
// baseDir for project-directory candidates.
func HostProbes(procRoot, fsRoot, baseDir string) []Probe {
	return []Probe{
		&processProbe{procRoot: procRoot},
		&socketProbe{procRoot: procRoot},
		&markerProbe{root: fsRoot},
		&projectProbe{baseDir: baseDir},
	}
}

// New returns a Detector with the default host probes: process table,
// listening sockets, service markers and cwd-adjacent project directories.
func New(opts ...Option) *Detector {
	d := &Detector{
		probes: HostProbes("/proc", "/", "."),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect runs every probe and returns the merged candidate list, sorted so
// that repeated runs over unchanged host state compare equal. It never
// fails: probe errors degrade to warnings.
func (d *Detector) Detect(ctx context.Context) []types.DetectedItem {
	var items []types.DetectedItem

	for _, probe := range d.probes {
		if err := ctx.Err(); err != nil {
			d.log.Warn("detection interrupted", "error", err.Error())
			break
		}

		found, err := probe.Run(ctx)
		if err != nil {
			d.log.Warn("detection probe failed",
				"probe", probe.Name(),
				"error", err.Error(),
			)
			continue
		}
		items = append(items, found...)
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.HostPath < b.HostPath
	})
	return items
}
