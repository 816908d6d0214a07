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

// Package synth merges raw detections, a named profile and a prior clone
// spec into one deduplicated, validated CloneSpec.
package synth

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wronai/clonebox/internal/types"
)

// Default resource limits applied when neither a profile nor an existing
// spec pins them.
const (
	DefaultMemoryMB = 2048
	DefaultVCPUs    = 2
	DefaultDiskGB   = 20
)

// Caps bounds the resources a synthesized spec may request.
type Caps struct {
	MaxMemoryMB int
	MaxVCPUs    int
}

// DefaultCaps mirror a mid-size workstation; the CLI config can raise them.
func DefaultCaps() Caps {
	return Caps{MaxMemoryMB: 16384, MaxVCPUs: 8}
}

// Synthesizer builds CloneSpecs.
type Synthesizer struct {
	caps Caps
}

// New returns a Synthesizer enforcing the given caps.
func New(caps Caps) *Synthesizer {
	return &Synthesizer{caps: caps}
}

// Synthesize merges detected items with an optional profile and an optional
// existing spec into a structured CloneSpec named name.
//
// Precedence when sources disagree: explicit values in the existing spec
// (the most recent user input) win over profile values, which win over
// detection-derived defaults. The existing spec must already be in the
// structured schema; specfile.Load migrates v1 documents on read.
func (s *Synthesizer) Synthesize(
	name string,
	detected []types.DetectedItem,
	profile *types.Profile,
	existing *types.CloneSpec,
) (types.CloneSpec, error) {
	spec := types.CloneSpec{
		Version: types.SpecVersion,
		Name:    name,
		Scope:   types.ScopeUser,
		Resources: types.Resources{
			MemoryMB: DefaultMemoryMB,
			VCPUs:    DefaultVCPUs,
			DiskGB:   DefaultDiskGB,
		},
		Auth: types.Auth{Method: types.AuthSSHKey},
	}

	// Packages and services: detections, then profile, then existing,
	// collapsed on case-folded name equality.
	packages := newNameSet()
	services := newNameSet()
	for _, item := range detected {
		packages.addAll(item.Packages)
		services.addAll(item.Services)
	}
	if profile != nil {
		packages.addAll(profile.Packages)
		services.addAll(profile.Services)
		if profile.Resources != nil {
			overlayResources(&spec.Resources, *profile.Resources)
		}
	}

	if existing != nil {
		if existing.Name != "" {
			spec.Name = existing.Name
		}
		if existing.Scope != "" {
			spec.Scope = existing.Scope
		}
		packages.addAll(existing.Packages)
		services.addAll(existing.Services)
		overlayResources(&spec.Resources, existing.Resources)
		if existing.Auth.Method != "" {
			spec.Auth = existing.Auth
		}
		spec.Health = existing.Health
	}

	spec.Packages = packages.sorted()
	spec.Services = services.sorted()

	mounts, err := mergeMounts(detected, existing)
	if err != nil {
		return types.CloneSpec{}, err
	}
	spec.Mounts = mounts

	if err := s.validate(spec); err != nil {
		return types.CloneSpec{}, err
	}
	return spec, nil
}

func (s *Synthesizer) validate(spec types.CloneSpec) error {
	if spec.Name == "" {
		return types.NewValidationError("name", "must not be empty")
	}
	if spec.Resources.MemoryMB > s.caps.MaxMemoryMB {
		return types.NewValidationError(
			"resources.memory_mb", "%d exceeds cap %d",
			spec.Resources.MemoryMB, s.caps.MaxMemoryMB,
		)
	}
	if spec.Resources.VCPUs > s.caps.MaxVCPUs {
		return types.NewValidationError(
			"resources.vcpus", "%d exceeds cap %d",
			spec.Resources.VCPUs, s.caps.MaxVCPUs,
		)
	}
	return nil
}

// mountCandidate is one host path offered for mounting, keyed by its
// canonical (symlink-resolved) path.
type mountCandidate struct {
	canonical  string
	guestPath  string
	confidence float64
}

// mergeMounts collapses path detections and existing mounts.
//
// Two candidates collapse when their canonical paths are equal, keeping the
// most specific guest mountpoint. A candidate is also dropped when another
// candidate is a strict ancestor directory offered under the same guest
// mountpoint root: mounting the ancestor already exposes the child.
func mergeMounts(
	detected []types.DetectedItem,
	existing *types.CloneSpec,
) (map[string]string, error) {
	byCanonical := map[string]mountCandidate{}

	add := func(hostPath, guestPath string, confidence float64) error {
		canonical, err := canonicalPath(hostPath)
		if err != nil {
			return types.NewValidationError(
				"mounts", "host path %s does not exist or is not readable", hostPath,
			)
		}
		cand := mountCandidate{canonical: canonical, guestPath: guestPath, confidence: confidence}
		prev, ok := byCanonical[canonical]
		if !ok || moreSpecific(cand, prev) {
			byCanonical[canonical] = cand
		}
		return nil
	}

	for _, item := range detected {
		if item.Kind != types.ItemPath {
			continue
		}
		if err := add(item.HostPath, item.GuestPath, item.Confidence); err != nil {
			return nil, err
		}
	}
	if existing != nil {
		for hostPath, guestPath := range existing.Mounts {
			// Explicit user input, preferred over any detection.
			if err := add(hostPath, guestPath, 1.0); err != nil {
				return nil, err
			}
		}
	}

	candidates := make([]mountCandidate, 0, len(byCanonical))
	for _, cand := range byCanonical {
		candidates = append(candidates, cand)
	}
	// Ancestors first so children can be dropped in one pass.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].canonical < candidates[j].canonical
	})

	mounts := map[string]string{}
	var kept []mountCandidate
	for _, cand := range candidates {
		shadowed := false
		for _, ancestor := range kept {
			if isStrictAncestor(ancestor.canonical, cand.canonical) &&
				guestRoot(ancestor.guestPath) == guestRoot(cand.guestPath) {
				shadowed = true
				break
			}
		}
		if shadowed {
			continue
		}
		kept = append(kept, cand)
		mounts[cand.canonical] = cand.guestPath
	}

	if len(mounts) == 0 {
		return nil, nil
	}
	return mounts, nil
}

// moreSpecific reports whether a should replace b for the same canonical
// path: deeper guest mountpoints win, then higher confidence.
func moreSpecific(a, b mountCandidate) bool {
	da := strings.Count(path.Clean(a.guestPath), "/")
	db := strings.Count(path.Clean(b.guestPath), "/")
	if da != db {
		return da > db
	}
	return a.confidence > b.confidence
}

func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	// Readability check: render time must be able to export this path.
	f, err := os.Open(resolved)
	if err != nil {
		return "", err
	}
	_ = f.Close()
	return resolved, nil
}

func isStrictAncestor(ancestor, child string) bool {
	if ancestor == child {
		return false
	}
	return strings.HasPrefix(child, ancestor+string(filepath.Separator))
}

// guestRoot returns the first component of a guest mountpoint, e.g.
// "/workspace" for "/workspace/app".
func guestRoot(guestPath string) string {
	clean := path.Clean("/" + guestPath)
	rest := strings.TrimPrefix(clean, "/")
	first, _, _ := strings.Cut(rest, "/")
	return "/" + first
}

func overlayResources(dst *types.Resources, src types.Resources) {
	if src.MemoryMB > 0 {
		dst.MemoryMB = src.MemoryMB
	}
	if src.VCPUs > 0 {
		dst.VCPUs = src.VCPUs
	}
	if src.DiskGB > 0 {
		dst.DiskGB = src.DiskGB
	}
}

// nameSet collapses names on case-folded equality, keeping the first
// spelling seen.
type nameSet struct {
	keys  map[string]string
	order []string
}

func newNameSet() *nameSet {
	return &nameSet{keys: map[string]string{}}
}

func (s *nameSet) addAll(names []string) {
	for _, name := range names {
		if name == "" {
			continue
		}
		folded := strings.ToLower(name)
		if _, ok := s.keys[folded]; ok {
			continue
		}
		s.keys[folded] = name
		s.order = append(s.order, folded)
	}
}

func (s *nameSet) sorted() []string {
	if len(s.order) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.order))
	for _, folded := range s.order {
		out = append(out, s.keys[folded])
	}
	sort.Strings(out)
	return out
}
