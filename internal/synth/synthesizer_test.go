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

//go:build unit

package synth_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wronai/clonebox/internal/synth"
	"github.com/wronai/clonebox/internal/types"
)

func pathItem(hostPath, guestPath string, confidence float64) types.DetectedItem {
	return types.DetectedItem{
		Kind:       types.ItemPath,
		Name:       filepath.Base(hostPath),
		HostPath:   hostPath,
		GuestPath:  guestPath,
		Confidence: confidence,
	}
}

func TestSynthesize(t *testing.T) {
	s := synth.New(synth.DefaultCaps())

	t.Run("AncestorCollapsesChildMount", func(t *testing.T) {
		proj := t.TempDir()
		sub := filepath.Join(proj, "sub")
		require.NoError(t, os.MkdirAll(sub, 0o755))

		spec, err := s.Synthesize("clone", []types.DetectedItem{
			pathItem(proj, "/workspace/proj", 0.9),
			pathItem(sub, "/workspace/sub", 0.7),
		}, nil, nil)
		require.NoError(t, err)

		canonical, err := filepath.EvalSymlinks(proj)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{canonical: "/workspace/proj"}, spec.Mounts,
			"mounting the ancestor already exposes the child")
	})

	t.Run("DifferentGuestRootsDoNotCollapse", func(t *testing.T) {
		proj := t.TempDir()
		sub := filepath.Join(proj, "sub")
		require.NoError(t, os.MkdirAll(sub, 0o755))

		spec, err := s.Synthesize("clone", []types.DetectedItem{
			pathItem(proj, "/workspace/proj", 0.9),
			pathItem(sub, "/srv/sub", 0.7),
		}, nil, nil)
		require.NoError(t, err)
		assert.Len(t, spec.Mounts, 2)
	})

	t.Run("EqualCanonicalPathKeepsMostSpecificMountpoint", func(t *testing.T) {
		proj := t.TempDir()
		link := filepath.Join(t.TempDir(), "link")
		require.NoError(t, os.Symlink(proj, link))

		spec, err := s.Synthesize("clone", []types.DetectedItem{
			pathItem(proj, "/workspace", 0.9),
			pathItem(link, "/workspace/proj", 0.5),
		}, nil, nil)
		require.NoError(t, err)

		canonical, err := filepath.EvalSymlinks(proj)
		require.NoError(t, err)
		require.Len(t, spec.Mounts, 1)
		assert.Equal(t, "/workspace/proj", spec.Mounts[canonical])
	})

	t.Run("ServicesAndPackagesCollapseCaseFolded", func(t *testing.T) {
		spec, err := s.Synthesize("clone", []types.DetectedItem{
			{Kind: types.ItemService, Name: "docker", Packages: []string{"Docker.io"}, Services: []string{"docker"}},
			{Kind: types.ItemService, Name: "docker", Packages: []string{"docker.io"}, Services: []string{"Docker"}},
		}, nil, nil)
		require.NoError(t, err)

		assert.Len(t, spec.Packages, 1)
		assert.Len(t, spec.Services, 1)
	})

	t.Run("ProfileIsUnionedBeforeDedup", func(t *testing.T) {
		profile := &types.Profile{
			Name:     "db",
			Packages: []string{"postgresql", "postgresql-client"},
			Services: []string{"postgresql"},
		}
		spec, err := s.Synthesize("clone", []types.DetectedItem{
			{Kind: types.ItemService, Name: "postgresql", Packages: []string{"postgresql"}, Services: []string{"postgresql"}},
		}, profile, nil)
		require.NoError(t, err)

		assert.Equal(t, []string{"postgresql", "postgresql-client"}, spec.Packages)
		assert.Equal(t, []string{"postgresql"}, spec.Services)
	})

	t.Run("ExistingSpecWinsOverProfileResources", func(t *testing.T) {
		profile := &types.Profile{
			Name:      "big",
			Resources: &types.Resources{MemoryMB: 8192, VCPUs: 4},
		}
		existing := &types.CloneSpec{
			Version:   types.SpecVersion,
			Name:      "clone",
			Resources: types.Resources{MemoryMB: 4096},
		}
		spec, err := s.Synthesize("clone", nil, profile, existing)
		require.NoError(t, err)

		// The most recent explicit user input is authoritative.
		assert.Equal(t, 4096, spec.Resources.MemoryMB)
		// Fields the existing spec leaves open fall back to the profile.
		assert.Equal(t, 4, spec.Resources.VCPUs)
	})

	t.Run("MissingHostPathFailsValidation", func(t *testing.T) {
		_, err := s.Synthesize("clone", []types.DetectedItem{
			pathItem("/does/not/exist", "/workspace/x", 0.9),
		}, nil, nil)

		var vErr *types.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "mounts", vErr.Field)
	})

	t.Run("ResourceCapExceededFailsValidation", func(t *testing.T) {
		capped := synth.New(synth.Caps{MaxMemoryMB: 1024, MaxVCPUs: 1})
		existing := &types.CloneSpec{
			Version:   types.SpecVersion,
			Name:      "clone",
			Resources: types.Resources{MemoryMB: 2048, VCPUs: 1},
		}
		_, err := capped.Synthesize("clone", nil, nil, existing)

		var vErr *types.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "resources.memory_mb", vErr.Field)
	})
}
