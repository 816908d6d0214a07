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

package provision_test

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wronai/clonebox/internal/provision"
	"github.com/wronai/clonebox/internal/types"
)

// seededReader is a deterministic randomness source for reproducible
// credential generation in tests.
func seededReader(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed)) //nolint:gosec // test determinism
}

func devSpec(t *testing.T, hostDir string) types.CloneSpec {
	t.Helper()
	return types.CloneSpec{
		Version: types.SpecVersion,
		Name:    "dev-docker",
		Scope:   types.ScopeUser,
		Resources: types.Resources{
			MemoryMB: 4096,
			VCPUs:    2,
			DiskGB:   20,
		},
		Mounts:   map[string]string{hostDir: "/workspace/app"},
		Packages: []string{"docker.io", "docker-compose-v2"},
		Services: []string{"docker"},
		Auth:     types.Auth{Method: types.AuthSSHKey},
	}
}

func TestRender(t *testing.T) {
	t.Run("docker developer scenario", func(t *testing.T) {
		hostDir := t.TempDir()
		r := provision.NewRenderer(t.TempDir(), provision.WithRandom(seededReader(1)))

		b, err := r.Render(devSpec(t, hostDir))
		require.NoError(t, err)

		assert.Equal(t, "dev-docker", b.VM)
		assert.Equal(t, []string{"docker-compose-v2", "docker.io"}, b.Packages)
		assert.Equal(t, []string{"docker"}, b.Services)
		require.Len(t, b.Mounts, 1)
		assert.Equal(t, hostDir, b.Mounts[0].HostPath)
		assert.Equal(t, "/workspace/app", b.Mounts[0].GuestPath)
		assert.Equal(t, "cb-workspace-app", b.Mounts[0].ExportTag)
		assert.Equal(t, "dev-docker", b.Network.Hostname)

		assert.True(t, strings.HasPrefix(b.UserData, "#cloud-config\n"))
		assert.Contains(t, b.UserData, "systemctl enable --now docker")
		assert.Contains(t, b.UserData, "cb-workspace-app")
		assert.Contains(t, b.UserData, "virtiofs")
	})

	t.Run("is deterministic for a fixed credential source", func(t *testing.T) {
		hostDir := t.TempDir()
		storeRoot := t.TempDir()

		first := provision.NewRenderer(storeRoot, provision.WithRandom(seededReader(7)))
		b1, err := first.Render(devSpec(t, hostDir))
		require.NoError(t, err)

		// Same store: the persisted keypair is reused, so the bundle is
		// identical even with a different random source.
		second := provision.NewRenderer(storeRoot, provision.WithRandom(seededReader(99)))
		b2, err := second.Render(devSpec(t, hostDir))
		require.NoError(t, err)

		assert.Equal(t, b1.UserData, b2.UserData)
		assert.Equal(t, b1.Credentials.SSHPublicKey, b2.Credentials.SSHPublicKey)
	})

	t.Run("rejects unreadable mount host path", func(t *testing.T) {
		r := provision.NewRenderer(t.TempDir())
		spec := devSpec(t, "/nonexistent/clonebox/path")

		_, err := r.Render(spec)
		var verr *types.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "mounts", verr.Field)
	})
}

func TestRenderCredentials(t *testing.T) {
	t.Run("ssh key private half stays under the store", func(t *testing.T) {
		hostDir := t.TempDir()
		storeRoot := t.TempDir()
		r := provision.NewRenderer(storeRoot, provision.WithRandom(seededReader(3)))

		b, err := r.Render(devSpec(t, hostDir))
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(b.Credentials.SSHPublicKey, "ssh-ed25519 "))
		assert.Empty(t, b.Credentials.Password)
		assert.NotContains(t, b.UserData, "PRIVATE KEY")

		keyPath := filepath.Join(storeRoot, "dev-docker", "id_ed25519")
		info, err := os.Stat(keyPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("one-time password is fresh per render and expires", func(t *testing.T) {
		hostDir := t.TempDir()
		r := provision.NewRenderer(t.TempDir(), provision.WithRandom(seededReader(5)))

		spec := devSpec(t, hostDir)
		spec.Auth = types.Auth{Method: types.AuthOneTimePassword}

		b1, err := r.Render(spec)
		require.NoError(t, err)
		b2, err := r.Render(spec)
		require.NoError(t, err)

		assert.NotEmpty(t, b1.Credentials.Password)
		assert.NotEqual(t, b1.Credentials.Password, b2.Credentials.Password)
		assert.Contains(t, b1.UserData, "expire: true")
		assert.Contains(t, b1.UserData, "ssh_pwauth: true")
	})

	t.Run("fixed password comes from the spec and does not expire", func(t *testing.T) {
		hostDir := t.TempDir()
		r := provision.NewRenderer(t.TempDir())

		spec := devSpec(t, hostDir)
		spec.Auth = types.Auth{Method: types.AuthPassword, Password: "hunter2"}

		b, err := r.Render(spec)
		require.NoError(t, err)
		assert.Equal(t, "hunter2", b.Credentials.Password)
		assert.Contains(t, b.UserData, "clone:hunter2")
		assert.Contains(t, b.UserData, "expire: false")
	})

	t.Run("defaults to ssh key when method is empty", func(t *testing.T) {
		hostDir := t.TempDir()
		r := provision.NewRenderer(t.TempDir())

		spec := devSpec(t, hostDir)
		spec.Auth = types.Auth{}

		b, err := r.Render(spec)
		require.NoError(t, err)
		assert.Equal(t, types.AuthSSHKey, b.Credentials.Method)
		assert.NotEmpty(t, b.Credentials.SSHPublicKey)
	})
}

func TestWriteArtifacts(t *testing.T) {
	hostDir := t.TempDir()
	storeRoot := t.TempDir()
	r := provision.NewRenderer(storeRoot, provision.WithRandom(seededReader(11)))

	b, err := r.Render(devSpec(t, hostDir))
	require.NoError(t, err)

	seedPath, err := r.WriteArtifacts(b)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(storeRoot, "dev-docker", "seed.iso"), seedPath)

	info, err := os.Stat(seedPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	meta, err := os.ReadFile(filepath.Join(storeRoot, "dev-docker", "meta-data"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), "instance-id: ")
	assert.Contains(t, string(meta), "local-hostname: dev-docker")

	// The instance id is derived from the VM name, so a re-render keeps it.
	seedPath2, err := r.WriteArtifacts(b)
	require.NoError(t, err)
	assert.Equal(t, seedPath, seedPath2)
	meta2, err := os.ReadFile(filepath.Join(storeRoot, "dev-docker", "meta-data"))
	require.NoError(t, err)
	assert.Equal(t, string(meta), string(meta2))

	userData, err := os.ReadFile(filepath.Join(storeRoot, "dev-docker", "user-data"))
	require.NoError(t, err)
	assert.Equal(t, b.UserData, string(userData))
}

func TestExportTag(t *testing.T) {
	assert.Equal(t, "cb-workspace-app", provision.ExportTag("/workspace/app"))
	assert.Equal(t, "cb-data", provision.ExportTag("/data/"))
	assert.Equal(t, "cb-root", provision.ExportTag("/"))
}
