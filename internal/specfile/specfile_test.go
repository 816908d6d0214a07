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

package specfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wronai/clonebox/internal/specfile"
	"github.com/wronai/clonebox/internal/types"
)

func TestParse(t *testing.T) {
	t.Run("V2Document", func(t *testing.T) {
		doc := `
version: 2
name: workbench
scope: user
resources:
  memory_mb: 4096
  vcpus: 4
  disk_gb: 40
mounts:
  /home/u/app: /app
packages:
  - docker.io
services:
  - docker
auth:
  method: one-time-password
health:
  - name: ssh
    type: tcp
    target: ":22"
`
		spec, err := specfile.Parse([]byte(doc))
		require.NoError(t, err)

		assert.Equal(t, 2, spec.Version)
		assert.Equal(t, "workbench", spec.Name)
		assert.Equal(t, types.ScopeUser, spec.Scope)
		assert.Equal(t, 4096, spec.Resources.MemoryMB)
		assert.Equal(t, map[string]string{"/home/u/app": "/app"}, spec.Mounts)
		assert.Equal(t, types.AuthOneTimePassword, spec.Auth.Method)
		require.Len(t, spec.Health, 1)
		assert.Equal(t, types.ProbeTCP, spec.Health[0].Type)
	})

	t.Run("V1DocumentIsMigrated", func(t *testing.T) {
		doc := `
version: 1
name: legacy
memory_mb: 2048
vcpus: 2
disk_gb: 20
mounts:
  /home/u/proj: /workspace/proj
packages:
  - postgresql
services:
  - postgresql
auth_method: password
password: hunter2
`
		spec, err := specfile.Parse([]byte(doc))
		require.NoError(t, err)

		assert.Equal(t, types.SpecVersion, spec.Version)
		assert.Equal(t, "legacy", spec.Name)
		assert.Equal(t, types.ScopeUser, spec.Scope, "v1 defaults to user scope")
		assert.Equal(t, types.AuthPassword, spec.Auth.Method)
		assert.Equal(t, "hunter2", spec.Auth.Password)
		assert.Equal(t, 2048, spec.Resources.MemoryMB)
	})

	t.Run("V1UnknownFieldIsFlagged", func(t *testing.T) {
		doc := `
version: 1
name: legacy
gpu_passthrough: true
`
		_, err := specfile.Parse([]byte(doc))
		require.Error(t, err)

		var migErr *types.MigrationError
		require.ErrorAs(t, err, &migErr)
		assert.Equal(t, []string{"gpu_passthrough"}, migErr.UnknownFields)
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		_, err := specfile.Parse([]byte("version: 3\nname: future\n"))
		assert.Error(t, err)
	})
}

func TestMigrationRoundTrip(t *testing.T) {
	v1 := specfile.SpecV1{
		Version:    1,
		Name:       "roundtrip",
		MemoryMB:   1024,
		VCPUs:      1,
		DiskGB:     10,
		Mounts:     map[string]string{"/srv/data": "/data"},
		Packages:   []string{"redis"},
		Services:   []string{"redis-server"},
		AuthMethod: "password",
		Password:   "secret",
	}

	assert.Equal(t, v1, specfile.DowngradeV1(specfile.MigrateV1(v1)),
		"every v1-defined field must survive the migration round trip")
}

func TestSaveAlwaysEmitsV2(t *testing.T) {
	path := filepath.Join(t.TempDir(), specfile.DefaultFileName)

	spec := types.CloneSpec{
		// Deliberately stale version: Save must normalize it.
		Version: 1,
		Name:    "emit-v2",
		Scope:   types.ScopeSystem,
		Auth:    types.Auth{Method: types.AuthSSHKey},
	}
	require.NoError(t, specfile.Save(path, spec))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "version: 2")

	loaded, err := specfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, types.SpecVersion, loaded.Version)
	assert.Equal(t, types.ScopeSystem, loaded.Scope)
}
