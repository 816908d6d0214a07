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

package synth

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/wronai/clonebox/internal/types"
)

// builtinProfiles are the reusable bundles shipped with the CLI. User
// profile files loaded with LoadProfile take the same shape.
var builtinProfiles = map[string]types.Profile{
	"docker": {
		Name:     "docker",
		Packages: []string{"docker.io", "docker-compose-v2"},
		Services: []string{"docker"},
		Resources: &types.Resources{
			MemoryMB: 4096, VCPUs: 2, DiskGB: 30,
		},
	},
	"web": {
		Name:     "web",
		Packages: []string{"nginx", "certbot"},
		Services: []string{"nginx"},
	},
	"db": {
		Name:     "db",
		Packages: []string{"postgresql", "redis-server"},
		Services: []string{"postgresql", "redis-server"},
		Resources: &types.Resources{
			MemoryMB: 4096, VCPUs: 2, DiskGB: 40,
		},
	},
	"dev": {
		Name:     "dev",
		Packages: []string{"git", "build-essential", "curl", "vim"},
	},
}

// BuiltinProfile returns the named built-in bundle.
func BuiltinProfile(name string) (*types.Profile, bool) {
	p, ok := builtinProfiles[name]
	if !ok {
		return nil, false
	}
	return &p, true
}

// BuiltinProfileNames lists the shipped bundles.
func BuiltinProfileNames() []string {
	return []string{"db", "dev", "docker", "web"}
}

// LoadProfile reads a user-defined profile file (YAML). The argument to
// ResolveProfile that is not a built-in name is treated as a path.
func LoadProfile(path string) (*types.Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}
	var p types.Profile
	if err := yaml.UnmarshalStrict(b, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	if p.Name == "" {
		return nil, types.NewValidationError("name", "profile %s has no name", path)
	}
	return &p, nil
}

// ResolveProfile maps a --profile argument to a profile: a built-in name
// first, otherwise a file path.
func ResolveProfile(arg string) (*types.Profile, error) {
	if arg == "" {
		return nil, nil
	}
	if p, ok := BuiltinProfile(arg); ok {
		return p, nil
	}
	return LoadProfile(arg)
}
