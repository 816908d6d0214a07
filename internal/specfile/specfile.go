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

// Package specfile reads and writes `.clonebox.yaml` clone specifications.
//
// Two schema versions are accepted on read: v1 (flat fields) and v2
// (structured). Writes always emit v2. Parsing is tagged by the explicit
// `version` field rather than by duck-typing the document shape.
package specfile

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"sigs.k8s.io/yaml"

	"github.com/wronai/clonebox/internal/types"
)

// DefaultFileName is the conventional spec file name in a project directory.
const DefaultFileName = ".clonebox.yaml"

var (
	errReadSpecFile      = errors.New("failed to read spec file")
	errParseSpecFile     = errors.New("failed to parse spec file")
	errWriteSpecFile     = errors.New("failed to write spec file")
	errUnsupportedSchema = errors.New("unsupported spec schema version")
)

// SpecV1 is the legacy flat schema. It is kept as an explicit type so that
// migration to the structured schema is total: every field listed here has a
// defined mapping into types.CloneSpec.
type SpecV1 struct {
	Version    int               `json:"version"`
	Name       string            `json:"name"`
	MemoryMB   int               `json:"memory_mb,omitempty"`
	VCPUs      int               `json:"vcpus,omitempty"`
	DiskGB     int               `json:"disk_gb,omitempty"`
	Mounts     map[string]string `json:"mounts,omitempty"`
	Packages   []string          `json:"packages,omitempty"`
	Services   []string          `json:"services,omitempty"`
	AuthMethod string            `json:"auth_method,omitempty"`
	Password   string            `json:"password,omitempty"`
}

// v1Fields is the closed set of keys the v1 schema defines. Any other key in
// a v1 document is flagged at migration time instead of being dropped.
var v1Fields = map[string]struct{}{
	"version": {}, "name": {}, "memory_mb": {}, "vcpus": {}, "disk_gb": {},
	"mounts": {}, "packages": {}, "services": {}, "auth_method": {}, "password": {},
}

// Load reads a spec file from disk and returns it in the structured schema,
// migrating v1 documents on the fly.
func Load(path string) (types.CloneSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.CloneSpec{}, errors.Join(err, errReadSpecFile)
	}
	return Parse(b)
}

// Parse decodes a v1 or v2 spec document and returns the structured form.
func Parse(b []byte) (types.CloneSpec, error) {
	var versioned struct {
		Version int `json:"version"`
	}
	if err := yaml.Unmarshal(b, &versioned); err != nil {
		return types.CloneSpec{}, errors.Join(err, errParseSpecFile)
	}

	switch versioned.Version {
	case 0, 1:
		// Version 0 means the field is absent; the earliest files predate
		// the version field and follow the flat schema.
		var v1 SpecV1
		if err := yaml.Unmarshal(b, &v1); err != nil {
			return types.CloneSpec{}, errors.Join(err, errParseSpecFile)
		}
		if err := checkUnknownV1Fields(b); err != nil {
			return types.CloneSpec{}, err
		}
		return MigrateV1(v1), nil
	case types.SpecVersion:
		var spec types.CloneSpec
		if err := yaml.Unmarshal(b, &spec); err != nil {
			return types.CloneSpec{}, errors.Join(err, errParseSpecFile)
		}
		return spec, nil
	default:
		return types.CloneSpec{}, errors.Join(
			fmt.Errorf("version=%d", versioned.Version),
			errUnsupportedSchema,
		)
	}
}

// Save writes the spec to disk. The emitted document is always schema v2.
func Save(path string, spec types.CloneSpec) error {
	b, err := Marshal(spec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Join(err, errWriteSpecFile)
	}
	return nil
}

// Marshal serializes the spec as a v2 YAML document.
func Marshal(spec types.CloneSpec) ([]byte, error) {
	spec.Version = types.SpecVersion
	b, err := yaml.Marshal(spec)
	if err != nil {
		return nil, errors.Join(err, errWriteSpecFile)
	}
	return b, nil
}

// MigrateV1 maps a flat v1 spec losslessly into the structured schema.
// The mapping is total over every v1-defined field and round-trip-safe:
// DowngradeV1(MigrateV1(v1)) == v1 for any normalized v1 document.
func MigrateV1(v1 SpecV1) types.CloneSpec {
	method := types.AuthMethod(v1.AuthMethod)
	if method == "" {
		method = types.AuthSSHKey
	}
	return types.CloneSpec{
		Version: types.SpecVersion,
		Name:    v1.Name,
		// v1 predates session scoping; the non-privileged backend is the
		// compatible default.
		Scope: types.ScopeUser,
		Resources: types.Resources{
			MemoryMB: v1.MemoryMB,
			VCPUs:    v1.VCPUs,
			DiskGB:   v1.DiskGB,
		},
		Mounts:   v1.Mounts,
		Packages: v1.Packages,
		Services: v1.Services,
		Auth: types.Auth{
			Method:   method,
			Password: v1.Password,
		},
	}
}

// DowngradeV1 maps a structured spec back into the flat v1 schema. It exists
// to guarantee the migration round-trip; writes never emit v1. Fields the v1
// schema cannot express (scope, health probes) are not carried.
func DowngradeV1(spec types.CloneSpec) SpecV1 {
	method := string(spec.Auth.Method)
	if method == string(types.AuthSSHKey) {
		method = ""
	}
	return SpecV1{
		Version:    1,
		Name:       spec.Name,
		MemoryMB:   spec.Resources.MemoryMB,
		VCPUs:      spec.Resources.VCPUs,
		DiskGB:     spec.Resources.DiskGB,
		Mounts:     spec.Mounts,
		Packages:   spec.Packages,
		Services:   spec.Services,
		AuthMethod: method,
		Password:   spec.Auth.Password,
	}
}

func checkUnknownV1Fields(b []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return errors.Join(err, errParseSpecFile)
	}

	var unknown []string
	for key := range doc {
		if _, ok := v1Fields[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return &types.MigrationError{UnknownFields: unknown}
}
