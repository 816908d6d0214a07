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

package types

// ItemKind classifies a detection result.
type ItemKind string

const (
	ItemService     ItemKind = "service"
	ItemApplication ItemKind = "application"
	ItemPath        ItemKind = "path"
)

// DetectedItem is one candidate produced by a detection probe. Items are
// ephemeral: they are produced fresh on every detection run and never
// persisted directly.
type DetectedItem struct {
	Kind ItemKind
	Name string

	// Evidence names the observation that produced this item, e.g.
	// "process dockerd" or "marker /var/run/docker.sock".
	Evidence string

	// Confidence in [0,1]. The synthesizer prefers higher-confidence
	// duplicates when collapsing.
	Confidence float64

	// HostPath and GuestPath are set for path items only.
	HostPath  string
	GuestPath string

	// Packages and Services implied by this item.
	Packages []string
	Services []string
}

// Scope is the isolation boundary of the virtualization backend: a
// per-user backend instance or a shared system-wide one.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeSystem Scope = "system"
)

// Resources holds the VM resource limits.
type Resources struct {
	MemoryMB int `json:"memory_mb"`
	VCPUs    int `json:"vcpus"`
	DiskGB   int `json:"disk_gb"`
}

// AuthMethod selects how the guest user authenticates.
type AuthMethod string

const (
	AuthSSHKey          AuthMethod = "ssh-key"
	AuthOneTimePassword AuthMethod = "one-time-password"
	AuthPassword        AuthMethod = "password"
)

// Auth is the structured (schema v2) authentication block.
type Auth struct {
	Method AuthMethod `json:"method"`
	// Password is only meaningful for AuthPassword. One-time passwords are
	// generated at render time and never stored in the spec.
	Password string `json:"password,omitempty"`
}

// ProbeType identifies a health probe variant.
type ProbeType string

const (
	ProbeTCP       ProbeType = "tcp"
	ProbeAgentPing ProbeType = "agent-ping"
	ProbeAgentExec ProbeType = "agent-exec"
)

// ProbeSpec declares one post-boot health probe.
type ProbeSpec struct {
	Name   string    `json:"name"`
	Type   ProbeType `json:"type"`
	// Target is probe-specific: a "host:port" or ":port" for tcp probes,
	// a command line for agent-exec probes, unused for agent-ping.
	Target string `json:"target,omitempty"`
	// ExpectExit is the exit status an agent-exec probe must return.
	ExpectExit int `json:"expect_exit,omitempty"`
}

// SpecVersion is the current (structured) CloneSpec schema version.
const SpecVersion = 2

// CloneSpec is the durable, versioned description of what a cloned VM
// should contain. It is created by the synthesizer, mutated only by explicit
// user edit or schema migration, and destroyed together with the clone's
// backing store.
type CloneSpec struct {
	Version   int        `json:"version"`
	Name      string     `json:"name"`
	Scope     Scope      `json:"scope,omitempty"`
	Resources Resources  `json:"resources"`
	// Mounts maps host path -> guest mountpoint. Keys are unique by
	// canonical (symlink-resolved) path; order is irrelevant.
	Mounts   map[string]string `json:"mounts,omitempty"`
	Packages []string          `json:"packages,omitempty"`
	Services []string          `json:"services,omitempty"`
	Auth     Auth              `json:"auth"`
	Health   []ProbeSpec       `json:"health,omitempty"`
}

// Profile is a named, reusable package/service bundle merged into the spec
// before deduplication.
type Profile struct {
	Name      string     `json:"name"`
	Packages  []string   `json:"packages,omitempty"`
	Services  []string   `json:"services,omitempty"`
	Resources *Resources `json:"resources,omitempty"`
}
