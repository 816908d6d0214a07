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

import "time"

// VMState is the lifecycle state of a clone.
//
// Transitions: Absent -> Provisioning -> Running <-> Stopped -> Absent.
// Failed is reachable from Provisioning and from Running->Stopped on backend
// errors; rollback drives Failed back to Absent.
type VMState string

const (
	StateAbsent       VMState = "absent"
	StateProvisioning VMState = "provisioning"
	StateRunning      VMState = "running"
	StateStopped      VMState = "stopped"
	StateFailed       VMState = "failed"
)

// VMRecord is the runtime view of a clone. It is owned by the lifecycle
// orchestrator and is a cache over backend truth: it is always derivable by
// querying the backend and is invalidated on every state-changing operation.
type VMRecord struct {
	Name      string    `json:"name"`
	State     VMState   `json:"state"`
	Scope     Scope     `json:"scope"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot records a point-in-time VM state captured by the snapshot
// manager. Many snapshots may reference one VM.
type Snapshot struct {
	Name      string    `json:"name"`
	VM        string    `json:"vm"`
	CreatedAt time.Time `json:"created_at"`
	// Handle is the backend-assigned snapshot identifier.
	Handle string `json:"handle"`
}

// ComposeMember is one VM of a compose group with its start-order
// dependencies.
type ComposeMember struct {
	Spec      CloneSpec `json:"spec"`
	DependsOn []string  `json:"depends_on,omitempty"`
}

// ComposeGroup is a named set of clone specs with declared start-order
// dependencies. The dependency graph must be acyclic; this is validated
// before any start is attempted.
type ComposeGroup struct {
	Name    string          `json:"name"`
	Members []ComposeMember `json:"members"`
	// AllOrNothing stops already-started members when one member fails to
	// come up. Without it, partial success is reported, not rolled back.
	AllOrNothing bool `json:"all_or_nothing,omitempty"`
}
