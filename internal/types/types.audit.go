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

// EventKind identifies the type of auditable lifecycle event.
type EventKind string

const (
	EventCreate          EventKind = "create"
	EventStart           EventKind = "start"
	EventStop            EventKind = "stop"
	EventDelete          EventKind = "delete"
	EventRollback        EventKind = "rollback"
	EventSnapshotCreate  EventKind = "snapshot_create"
	EventSnapshotRestore EventKind = "snapshot_restore"
	EventSnapshotDelete  EventKind = "snapshot_delete"
	EventComposeUp       EventKind = "compose_up"
	EventComposeDown     EventKind = "compose_down"
)

// Outcome is the result of an audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AuditEvent is a single line in the audit log (JSONL format). Events are
// append-only: once written they are never mutated or deleted. Field names
// are part of the export format and must stay stable across versions.
type AuditEvent struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Kind      EventKind `json:"kind"`
	VM        string    `json:"vm,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}
