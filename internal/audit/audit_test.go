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

package audit_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wronai/clonebox/internal/audit"
	"github.com/wronai/clonebox/internal/types"
)

func openLog(t *testing.T, path string) *audit.Log {
	t.Helper()
	l, err := audit.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog(t *testing.T) {
	t.Run("assigns monotonic sequence numbers", func(t *testing.T) {
		l := openLog(t, filepath.Join(t.TempDir(), "audit.jsonl"))

		l.Record(types.AuditEvent{Kind: types.EventCreate, VM: "a", Outcome: types.OutcomeSuccess})
		l.Record(types.AuditEvent{Kind: types.EventStart, VM: "a", Outcome: types.OutcomeSuccess})

		events, err := l.Query(audit.Filter{})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(1), events[0].Seq)
		assert.Equal(t, uint64(2), events[1].Seq)
	})

	t.Run("sequence survives reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.jsonl")

		l1, err := audit.Open(path, nil)
		require.NoError(t, err)
		l1.Record(types.AuditEvent{Kind: types.EventCreate, VM: "a", Outcome: types.OutcomeSuccess})
		l1.Record(types.AuditEvent{Kind: types.EventDelete, VM: "a", Outcome: types.OutcomeSuccess})
		require.NoError(t, l1.Close())

		l2 := openLog(t, path)
		l2.Record(types.AuditEvent{Kind: types.EventCreate, VM: "b", Outcome: types.OutcomeSuccess})

		events, err := l2.Query(audit.Filter{})
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, uint64(3), events[2].Seq)
		assert.Equal(t, "b", events[2].VM)
	})

	t.Run("stamps the configured actor", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.jsonl")
		l, err := audit.Open(path, nil, audit.WithActor("alice"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })

		l.Record(types.AuditEvent{Kind: types.EventCreate, VM: "a", Outcome: types.OutcomeSuccess})
		l.Record(types.AuditEvent{Kind: types.EventStart, VM: "a", Actor: "ci", Outcome: types.OutcomeSuccess})

		events, err := l.Query(audit.Filter{})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "alice", events[0].Actor)
		assert.Equal(t, "ci", events[1].Actor, "an explicit actor is preserved")
	})

	t.Run("concurrent writers keep records intact", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.jsonl")
		l1, err := audit.Open(path, nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			i := i

			wg.Add(1)
			go func() {
				defer wg.Done()
				l1.Record(types.AuditEvent{
					Kind: types.EventStart, VM: fmt.Sprintf("vm-%d", i),
					Outcome: types.OutcomeSuccess,
				})
			}()
		}
		wg.Wait()
		require.NoError(t, l1.Close())

		// Every record must survive a reopen with a unique sequence number.
		l2 := openLog(t, path)
		events, err := l2.Query(audit.Filter{})
		require.NoError(t, err)
		require.Len(t, events, 50)
		seen := map[uint64]bool{}
		for _, ev := range events {
			assert.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
			seen[ev.Seq] = true
		}
	})

	t.Run("tolerates a torn trailing record", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.jsonl")

		l1, err := audit.Open(path, nil)
		require.NoError(t, err)
		l1.Record(types.AuditEvent{Kind: types.EventCreate, VM: "a", Outcome: types.OutcomeSuccess})
		require.NoError(t, l1.Close())

		// Simulate a crash mid-append.
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		require.NoError(t, err)
		_, err = f.WriteString(`{"seq":2,"kind":"st`)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		l2 := openLog(t, path)
		l2.Record(types.AuditEvent{Kind: types.EventStart, VM: "a", Outcome: types.OutcomeSuccess})

		events, err := l2.Query(audit.Filter{})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(2), events[1].Seq)
		assert.Equal(t, types.EventStart, events[1].Kind)
	})
}

func TestQuery(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := openLog(t, filepath.Join(t.TempDir(), "audit.jsonl"))

	// Enough records to span several index strides.
	for i := 0; i < 200; i++ {
		kind := types.EventStart
		if i%2 == 0 {
			kind = types.EventStop
		}
		l.Record(types.AuditEvent{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Kind:      kind,
			VM:        "vm-a",
			Outcome:   types.OutcomeSuccess,
		})
	}

	t.Run("time range", func(t *testing.T) {
		events, err := l.Query(audit.Filter{
			From: base.Add(100 * time.Minute),
			To:   base.Add(109 * time.Minute),
		})
		require.NoError(t, err)
		assert.Len(t, events, 10)
		assert.Equal(t, uint64(101), events[0].Seq)
	})

	t.Run("kind filter", func(t *testing.T) {
		events, err := l.Query(audit.Filter{Kinds: []types.EventKind{types.EventStop}})
		require.NoError(t, err)
		assert.Len(t, events, 100)
		for _, ev := range events {
			assert.Equal(t, types.EventStop, ev.Kind)
		}
	})

	t.Run("vm filter", func(t *testing.T) {
		events, err := l.Query(audit.Filter{VM: "vm-b"})
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestExport(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "audit.jsonl"))
	l.Record(types.AuditEvent{Kind: types.EventCreate, VM: "a", Outcome: types.OutcomeFailure, Detail: "boom"})

	var buf bytes.Buffer
	require.NoError(t, l.Export(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"outcome":"failure"`)
	assert.Contains(t, lines[0], `"detail":"boom"`)
}
