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

// Package audit persists lifecycle events to an append-only JSONL log.
//
// The log is advisory: recording failures degrade to a warning and never
// block the operation being recorded. Events carry a monotonic sequence
// number recovered from the log tail on open, so ordering survives restarts.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/wronai/clonebox/internal/types"
)

const (
	// DefaultFileName is the log file under the state directory.
	DefaultFileName = "audit.jsonl"

	// indexStride is how often a byte offset is indexed. Sparse on purpose:
	// a range query seeks to the nearest stride and scans forward at most
	// stride-1 records.
	indexStride = 64
)

var errOpenLog = errors.New("failed to open audit log")

// indexEntry maps a record's timestamp to its byte offset in the log.
type indexEntry struct {
	ts     time.Time
	offset int64
}

// Log is an append-only audit log. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	seq    uint64
	size   int64
	count  int
	index  []indexEntry
	actor  string
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithActor stamps events recorded without an explicit actor. The CLI
// resolves it to the invoking OS user.
func WithActor(actor string) Option {
	return func(l *Log) { l.actor = actor }
}

// Open opens or creates the log at path, recovering the last sequence
// number and rebuilding the sparse time index from existing records.
// Corrupt trailing lines (from a crash mid-append) are tolerated and
// skipped.
func Open(path string, logger *slog.Logger, opts ...Option) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Join(err, errOpenLog)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Join(err, errOpenLog)
	}

	l := &Log{path: path, file: f, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.recover(); err != nil {
		_ = f.Close()
		return nil, errors.Join(err, errOpenLog)
	}
	if _, err := f.Seek(l.size, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, errors.Join(err, errOpenLog)
	}
	return l, nil
}

// recover scans the log once, restoring seq, the sparse index, and the
// offset of the last intact record.
func (l *Log) recover() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(l.file)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// A partial last line without newline is a torn append; the
			// next Record overwrites it.
			break
		}

		var ev types.AuditEvent
		if uerr := json.Unmarshal(line, &ev); uerr != nil {
			l.logger.Warn("skipping corrupt audit record",
				"path", l.path, "offset", offset, "error", uerr)
			offset += int64(len(line))
			continue
		}

		if l.count%indexStride == 0 {
			l.index = append(l.index, indexEntry{ts: ev.Timestamp, offset: offset})
		}
		if ev.Seq > l.seq {
			l.seq = ev.Seq
		}
		l.count++
		offset += int64(len(line))
	}
	l.size = offset
	return nil
}

// Record appends an event, filling in its sequence number and timestamp.
// Failures are logged and swallowed: an unwritable audit log must not fail
// the operation it describes.
func (l *Log) Record(ev types.AuditEvent) {
	l.mu.Lock()

	l.seq++
	ev.Seq = l.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Actor == "" {
		ev.Actor = l.actor
	}

	b, err := json.Marshal(ev)
	if err != nil {
		l.mu.Unlock()
		l.logger.Warn("failed to encode audit event", "kind", ev.Kind, "error", err)
		return
	}
	b = append(b, '\n')

	offset := l.size
	if l.count%indexStride == 0 {
		l.index = append(l.index, indexEntry{ts: ev.Timestamp, offset: offset})
	}
	l.count++
	l.size += int64(len(b))
	l.mu.Unlock()

	// Writers serialize only on the sequence and offset reservation above;
	// the I/O runs concurrently, each record at its reserved offset.
	if _, err := l.file.WriteAt(b, offset); err != nil {
		l.logger.Warn("failed to append audit event",
			"path", l.path, "kind", ev.Kind, "error", err)
	}
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	From  time.Time
	To    time.Time
	Kinds []types.EventKind
	VM    string
}

func (f Filter) matches(ev types.AuditEvent) bool {
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	if f.VM != "" && ev.VM != f.VM {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if ev.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Query returns matching events in sequence order. The sparse index bounds
// the scan start for time-range queries.
func (l *Log) Query(f Filter) ([]types.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.scanStart(f.From)

	r, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}

	var out []types.AuditEvent
	br := bufio.NewReader(io.LimitReader(r, l.size-start))
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			break
		}
		var ev types.AuditEvent
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		if !f.To.IsZero() && ev.Timestamp.After(f.To) {
			break
		}
		if f.matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// scanStart returns the byte offset of the last indexed record at or before
// from. Callers hold l.mu.
func (l *Log) scanStart(from time.Time) int64 {
	if from.IsZero() || len(l.index) == 0 {
		return 0
	}
	i := sort.Search(len(l.index), func(i int) bool {
		return l.index[i].ts.After(from)
	})
	if i == 0 {
		return 0
	}
	return l.index[i-1].offset
}

// Export streams the raw log to w, e.g. for shipping to external review.
func (l *Log) Export(w io.Writer) error {
	l.mu.Lock()
	size := l.size
	l.mu.Unlock()

	r, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("cannot export audit log: %w", err)
	}
	defer func() { _ = r.Close() }()

	if _, err := io.Copy(w, io.LimitReader(r, size)); err != nil {
		return fmt.Errorf("cannot export audit log: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
