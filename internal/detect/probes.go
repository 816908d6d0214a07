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

package detect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wronai/clonebox/internal/types"
)

const (
	confidenceProcess = 0.9
	confidenceMarker  = 0.8
	confidenceSocket  = 0.6
	confidenceProject = 0.9
	confidenceSibling = 0.7
)

var errNoProcTable = errors.New("process table not readable")

// processProbe walks the process table and matches command names against
// the process catalog.
type processProbe struct {
	procRoot string
}

func (p *processProbe) Name() string { return "process" }

func (p *processProbe) Run(ctx context.Context) ([]types.DetectedItem, error) {
	entries, err := os.ReadDir(p.procRoot)
	if err != nil {
		return nil, errors.Join(err, errNoProcTable)
	}

	seen := map[string]struct{}{}
	var items []types.DetectedItem

	for _, entry := range entries {
		if _, err := strconv.Atoi(entry.Name()); err != nil {
			continue // not a PID directory
		}

		comm, err := os.ReadFile(filepath.Join(p.procRoot, entry.Name(), "comm"))
		if err != nil {
			continue // process exited or not ours to read
		}

		name := strings.TrimSpace(string(comm))
		kind := types.ItemService
		hint, ok := processCatalog[name]
		if !ok {
			kind = types.ItemApplication
			hint, ok = applicationCatalog[name]
		}
		if !ok {
			continue
		}
		if _, dup := seen[hint.Name]; dup {
			continue
		}
		seen[hint.Name] = struct{}{}

		items = append(items, types.DetectedItem{
			Kind:       kind,
			Name:       hint.Name,
			Evidence:   fmt.Sprintf("process %s", name),
			Confidence: confidenceProcess,
			Packages:   hint.Packages,
			Services:   hint.Services,
		})
	}
	return items, nil
}

// socketProbe parses the kernel's TCP socket tables and maps listening
// ports to service hints.
type socketProbe struct {
	procRoot string
}

func (p *socketProbe) Name() string { return "socket" }

func (p *socketProbe) Run(ctx context.Context) ([]types.DetectedItem, error) {
	seen := map[string]struct{}{}
	var items []types.DetectedItem
	var lastErr error

	for _, table := range []string{"net/tcp", "net/tcp6"} {
		ports, err := listeningPorts(filepath.Join(p.procRoot, table))
		if err != nil {
			lastErr = err
			continue
		}
		for _, port := range ports {
			hint, ok := portCatalog[port]
			if !ok {
				continue
			}
			if _, dup := seen[hint.Name]; dup {
				continue
			}
			seen[hint.Name] = struct{}{}

			items = append(items, types.DetectedItem{
				Kind:       types.ItemService,
				Name:       hint.Name,
				Evidence:   fmt.Sprintf("listening socket :%d", port),
				Confidence: confidenceSocket,
				Packages:   hint.Packages,
				Services:   hint.Services,
			})
		}
	}

	if len(items) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return items, nil
}

// listeningPorts extracts local ports in LISTEN state (0A) from a
// /proc/net/tcp formatted table.
func listeningPorts(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ports []int
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[3] != "0A" {
			continue
		}
		_, portHex, ok := strings.Cut(fields[1], ":")
		if !ok {
			continue
		}
		port, err := strconv.ParseInt(portHex, 16, 32)
		if err != nil {
			continue
		}
		ports = append(ports, int(port))
	}
	return ports, scanner.Err()
}

// markerProbe checks well-known config/service markers on the filesystem.
type markerProbe struct {
	root string
}

func (p *markerProbe) Name() string { return "marker" }

func (p *markerProbe) Run(ctx context.Context) ([]types.DetectedItem, error) {
	var items []types.DetectedItem

	for marker, hint := range markerCatalog {
		path := filepath.Join(p.root, marker)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		items = append(items, types.DetectedItem{
			Kind:       types.ItemService,
			Name:       hint.Name,
			Evidence:   fmt.Sprintf("marker %s", path),
			Confidence: confidenceMarker,
			Packages:   hint.Packages,
			Services:   hint.Services,
		})
	}
	return items, nil
}

// projectProbe looks for project directories: the base directory itself and
// its immediate children carrying a project marker. Candidates are offered
// a guest mountpoint under /workspace.
type projectProbe struct {
	baseDir string
}

func (p *projectProbe) Name() string { return "project" }

func (p *projectProbe) Run(ctx context.Context) ([]types.DetectedItem, error) {
	base, err := filepath.Abs(p.baseDir)
	if err != nil {
		return nil, err
	}

	var items []types.DetectedItem

	if isProjectDir(base) {
		items = append(items, projectItem(base, confidenceProject))
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		if len(items) == 0 {
			return nil, err
		}
		return items, nil
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		child := filepath.Join(base, entry.Name())
		if isProjectDir(child) {
			items = append(items, projectItem(child, confidenceSibling))
		}
	}
	return items, nil
}

func isProjectDir(dir string) bool {
	for _, marker := range projectMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

func projectItem(dir string, confidence float64) types.DetectedItem {
	name := filepath.Base(dir)
	return types.DetectedItem{
		Kind:       types.ItemPath,
		Name:       name,
		Evidence:   fmt.Sprintf("project markers in %s", dir),
		Confidence: confidence,
		HostPath:   dir,
		GuestPath:  "/workspace/" + name,
	}
}
