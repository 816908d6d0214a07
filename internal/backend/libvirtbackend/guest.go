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

package libvirtbackend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"libvirt.org/go/libvirt"

	"github.com/wronai/clonebox/internal/backend"
	"github.com/wronai/clonebox/internal/types"
)

const guestExecPollInterval = 250 * time.Millisecond

// GuestPing checks that the QEMU guest agent responds inside the domain.
func (l *Libvirt) GuestPing(ctx context.Context, name string) error {
	_, err := l.agentCommand(ctx, name, `{"execute":"guest-ping"}`)
	return err
}

// GuestExec runs a command through the guest agent and waits for it to
// exit, polling guest-exec-status until the context deadline.
func (l *Libvirt) GuestExec(
	ctx context.Context, name string, cmd []string,
) (backend.ExecResult, error) {
	if len(cmd) == 0 {
		return backend.ExecResult{}, errors.New("empty guest command")
	}

	req := map[string]any{
		"execute": "guest-exec",
		"arguments": map[string]any{
			"path":           cmd[0],
			"arg":            cmd[1:],
			"capture-output": true,
		},
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return backend.ExecResult{}, err
	}

	resp, err := l.agentCommand(ctx, name, string(reqJSON))
	if err != nil {
		return backend.ExecResult{}, err
	}

	var started struct {
		Return struct {
			PID int `json:"pid"`
		} `json:"return"`
	}
	if err := json.Unmarshal([]byte(resp), &started); err != nil {
		return backend.ExecResult{}, errors.Join(err, errGuestAgent)
	}

	statusReq := fmt.Sprintf(
		`{"execute":"guest-exec-status","arguments":{"pid":%d}}`,
		started.Return.PID,
	)

	ticker := time.NewTicker(guestExecPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.ExecResult{}, ctx.Err()
		case <-ticker.C:
		}

		resp, err := l.agentCommand(ctx, name, statusReq)
		if err != nil {
			return backend.ExecResult{}, err
		}

		var status struct {
			Return struct {
				Exited   bool   `json:"exited"`
				ExitCode int    `json:"exitcode"`
				OutData  string `json:"out-data"`
				ErrData  string `json:"err-data"`
			} `json:"return"`
		}
		if err := json.Unmarshal([]byte(resp), &status); err != nil {
			return backend.ExecResult{}, errors.Join(err, errGuestAgent)
		}
		if !status.Return.Exited {
			continue
		}

		stdout, _ := base64.StdEncoding.DecodeString(status.Return.OutData)
		stderr, _ := base64.StdEncoding.DecodeString(status.Return.ErrData)
		return backend.ExecResult{
			ExitCode: status.Return.ExitCode,
			Stdout:   string(stdout),
			Stderr:   string(stderr),
		}, nil
	}
}

func (l *Libvirt) agentCommand(
	ctx context.Context, name, command string,
) (string, error) {
	dom, err := l.lookup(name)
	if err != nil {
		return "", err
	}
	if dom == nil {
		return "", errors.Join(fmt.Errorf("vmName=%s", name), types.ErrVMNotFound)
	}
	defer dom.Free()

	resp, err := dom.QemuAgentCommand(
		command,
		libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT,
		0,
	)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", name), errGuestAgent)
	}
	return resp, nil
}
