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

// Package cloudinit renders typed cloud-config documents consumed by the
// guest's first-boot provisioning mechanism.
package cloudinit

import (
	"fmt"

	"sigs.k8s.io/yaml"
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo,omitempty"`
	Shell             string   `json:"shell,omitempty"`
	HomeDir           string   `json:"homedir,omitempty"`
	LockPasswd        *bool    `json:"lock_passwd,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
}

// NewUserWithAuthorizedKeys returns a passwordless sudo user that
// authenticates with the given SSH public keys.
func NewUserWithAuthorizedKeys(name string, authorizedKeys []string) User {
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		SSHAuthorizedKeys: authorizedKeys,
	}
}

// NewUserWithPassword returns a sudo user that authenticates with a
// password. The password itself is delivered via the Chpasswd block, not on
// the user entry.
func NewUserWithPassword(name string) User {
	lock := false
	return User{
		Name:       name,
		Sudo:       "ALL=(ALL) NOPASSWD:ALL",
		Shell:      "/bin/bash",
		LockPasswd: &lock,
	}
}

type WriteFile struct {
	Path        string `json:"path"`
	Permissions string `json:"permissions,omitempty"`
	Content     string `json:"content"`
}

// Chpasswd sets initial passwords. With Expire set, the guest forces a
// password change on first login, which is how one-time passwords behave.
type Chpasswd struct {
	List   []string `json:"list,omitempty"`
	Expire bool     `json:"expire"`
}

type UserData struct {
	Hostname      string      `json:"hostname"`
	PackageUpdate bool        `json:"package_update,omitempty"`
	Packages      []string    `json:"packages,omitempty"`
	Users         []User      `json:"users,omitempty"`
	Chpasswd      *Chpasswd   `json:"chpasswd,omitempty"`
	SSHPwAuth     *bool       `json:"ssh_pwauth,omitempty"`
	WriteFiles    []WriteFile `json:"write_files,omitempty"`
	// Mounts uses the fstab list-of-lists form:
	// [device, mountpoint, fstype, options, dump, pass].
	Mounts      [][]string `json:"mounts,omitempty"`
	RunCommands []string   `json:"runcmd,omitempty"`
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config from UserData: %v", err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}
