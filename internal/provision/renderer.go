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

// Package provision compiles a CloneSpec into the boot-time provisioning
// bundle consumed by the guest's first-boot mechanism.
//
// Rendering is deterministic: the same CloneSpec renders the same bundle
// bit-for-bit given the same credential source. The credential source is an
// injectable CSPRNG (crypto/rand by default) so tests can snapshot-compare
// bundles with a seeded reader.
package provision

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/wronai/clonebox/internal/types"
	"github.com/wronai/clonebox/pkg/cloudinit"
)

const (
	// DefaultGuestUser is the account created inside every clone.
	DefaultGuestUser = "clone"
	// DefaultNetwork is the backend network clones attach to.
	DefaultNetwork = "default"

	privateKeyFile = "id_ed25519"
	otpBytes       = 15 // 24 base32 chars, no padding
)

var (
	errRenderUserData  = errors.New("failed to render cloud-init user data")
	errGenerateKeypair = errors.New("failed to generate SSH keypair")
	errPersistKey      = errors.New("failed to persist SSH private key")
)

// MountDecl is one host directory exported into the guest.
type MountDecl struct {
	HostPath  string `json:"host_path"`
	GuestPath string `json:"guest_path"`
	// ExportTag is the host-side export identifier (the virtiofs tag under
	// libvirt) derived deterministically from the guest mountpoint.
	ExportTag string `json:"export_tag"`
}

// NetworkDecl names the backend network and the guest hostname.
type NetworkDecl struct {
	Network  string `json:"network"`
	Hostname string `json:"hostname"`
}

// Credentials is the initial credential material for the guest user.
// Secrets are excluded from serialized bundles and must never be logged in
// plaintext.
type Credentials struct {
	Method types.AuthMethod `json:"method"`
	User   string           `json:"user"`
	// Password is set for password and one-time-password methods.
	Password string `json:"-"`
	// SSHPublicKey is set for the ssh-key method; the private half is
	// persisted only under the VM's backing-store directory.
	SSHPublicKey string `json:"ssh_public_key,omitempty"`
}

// Bundle is the rendered boot-time provisioning data for one VM.
type Bundle struct {
	VM          string      `json:"vm"`
	Packages    []string    `json:"packages"`
	Services    []string    `json:"services"`
	Mounts      []MountDecl `json:"mounts"`
	Network     NetworkDecl `json:"network"`
	Credentials Credentials `json:"credentials"`
	// UserData is the rendered cloud-config document.
	UserData string `json:"-"`
}

// Renderer compiles CloneSpecs into Bundles.
type Renderer struct {
	storeRoot string
	network   string
	guestUser string
	random    io.Reader
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithRandom replaces the credential randomness source. Tests use a seeded
// reader to make rendering fully reproducible.
func WithRandom(r io.Reader) Option {
	return func(rd *Renderer) { rd.random = r }
}

// WithNetwork sets the backend network clones attach to.
func WithNetwork(network string) Option {
	return func(rd *Renderer) { rd.network = network }
}

// WithGuestUser sets the guest account name.
func WithGuestUser(user string) Option {
	return func(rd *Renderer) { rd.guestUser = user }
}

// NewRenderer returns a Renderer persisting per-VM key material under
// storeRoot/<vm>/.
func NewRenderer(storeRoot string, opts ...Option) *Renderer {
	r := &Renderer{
		storeRoot: storeRoot,
		network:   DefaultNetwork,
		guestUser: DefaultGuestUser,
		random:    rand.Reader,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render compiles the spec into a provisioning bundle.
//
// Mount host paths must exist and be readable at render time; this is the
// last gate before any of them is exported to a guest.
func (r *Renderer) Render(spec types.CloneSpec) (Bundle, error) {
	mounts, err := renderMounts(spec)
	if err != nil {
		return Bundle{}, err
	}

	creds, err := r.renderCredentials(spec)
	if err != nil {
		return Bundle{}, err
	}

	bundle := Bundle{
		VM:       spec.Name,
		Packages: sortedSet(spec.Packages),
		Services: sortedSet(spec.Services),
		Mounts:   mounts,
		Network: NetworkDecl{
			Network:  r.network,
			Hostname: spec.Name,
		},
		Credentials: creds,
	}

	userData, err := r.renderUserData(bundle)
	if err != nil {
		return Bundle{}, errors.Join(err, errRenderUserData)
	}
	bundle.UserData = userData

	return bundle, nil
}

func renderMounts(spec types.CloneSpec) ([]MountDecl, error) {
	mounts := make([]MountDecl, 0, len(spec.Mounts))
	for hostPath, guestPath := range spec.Mounts {
		f, err := os.Open(hostPath)
		if err != nil {
			return nil, types.NewValidationError(
				"mounts", "host path %s does not exist or is not readable", hostPath,
			)
		}
		_ = f.Close()

		mounts = append(mounts, MountDecl{
			HostPath:  hostPath,
			GuestPath: guestPath,
			ExportTag: ExportTag(guestPath),
		})
	}
	sort.Slice(mounts, func(i, j int) bool {
		return mounts[i].GuestPath < mounts[j].GuestPath
	})
	return mounts, nil
}

// ExportTag derives the host-side export identifier for a guest mountpoint,
// e.g. "/workspace/app" -> "cb-workspace-app". Tags are stable across
// renders so re-provisioning reuses the same exports.
func ExportTag(guestPath string) string {
	trimmed := strings.Trim(guestPath, "/")
	if trimmed == "" {
		trimmed = "root"
	}
	return "cb-" + strings.ReplaceAll(trimmed, "/", "-")
}

func (r *Renderer) renderCredentials(spec types.CloneSpec) (Credentials, error) {
	creds := Credentials{Method: spec.Auth.Method, User: r.guestUser}

	switch spec.Auth.Method {
	case types.AuthSSHKey, "":
		creds.Method = types.AuthSSHKey
		pub, err := r.ensureKeypair(spec.Name)
		if err != nil {
			return Credentials{}, err
		}
		creds.SSHPublicKey = pub
	case types.AuthOneTimePassword:
		// Fresh per render call, from the CSPRNG.
		buf := make([]byte, otpBytes)
		if _, err := io.ReadFull(r.random, buf); err != nil {
			return Credentials{}, err
		}
		creds.Password = strings.ToLower(
			base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf),
		)
	case types.AuthPassword:
		creds.Password = spec.Auth.Password
	default:
		return Credentials{}, types.NewValidationError(
			"auth.method", "unknown method %q", spec.Auth.Method,
		)
	}
	return creds, nil
}

// ensureKeypair generates the VM's ed25519 keypair once and persists the
// private half only under that VM's backing-store directory. Subsequent
// renders reuse the existing key; keys are never shared across VMs.
func (r *Renderer) ensureKeypair(vm string) (string, error) {
	dir := filepath.Join(r.storeRoot, vm)
	keyPath := filepath.Join(dir, privateKeyFile)

	if b, err := os.ReadFile(keyPath + ".pub"); err == nil {
		return strings.TrimSpace(string(b)), nil
	}

	pub, priv, err := ed25519.GenerateKey(r.random)
	if err != nil {
		return "", errors.Join(err, errGenerateKeypair)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", errors.Join(err, errGenerateKeypair)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))

	pemBlock, err := ssh.MarshalPrivateKey(priv, fmt.Sprintf("clonebox:%s", vm))
	if err != nil {
		return "", errors.Join(err, errGenerateKeypair)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Join(err, errPersistKey)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return "", errors.Join(err, errPersistKey)
	}
	if err := os.WriteFile(keyPath+".pub", []byte(authorized+"\n"), 0o644); err != nil {
		return "", errors.Join(err, errPersistKey)
	}
	return authorized, nil
}

func (r *Renderer) renderUserData(bundle Bundle) (string, error) {
	ud := cloudinit.UserData{
		Hostname:      bundle.Network.Hostname,
		PackageUpdate: true,
		Packages:      bundle.Packages,
	}

	switch bundle.Credentials.Method {
	case types.AuthSSHKey:
		ud.Users = []cloudinit.User{
			cloudinit.NewUserWithAuthorizedKeys(
				bundle.Credentials.User,
				[]string{bundle.Credentials.SSHPublicKey},
			),
		}
	case types.AuthOneTimePassword:
		pwAuth := true
		ud.Users = []cloudinit.User{cloudinit.NewUserWithPassword(bundle.Credentials.User)}
		ud.SSHPwAuth = &pwAuth
		ud.Chpasswd = &cloudinit.Chpasswd{
			List: []string{
				fmt.Sprintf("%s:%s", bundle.Credentials.User, bundle.Credentials.Password),
			},
			// One-time: the guest forces a change on first login.
			Expire: true,
		}
	case types.AuthPassword:
		pwAuth := true
		ud.Users = []cloudinit.User{cloudinit.NewUserWithPassword(bundle.Credentials.User)}
		ud.SSHPwAuth = &pwAuth
		ud.Chpasswd = &cloudinit.Chpasswd{
			List: []string{
				fmt.Sprintf("%s:%s", bundle.Credentials.User, bundle.Credentials.Password),
			},
			Expire: false,
		}
	}

	for _, m := range bundle.Mounts {
		ud.RunCommands = append(ud.RunCommands, fmt.Sprintf("mkdir -p %s", m.GuestPath))
		ud.Mounts = append(ud.Mounts, []string{
			m.ExportTag, m.GuestPath, "virtiofs", "defaults,nofail", "0", "0",
		})
	}
	for _, svc := range bundle.Services {
		ud.RunCommands = append(
			ud.RunCommands, fmt.Sprintf("systemctl enable --now %s", svc),
		)
	}

	return ud.Render()
}

func sortedSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
