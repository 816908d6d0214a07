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

// Package libvirtbackend adapts libvirt/QEMU to the backend capability set.
package libvirtbackend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/wronai/clonebox/internal/backend"
	"github.com/wronai/clonebox/internal/types"
	"github.com/wronai/clonebox/pkg/execcontext"
)

var (
	errConnectLibvirt   = errors.New("failed to connect to libvirt")
	errCreateOverlay    = errors.New("failed to create VM disk overlay")
	errMarshalDomainXML = errors.New("failed to marshal domain XML")
	errDefineDomain     = errors.New("failed to define domain")
	errStartDomain      = errors.New("failed to start domain")
	errShutdownDomain   = errors.New("failed to shut down domain")
	errDestroyDomain    = errors.New("failed to destroy domain")
	errUndefineDomain   = errors.New("failed to undefine domain")
	errGetDomainState   = errors.New("failed to get domain state")
	errSnapshotDomain   = errors.New("failed to snapshot domain")
	errRevertSnapshot   = errors.New("failed to revert snapshot")
	errDeleteSnapshot   = errors.New("failed to delete snapshot")
	errGuestAgent       = errors.New("guest agent command failed")
)

// Libvirt implements backend.Backend against a local libvirt daemon.
type Libvirt struct {
	conn *libvirt.Connect
	// execCtx decorates host tool invocations (qemu-img). System scope
	// prepends sudo so overlays land where the system daemon can read them.
	execCtx execcontext.Context
}

var _ backend.Backend = (*Libvirt)(nil)

// Option configures the adapter.
type Option func(*Libvirt)

// WithExecContext overrides how host tools are invoked.
func WithExecContext(ec execcontext.Context) Option {
	return func(l *Libvirt) { l.execCtx = ec }
}

// uriForScope maps the session scope to a libvirt connection URI: a
// per-user backend instance or the shared system-wide one.
func uriForScope(scope types.Scope) string {
	if scope == types.ScopeSystem {
		return "qemu:///system"
	}
	return "qemu:///session"
}

// New connects to the libvirt daemon for the given scope.
func New(scope types.Scope, opts ...Option) (*Libvirt, error) {
	conn, err := libvirt.NewConnect(uriForScope(scope))
	if err != nil {
		return nil, errors.Join(err, errConnectLibvirt, types.ErrBackendUnavailable)
	}

	l := &Libvirt{conn: conn}
	if scope == types.ScopeSystem {
		l.execCtx = execcontext.New(nil, []string{"sudo", "--non-interactive"})
	} else {
		l.execCtx = execcontext.New(nil, nil)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Libvirt) Close() error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Close()
	return err
}

// lookup returns the domain handle or nil if the domain does not exist.
func (l *Libvirt) lookup(name string) (*libvirt.Domain, error) {
	if l.conn == nil {
		return nil, types.ErrBackendUnavailable
	}
	dom, err := l.conn.LookupDomainByName(name)
	if err != nil {
		var lvErr libvirt.Error
		if errors.As(err, &lvErr) && lvErr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, nil
		}
		return nil, errors.Join(err, types.ErrBackendUnavailable)
	}
	return dom, nil
}

// DefineDomain creates the qcow2 overlay on top of the base image and
// registers the domain. The overlay lives in the VM's backing-store
// directory so deleting that directory removes all storage.
func (l *Libvirt) DefineDomain(ctx context.Context, cfg backend.DomainConfig) error {
	if l.conn == nil {
		return types.ErrBackendUnavailable
	}

	qemuImg := exec.CommandContext(ctx,
		"qemu-img", "create",
		"-f", "qcow2",
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", cfg.BaseImage),
		cfg.DiskPath,
		fmt.Sprintf("%dG", cfg.DiskGB),
	)
	execcontext.ApplyToCmd(l.execCtx, qemuImg)
	if output, err := qemuImg.CombinedOutput(); err != nil {
		return errors.Join(err, fmt.Errorf("output: %s", output), errCreateOverlay)
	}

	domainXML, err := domainXML(cfg)
	if err != nil {
		return err
	}

	dom, err := l.conn.DomainDefineXML(domainXML)
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", cfg.Name), errDefineDomain)
	}
	dom.Free()
	return nil
}

func (l *Libvirt) StartDomain(ctx context.Context, name string) error {
	dom, err := l.lookup(name)
	if err != nil {
		return err
	}
	if dom == nil {
		return errors.Join(fmt.Errorf("vmName=%s", name), types.ErrVMNotFound)
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errStartDomain)
	}
	return nil
}

func (l *Libvirt) ShutdownDomain(ctx context.Context, name string) error {
	dom, err := l.lookup(name)
	if err != nil {
		return err
	}
	if dom == nil {
		return errors.Join(fmt.Errorf("vmName=%s", name), types.ErrVMNotFound)
	}
	defer dom.Free()

	if err := dom.Shutdown(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errShutdownDomain)
	}
	return nil
}

func (l *Libvirt) DestroyDomain(ctx context.Context, name string) error {
	dom, err := l.lookup(name)
	if err != nil {
		return err
	}
	if dom == nil {
		return errors.Join(fmt.Errorf("vmName=%s", name), types.ErrVMNotFound)
	}
	defer dom.Free()

	if err := dom.Destroy(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errDestroyDomain)
	}
	return nil
}

func (l *Libvirt) UndefineDomain(ctx context.Context, name string) error {
	dom, err := l.lookup(name)
	if err != nil {
		return err
	}
	if dom == nil {
		return nil // undefining an absent domain is a no-op
	}
	defer dom.Free()

	if err := dom.Undefine(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errUndefineDomain)
	}
	return nil
}

func (l *Libvirt) DomainState(ctx context.Context, name string) (types.VMState, error) {
	dom, err := l.lookup(name)
	if err != nil {
		return "", err
	}
	if dom == nil {
		return types.StateAbsent, nil
	}
	defer dom.Free()

	state, _, err := dom.GetState()
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
	}

	switch state {
	case libvirt.DOMAIN_RUNNING:
		return types.StateRunning, nil
	case libvirt.DOMAIN_CRASHED:
		return types.StateFailed, nil
	default:
		// shutoff, paused, pmsuspended: nothing the engine distinguishes.
		return types.StateStopped, nil
	}
}

func (l *Libvirt) DomainAddress(ctx context.Context, name string) (string, error) {
	dom, err := l.lookup(name)
	if err != nil {
		return "", err
	}
	if dom == nil {
		return "", errors.Join(fmt.Errorf("vmName=%s", name), types.ErrVMNotFound)
	}
	defer dom.Free()

	ifaces, err := dom.ListAllInterfaceAddresses(
		libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE,
	)
	if err != nil {
		return "", nil // no lease yet
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
				return strings.Split(addr.Addr, "/")[0], nil
			}
		}
	}
	return "", nil
}

func (l *Libvirt) SnapshotCreate(
	ctx context.Context, name, snapshot string,
) (string, error) {
	dom, err := l.lookup(name)
	if err != nil {
		return "", err
	}
	if dom == nil {
		return "", errors.Join(fmt.Errorf("vmName=%s", name), types.ErrVMNotFound)
	}
	defer dom.Free()

	snapXML := libvirtxml.DomainSnapshot{Name: snapshot}
	xml, err := snapXML.Marshal()
	if err != nil {
		return "", errors.Join(err, errMarshalDomainXML)
	}

	snap, err := dom.CreateSnapshotXML(xml, 0)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", name), errSnapshotDomain)
	}
	defer snap.Free()
	return snapshot, nil
}

func (l *Libvirt) SnapshotRestore(ctx context.Context, name, snapshot string) error {
	snap, err := l.lookupSnapshot(name, snapshot)
	if err != nil {
		return err
	}
	defer snap.Free()

	if err := snap.RevertToSnapshot(0); err != nil {
		return errors.Join(err, fmt.Errorf("snapshot=%s", snapshot), errRevertSnapshot)
	}
	return nil
}

func (l *Libvirt) SnapshotDelete(ctx context.Context, name, snapshot string) error {
	snap, err := l.lookupSnapshot(name, snapshot)
	if err != nil {
		return err
	}
	defer snap.Free()

	if err := snap.Delete(0); err != nil {
		return errors.Join(err, fmt.Errorf("snapshot=%s", snapshot), errDeleteSnapshot)
	}
	return nil
}

func (l *Libvirt) SnapshotList(ctx context.Context, name string) ([]string, error) {
	dom, err := l.lookup(name)
	if err != nil {
		return nil, err
	}
	if dom == nil {
		return nil, errors.Join(fmt.Errorf("vmName=%s", name), types.ErrVMNotFound)
	}
	defer dom.Free()

	names, err := dom.SnapshotListNames(0)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errSnapshotDomain)
	}
	return names, nil
}

func (l *Libvirt) lookupSnapshot(
	name, snapshot string,
) (*libvirt.DomainSnapshot, error) {
	dom, err := l.lookup(name)
	if err != nil {
		return nil, err
	}
	if dom == nil {
		return nil, errors.Join(fmt.Errorf("vmName=%s", name), types.ErrVMNotFound)
	}
	defer dom.Free()

	snap, err := dom.SnapshotLookupByName(snapshot, 0)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("snapshot=%s", snapshot), types.ErrSnapshotNotFound,
		)
	}
	return snap, nil
}
