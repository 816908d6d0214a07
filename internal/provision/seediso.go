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

package provision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kdomanski/iso9660"
)

// seedVolumeLabel is the volume label the guest's first-boot mechanism
// scans removable media for.
const seedVolumeLabel = "cidata"

var errWriteSeed = errors.New("failed to write seed image")

// WriteArtifacts persists the bundle's boot artifacts under
// storeRoot/<vm>/ and builds the seed image attached to the guest as a
// CD-ROM. It returns the seed image path.
func (r *Renderer) WriteArtifacts(bundle Bundle) (string, error) {
	dir := filepath.Join(r.storeRoot, bundle.VM)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Join(err, errWriteSeed)
	}

	userDataPath := filepath.Join(dir, "user-data")
	if err := os.WriteFile(userDataPath, []byte(bundle.UserData), 0o600); err != nil {
		return "", errors.Join(err, errWriteSeed)
	}

	// The instance id is a name-derived UUID: stable across re-renders of
	// the same VM so cloud-init does not re-run first boot, distinct across
	// VMs.
	instanceID := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(bundle.VM+".clonebox.local"))
	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n",
		instanceID, bundle.Network.Hostname)
	metaDataPath := filepath.Join(dir, "meta-data")
	if err := os.WriteFile(metaDataPath, []byte(metaData), 0o600); err != nil {
		return "", errors.Join(err, errWriteSeed)
	}

	seedPath := filepath.Join(dir, "seed.iso")
	if err := writeSeedISO(seedPath, bundle.UserData, metaData); err != nil {
		return "", err
	}
	return seedPath, nil
}

func writeSeedISO(path, userData, metaData string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return errors.Join(err, errWriteSeed)
	}
	defer func() { _ = writer.Cleanup() }()

	if err := writer.AddFile(strings.NewReader(userData), "user-data"); err != nil {
		return errors.Join(err, errWriteSeed)
	}
	if err := writer.AddFile(strings.NewReader(metaData), "meta-data"); err != nil {
		return errors.Join(err, errWriteSeed)
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Join(err, errWriteSeed)
	}
	if err := writer.WriteTo(out, seedVolumeLabel); err != nil {
		_ = out.Close()
		return errors.Join(err, errWriteSeed)
	}
	return out.Close()
}
