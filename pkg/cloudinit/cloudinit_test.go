//go:build unit

package cloudinit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wronai/clonebox/pkg/cloudinit"
)

func TestUserDataRender(t *testing.T) {
	pwAuth := true
	ud := cloudinit.UserData{
		Hostname:      "clone-test",
		PackageUpdate: true,
		Packages:      []string{"docker.io", "docker-compose"},
		Users: []cloudinit.User{
			cloudinit.NewUserWithPassword("clone"),
		},
		Chpasswd: &cloudinit.Chpasswd{
			List:   []string{"clone:s3cret"},
			Expire: true,
		},
		SSHPwAuth: &pwAuth,
		Mounts: [][]string{
			{"cb-app", "/app", "virtiofs", "defaults,nofail", "0", "0"},
		},
		RunCommands: []string{"systemctl enable --now docker"},
	}

	out, err := ud.Render()
	require.NoError(t, err)

	assert.True(t, len(out) > len("#cloud-config\n"))
	assert.Contains(t, out, "#cloud-config\n")
	assert.Contains(t, out, "hostname: clone-test")
	assert.Contains(t, out, "docker.io")
	assert.Contains(t, out, "expire: true")
	assert.Contains(t, out, "ssh_pwauth: true")
	assert.Contains(t, out, "virtiofs")
}

func TestNewUserWithAuthorizedKeys(t *testing.T) {
	u := cloudinit.NewUserWithAuthorizedKeys("clone", []string{"ssh-ed25519 AAAA test"})
	assert.Equal(t, "clone", u.Name)
	assert.Equal(t, "/bin/bash", u.Shell)
	assert.Len(t, u.SSHAuthorizedKeys, 1)
	assert.Nil(t, u.LockPasswd)
}
