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

// serviceHint describes a well-known service detectable on the host and the
// guest-side packages/services that reproduce it.
type serviceHint struct {
	Name     string
	Packages []string
	Services []string
}

// processCatalog maps host process names to service hints.
var processCatalog = map[string]serviceHint{
	"dockerd": {
		Name:     "docker",
		Packages: []string{"docker.io", "docker-compose"},
		Services: []string{"docker"},
	},
	"postgres": {
		Name:     "postgresql",
		Packages: []string{"postgresql"},
		Services: []string{"postgresql"},
	},
	"redis-server": {
		Name:     "redis",
		Packages: []string{"redis-server"},
		Services: []string{"redis-server"},
	},
	"mysqld": {
		Name:     "mysql",
		Packages: []string{"mysql-server"},
		Services: []string{"mysql"},
	},
	"nginx": {
		Name:     "nginx",
		Packages: []string{"nginx"},
		Services: []string{"nginx"},
	},
	"sshd": {
		Name:     "ssh",
		Packages: []string{"openssh-server"},
		Services: []string{"ssh"},
	},
}

// applicationCatalog maps host process names of interactive user tools to
// the guest packages that reproduce them. Applications carry packages only;
// there is no systemd unit to enable.
var applicationCatalog = map[string]serviceHint{
	"code": {
		Name:     "vscode",
		Packages: []string{"code"},
	},
	"nvim": {
		Name:     "neovim",
		Packages: []string{"neovim"},
	},
	"emacs": {
		Name:     "emacs",
		Packages: []string{"emacs"},
	},
	"tmux": {
		Name:     "tmux",
		Packages: []string{"tmux"},
	},
	"java": {
		Name:     "java",
		Packages: []string{"default-jre"},
	},
}

// portCatalog maps well-known listening ports to service hints. Socket
// evidence is weaker than process evidence: a port can be bound by anything.
var portCatalog = map[int]serviceHint{
	2375: {Name: "docker", Packages: []string{"docker.io"}, Services: []string{"docker"}},
	5432: {Name: "postgresql", Packages: []string{"postgresql"}, Services: []string{"postgresql"}},
	6379: {Name: "redis", Packages: []string{"redis-server"}, Services: []string{"redis-server"}},
	3306: {Name: "mysql", Packages: []string{"mysql-server"}, Services: []string{"mysql"}},
	80:   {Name: "nginx", Packages: []string{"nginx"}, Services: []string{"nginx"}},
	443:  {Name: "nginx", Packages: []string{"nginx"}, Services: []string{"nginx"}},
	22:   {Name: "ssh", Packages: []string{"openssh-server"}, Services: []string{"ssh"}},
}

// markerCatalog maps filesystem markers to service hints. A marker survives
// reboots, so it is stronger evidence than a socket but weaker than a live
// process.
var markerCatalog = map[string]serviceHint{
	"var/run/docker.sock": {
		Name:     "docker",
		Packages: []string{"docker.io", "docker-compose"},
		Services: []string{"docker"},
	},
	"etc/postgresql": {
		Name:     "postgresql",
		Packages: []string{"postgresql"},
		Services: []string{"postgresql"},
	},
	"etc/redis": {
		Name:     "redis",
		Packages: []string{"redis-server"},
		Services: []string{"redis-server"},
	},
	"etc/nginx": {
		Name:     "nginx",
		Packages: []string{"nginx"},
		Services: []string{"nginx"},
	},
}

// projectMarkers are files whose presence marks a directory as a project
// worth mounting into the clone.
var projectMarkers = []string{
	".git",
	"go.mod",
	"package.json",
	"pyproject.toml",
	"requirements.txt",
	"Cargo.toml",
	"docker-compose.yml",
}
