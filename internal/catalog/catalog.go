// Package catalog exposes read-only lookups against the host/group/playbook
// inventory and the credential store. Both live outside the execution engine;
// the engine only resolves references through this interface during submit.
package catalog

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("catalog: not found")

// OS families determine the transport the runner uses for a host.
const (
	OSPosix   = "posix"
	OSWindows = "windows"
)

type Host struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	OSFamily string `yaml:"os_family"`
}

type Group struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	HostIDs []string `yaml:"host_ids"`
}

type Playbook struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	// VariableDefaults are the globally-assigned variables this playbook
	// declares a dependency on. Caller-supplied values override them.
	VariableDefaults map[string]string `yaml:"variable_defaults"`
}

// Credential is a resolved username + secret. It is held in memory only for
// the duration of one execution's inventory construction, never persisted.
type Credential struct {
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`
}

// Store is the read path the engine consumes. Implementations return
// ErrNotFound (possibly wrapped) for unknown ids.
type Store interface {
	Host(ctx context.Context, id string) (Host, error)
	Group(ctx context.Context, id string) (Group, error)
	Playbook(ctx context.Context, id string) (Playbook, error)
	Credential(ctx context.Context, id string) (Credential, error)
}
