package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Memory is an in-memory catalog, seedable from a YAML file. Used for
// single-node deployments and tests; production setups back the catalog with
// the SQL store instead.
type Memory struct {
	mu          sync.RWMutex
	hosts       map[string]Host
	groups      map[string]Group
	playbooks   map[string]Playbook
	credentials map[string]Credential
}

func NewMemory() *Memory {
	return &Memory{
		hosts:       make(map[string]Host),
		groups:      make(map[string]Group),
		playbooks:   make(map[string]Playbook),
		credentials: make(map[string]Credential),
	}
}

type seedFile struct {
	Hosts       []Host                `yaml:"hosts"`
	Groups      []Group               `yaml:"groups"`
	Playbooks   []Playbook            `yaml:"playbooks"`
	Credentials map[string]Credential `yaml:"credentials"`
}

// LoadFile reads a YAML catalog seed file into a Memory catalog.
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}

	m := NewMemory()
	for _, h := range seed.Hosts {
		m.AddHost(h)
	}
	for _, g := range seed.Groups {
		m.AddGroup(g)
	}
	for _, p := range seed.Playbooks {
		m.AddPlaybook(p)
	}
	for id, c := range seed.Credentials {
		m.AddCredential(id, c)
	}
	return m, nil
}

func (m *Memory) AddHost(h Host) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.Port == 0 {
		if h.OSFamily == OSWindows {
			h.Port = 5985
		} else {
			h.Port = 22
		}
	}
	if h.OSFamily == "" {
		h.OSFamily = OSPosix
	}
	m.hosts[h.ID] = h
}

func (m *Memory) AddGroup(g Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
}

func (m *Memory) AddPlaybook(p Playbook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playbooks[p.ID] = p
}

func (m *Memory) AddCredential(id string, c Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[id] = c
}

func (m *Memory) Host(_ context.Context, id string) (Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[id]
	if !ok {
		return Host{}, fmt.Errorf("host %q: %w", id, ErrNotFound)
	}
	return h, nil
}

func (m *Memory) Group(_ context.Context, id string) (Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, fmt.Errorf("group %q: %w", id, ErrNotFound)
	}
	return g, nil
}

func (m *Memory) Playbook(_ context.Context, id string) (Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.playbooks[id]
	if !ok {
		return Playbook{}, fmt.Errorf("playbook %q: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) Credential(_ context.Context, id string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[id]
	if !ok {
		return Credential{}, fmt.Errorf("credential %q: %w", id, ErrNotFound)
	}
	return c, nil
}

var _ Store = (*Memory)(nil)
