package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"playbookd/internal/catalog"
	"playbookd/internal/storage"
)

// TargetSpec names the hosts an execution should act on. The three forms may
// be combined; resolution flattens them into one deduplicated ordered list.
type TargetSpec struct {
	// Hosts are explicit host ids looked up in the inventory catalog.
	Hosts []string `json:"hosts,omitempty"`
	// Groups are group ids; membership is flattened. A host appearing in
	// several groups resolves once.
	Groups []string `json:"groups,omitempty"`
	// FromVariable names a variable whose value is a comma- or
	// whitespace-separated list of addresses supplied at submit time. Such
	// targets carry no catalog identity and default to SSH on port 22.
	FromVariable string `json:"from_variable,omitempty"`
}

func (s TargetSpec) empty() bool {
	return len(s.Hosts) == 0 && len(s.Groups) == 0 && s.FromVariable == ""
}

// Resolver expands a TargetSpec against the inventory catalog.
type Resolver struct {
	cat catalog.Store
}

func NewResolver(cat catalog.Store) *Resolver {
	return &Resolver{cat: cat}
}

// Resolve returns the deduplicated ordered target list for a spec. It fails
// with ErrUnknownReference when any referenced id does not exist and with
// ErrEmptyTargetSet when the spec resolves to nothing; both are checked
// before any process is spawned.
func (r *Resolver) Resolve(ctx context.Context, spec TargetSpec, variables map[string]string) ([]storage.Target, error) {
	if spec.empty() {
		return nil, ErrEmptyTargetSet
	}

	var (
		targets []storage.Target
		seen    = make(map[string]struct{})
	)
	add := func(t storage.Target) {
		key := t.HostID
		if key == "" {
			key = t.Address
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		targets = append(targets, t)
	}

	for _, id := range spec.Hosts {
		host, err := r.cat.Host(ctx, id)
		if err != nil {
			return nil, wrapLookup("host", id, err)
		}
		add(hostTarget(host, ""))
	}

	for _, id := range spec.Groups {
		group, err := r.cat.Group(ctx, id)
		if err != nil {
			return nil, wrapLookup("group", id, err)
		}
		for _, hostID := range group.HostIDs {
			host, err := r.cat.Host(ctx, hostID)
			if err != nil {
				return nil, wrapLookup("host", hostID, err)
			}
			add(hostTarget(host, group.ID))
		}
	}

	if spec.FromVariable != "" {
		raw, ok := variables[spec.FromVariable]
		if !ok {
			return nil, fmt.Errorf("%w: variable %q not supplied", ErrUnknownReference, spec.FromVariable)
		}
		for _, addr := range splitAddresses(raw) {
			add(storage.Target{
				Name:     addr,
				Address:  addr,
				Port:     22,
				OSFamily: catalog.OSPosix,
			})
		}
	}

	if len(targets) == 0 {
		return nil, ErrEmptyTargetSet
	}
	return targets, nil
}

func hostTarget(h catalog.Host, groupID string) storage.Target {
	return storage.Target{
		HostID:   h.ID,
		Name:     h.Name,
		Address:  h.Address,
		Port:     h.Port,
		OSFamily: h.OSFamily,
		GroupID:  groupID,
	}
}

func wrapLookup(kind, id string, err error) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %s %q", ErrUnknownReference, kind, id)
	}
	return fmt.Errorf("looking up %s %q: %w", kind, id, err)
}

func splitAddresses(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// validateVariables rejects variable maps the runner cannot consume: empty
// names, or names containing whitespace or '='.
func validateVariables(vars map[string]string) error {
	for k := range vars {
		if k == "" {
			return fmt.Errorf("%w: empty variable name", ErrInvalidVariables)
		}
		if strings.ContainsAny(k, " \t\n=") {
			return fmt.Errorf("%w: variable name %q", ErrInvalidVariables, k)
		}
	}
	return nil
}

// mergeVariables layers caller-supplied values over the playbook's declared
// defaults; overrides win on key collision.
func mergeVariables(defaults, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
