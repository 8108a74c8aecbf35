package seccomp

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestRunnerProfile_AllowsByDefault(t *testing.T) {
	p := RunnerProfile()
	if p.DefaultAction != specs.ActAllow {
		t.Errorf("DefaultAction = %v, want ActAllow", p.DefaultAction)
	}
}

func TestRunnerProfile_BlocksHostTakeover(t *testing.T) {
	p := RunnerProfile()

	blocked := map[string]bool{
		"mount":       false,
		"init_module": false,
		"kexec_load":  false,
		"setns":       false,
		"reboot":      false,
	}
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActErrno {
			continue
		}
		for _, name := range rule.Names {
			if _, ok := blocked[name]; ok {
				blocked[name] = true
			}
		}
	}
	for name, found := range blocked {
		if !found {
			t.Errorf("runner profile does not block %q", name)
		}
	}
}

func TestRunnerProfile_TrapsIntrospection(t *testing.T) {
	p := RunnerProfile()
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActTrap {
			continue
		}
		for _, name := range rule.Names {
			if name == "ptrace" {
				return
			}
		}
	}
	t.Error("runner profile does not trap ptrace")
}

func TestRunnerProfile_DoesNotBlockNetwork(t *testing.T) {
	p := RunnerProfile()
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActAllow || rule.Action == specs.ActTrap {
			continue
		}
		for _, name := range rule.Names {
			if name == "socket" || name == "connect" {
				t.Errorf("runner profile must not block %q, ssh to targets needs it", name)
			}
		}
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder(specs.ActErrno).AllowSyscalls("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 {
		t.Errorf("got %d names, want 2", len(rule.Names))
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
