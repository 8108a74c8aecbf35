// Package inventory renders the transient input artifacts the external runner
// consumes: an INI host list with per-host transport parameters and a JSON
// extra-vars payload. One scratch directory per execution, never reused, and
// removed on every exit path because the secret may be written into it.
package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// HostEntry is one resolved target as the builder needs it.
type HostEntry struct {
	Name     string
	Address  string
	Port     int
	OSFamily string // "posix" or "windows"
}

// Input is everything one execution's runner invocation needs.
type Input struct {
	Hosts     []HostEntry
	Username  string // empty means key/agent-based auth
	Secret    string
	Variables map[string]string
}

// Build is a written set of runner inputs. Cleanup must be called on every
// exit path; the inventory may contain a plaintext secret.
type Build struct {
	Dir           string
	InventoryPath string
	VarsPath      string
}

const groupName = "targets"

// Write materializes the runner inputs into a fresh 0700 scratch directory.
func Write(in Input) (*Build, error) {
	if len(in.Hosts) == 0 {
		return nil, fmt.Errorf("inventory: no hosts")
	}

	dir, err := os.MkdirTemp("", "playbookd-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("restricting scratch dir: %w", err)
	}

	b := &Build{
		Dir:           dir,
		InventoryPath: filepath.Join(dir, "inventory.ini"),
		VarsPath:      filepath.Join(dir, "extravars.json"),
	}

	if err := os.WriteFile(b.InventoryPath, []byte(renderInventory(in)), 0600); err != nil {
		b.Cleanup()
		return nil, fmt.Errorf("writing inventory: %w", err)
	}

	vars, err := json.Marshal(in.Variables)
	if err != nil {
		b.Cleanup()
		return nil, fmt.Errorf("encoding extra vars: %w", err)
	}
	if err := os.WriteFile(b.VarsPath, vars, 0600); err != nil {
		b.Cleanup()
		return nil, fmt.Errorf("writing extra vars: %w", err)
	}

	return b, nil
}

func renderInventory(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]\n", groupName)
	for _, h := range in.Hosts {
		fmt.Fprintf(&sb, "%s ansible_host=%s ansible_port=%d", h.Name, h.Address, h.Port)
		if h.OSFamily == "windows" {
			sb.WriteString(" ansible_connection=winrm ansible_winrm_server_cert_validation=ignore")
		}
		sb.WriteByte('\n')
	}

	if in.Username != "" {
		fmt.Fprintf(&sb, "\n[%s:vars]\n", groupName)
		fmt.Fprintf(&sb, "ansible_user=%s\n", in.Username)
		if in.Secret != "" {
			fmt.Fprintf(&sb, "ansible_password=%s\n", in.Secret)
		}
	}
	return sb.String()
}

// Cleanup removes the scratch directory and everything in it. Safe to call
// more than once.
func (b *Build) Cleanup() {
	if b == nil || b.Dir == "" {
		return
	}
	if err := os.RemoveAll(b.Dir); err != nil {
		log.Warn().Err(err).Str("dir", b.Dir).Msg("scratch dir cleanup failed")
	}
	b.Dir = ""
}
