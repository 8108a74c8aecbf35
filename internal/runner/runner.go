// Package runner launches the external automation runner for one execution
// and surfaces its output incrementally. Two backends exist: Local spawns the
// runner binary directly, Containerd runs the runner image under containerd.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrSpawn marks failures to launch the runner at all (binary missing,
// permission denied, containerd unreachable). Spawn failure is immediately
// fatal for the task.
var ErrSpawn = errors.New("runner: spawn failed")

// Job is everything one invocation needs. The inventory and vars files live
// in the execution's private scratch directory.
type Job struct {
	TaskID        string
	PlaybookPath  string
	InventoryPath string
	VarsPath      string
	ScratchDir    string
}

// Sink receives output lines as they are produced. Calls for a single job
// come from at most two goroutines: one for stdout, one for stderr. Lines on
// each stream arrive in production order.
type Sink interface {
	Stdout(line string)
	Stderr(line string)
}

// Handle is a started runner process.
type Handle interface {
	// Done is closed when the process has exited and all output has been
	// delivered to the sink.
	Done() <-chan struct{}
	// ExitCode is valid only after Done is closed. -1 means the process was
	// killed or its status could not be determined.
	ExitCode() int
	// Terminate requests a graceful stop, escalating to a forced kill after
	// the grace period. Idempotent and non-blocking.
	Terminate()
}

// Backend starts runner processes.
type Backend interface {
	Start(ctx context.Context, job Job, sink Sink) (Handle, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// Local invokes the runner binary as a direct child process.
type Local struct {
	Binary    string        // e.g. /usr/bin/ansible-playbook
	ExtraArgs []string      // appended before the playbook path
	Grace     time.Duration // SIGTERM -> SIGKILL escalation window
}

func NewLocal(binary string, grace time.Duration) *Local {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Local{Binary: binary, Grace: grace}
}

func (l *Local) Start(ctx context.Context, job Job, sink Sink) (Handle, error) {
	args := []string{"-i", job.InventoryPath, "--extra-vars", "@" + job.VarsPath}
	args = append(args, l.ExtraArgs...)
	args = append(args, job.PlaybookPath)

	cmd := exec.Command(l.Binary, args...) // #nosec G204 -- binary from config, paths engine-owned
	cmd.Env = append(os.Environ(), "ANSIBLE_FORCE_COLOR=0", "ANSIBLE_NOCOLOR=1")
	// Own process group so Terminate reaches the runner's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	log.Debug().
		Str("task_id", job.TaskID).
		Str("binary", l.Binary).
		Int("pid", cmd.Process.Pid).
		Msg("runner process started")

	h := &procHandle{
		cmd:   cmd,
		grace: l.Grace,
		done:  make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pumpLines(stdout, sink.Stdout, &pumps)
	go pumpLines(stderr, sink.Stderr, &pumps)

	go func() {
		pumps.Wait()
		err := cmd.Wait()
		h.exitCode = exitCodeFrom(err)
		close(h.done)
	}()

	return h, nil
}

func (l *Local) Healthy(_ context.Context) bool {
	_, err := exec.LookPath(l.Binary)
	return err == nil
}

func (l *Local) Close() error { return nil }

func pumpLines(r io.Reader, emit func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
}

func exitCodeFrom(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

type procHandle struct {
	cmd      *exec.Cmd
	grace    time.Duration
	done     chan struct{}
	exitCode int
	termOnce sync.Once
}

func (h *procHandle) Done() <-chan struct{} { return h.done }

func (h *procHandle) ExitCode() int { return h.exitCode }

func (h *procHandle) Terminate() {
	h.termOnce.Do(func() {
		pid := h.cmd.Process.Pid
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			_ = h.cmd.Process.Signal(syscall.SIGTERM)
		}

		go func() {
			select {
			case <-h.done:
			case <-time.After(h.grace):
				log.Warn().Int("pid", pid).Msg("runner ignored SIGTERM, killing")
				if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
					_ = h.cmd.Process.Kill()
				}
			}
		}()
	})
}
