package runner

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"playbookd/pkg/seccomp"
)

const containerPrefix = "playbook-run-"

// Containerd runs the automation runner inside a container, with the
// execution's scratch directory bind-mounted. Used where the portal host
// should not carry a runner installation of its own.
type Containerd struct {
	client *Client
	image  string
	limits Limits
	grace  time.Duration
}

func NewContainerd(ctx context.Context, client *Client, image string, limits Limits, grace time.Duration) (*Containerd, error) {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	c := &Containerd{client: client, image: image, limits: limits, grace: grace}

	if cleaned, err := c.cleanupOrphaned(ctx); err != nil {
		log.Warn().Err(err).Msg("orphaned runner cleanup failed")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned runner containers")
	}
	return c, nil
}

func (c *Containerd) Start(ctx context.Context, job Job, sink Sink) (Handle, error) {
	nsCtx := c.client.WithNamespace(ctx)

	image, err := c.client.PullImage(ctx, c.image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	playbookDir := filepath.Dir(job.PlaybookPath)
	playbookInContainer := "/playbooks/" + filepath.Base(job.PlaybookPath)
	id := containerPrefix + job.TaskID

	container, err := c.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(
				"ansible-playbook",
				"-i", "/runner/inventory.ini",
				"--extra-vars", "@/runner/extravars.json",
				playbookInContainer,
			),
			oci.WithHostname("runner"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				applyLimits(s, c.limits)
				s.Linux.Seccomp = seccomp.RunnerProfile()

				s.Mounts = append(s.Mounts,
					specs.Mount{
						Destination: "/runner",
						Type:        "bind",
						Source:      job.ScratchDir,
						Options:     []string{"rbind", "rw"},
					},
					specs.Mount{
						Destination: "/playbooks",
						Type:        "bind",
						Source:      playbookDir,
						Options:     []string{"rbind", "ro"},
					},
				)

				s.Process.Env = append(s.Process.Env,
					"ANSIBLE_FORCE_COLOR=0",
					"ANSIBLE_NOCOLOR=1",
					"ANSIBLE_HOST_KEY_CHECKING=False",
				)
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %v", ErrSpawn, err)
	}

	stdout := newLineWriter(sink.Stdout)
	stderr := newLineWriter(sink.Stderr)

	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		_ = c.cleanupContainer(context.Background(), container)
		return nil, fmt.Errorf("%w: creating task: %v", ErrSpawn, err)
	}

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		_ = c.cleanupContainer(context.Background(), container)
		return nil, fmt.Errorf("%w: task wait: %v", ErrSpawn, err)
	}

	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		_ = c.cleanupContainer(context.Background(), container)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	h := &ctrHandle{
		backend: c,
		task:    task,
		done:    make(chan struct{}),
		grace:   c.grace,
	}

	go func() {
		status := <-exitCh
		stdout.Flush()
		stderr.Flush()
		h.exitCode = int(status.ExitCode())

		cleanupCtx := c.client.WithNamespace(context.Background())
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", id).Msg("task delete failed")
		}
		if err := c.cleanupContainer(context.Background(), container); err != nil {
			log.Warn().Err(err).Str("container_id", id).Msg("container cleanup failed")
		}
		close(h.done)
	}()

	return h, nil
}

func (c *Containerd) Healthy(ctx context.Context) bool {
	return c.client.Healthy(ctx)
}

func (c *Containerd) Close() error {
	return c.client.Close()
}

func (c *Containerd) cleanupContainer(ctx context.Context, container containerd.Container) error {
	cleanupCtx, cancel := context.WithTimeout(c.client.WithNamespace(ctx), 30*time.Second)
	defer cancel()

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", container.ID(), err)
	}
	return nil
}

// cleanupOrphaned removes runner containers left over from a previous server
// crash.
func (c *Containerd) cleanupOrphaned(ctx context.Context) (int, error) {
	nsCtx := c.client.WithNamespace(ctx)

	list, err := c.client.Raw().Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, container := range list {
		if !strings.HasPrefix(container.ID(), containerPrefix) {
			continue
		}
		logger := log.With().Str("container_id", container.ID()).Logger()
		logger.Info().Msg("removing orphaned runner container")

		if task, err := container.Task(nsCtx, nil); err == nil {
			_ = task.Kill(nsCtx, syscall.SIGKILL)
			if _, err := task.Delete(nsCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
				logger.Warn().Err(err).Msg("orphan task delete failed")
			}
		}
		if err := c.cleanupContainer(ctx, container); err != nil {
			logger.Warn().Err(err).Msg("orphan container delete failed")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

type ctrHandle struct {
	backend  *Containerd
	task     containerd.Task
	done     chan struct{}
	exitCode int
	grace    time.Duration
	termOnce sync.Once
}

func (h *ctrHandle) Done() <-chan struct{} { return h.done }

func (h *ctrHandle) ExitCode() int { return h.exitCode }

func (h *ctrHandle) Terminate() {
	h.termOnce.Do(func() {
		ctx := h.backend.client.WithNamespace(context.Background())
		if err := h.task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Msg("SIGTERM to runner container failed")
		}

		go func() {
			select {
			case <-h.done:
			case <-time.After(h.grace):
				log.Warn().Msg("runner container ignored SIGTERM, killing")
				_ = h.task.Kill(ctx, syscall.SIGKILL)
			}
		}()
	})
}

// lineWriter adapts the containerd stream (an io.Writer) to the per-line
// sink contract, buffering partial lines across writes.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(data[:idx], "\r"))
		w.buf.Next(idx + 1)
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits any trailing partial line after the stream ends.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}
