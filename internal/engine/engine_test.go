package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"playbookd/internal/catalog"
	"playbookd/internal/monitor"
	"playbookd/internal/runner"
	"playbookd/internal/storage"
	"playbookd/internal/stream"
)

// fakeHandle is a controllable runner process.
type fakeHandle struct {
	done     chan struct{}
	termCh   chan struct{}
	termOnce sync.Once

	mu   sync.Mutex
	exit int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{}), termCh: make(chan struct{})}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

func (h *fakeHandle) Terminate() {
	h.termOnce.Do(func() { close(h.termCh) })
}

func (h *fakeHandle) finish(exit int) {
	h.mu.Lock()
	h.exit = exit
	h.mu.Unlock()
	close(h.done)
}

// fakeBackend runs a scripted scenario instead of a real process.
type fakeBackend struct {
	mu       sync.Mutex
	started  []runner.Job
	spawnErr error
	script   func(h *fakeHandle, sink runner.Sink)
}

func (b *fakeBackend) Start(_ context.Context, job runner.Job, sink runner.Sink) (runner.Handle, error) {
	b.mu.Lock()
	b.started = append(b.started, job)
	b.mu.Unlock()
	if b.spawnErr != nil {
		return nil, b.spawnErr
	}
	h := newFakeHandle()
	go b.script(h, sink)
	return h, nil
}

func (b *fakeBackend) Healthy(context.Context) bool { return true }
func (b *fakeBackend) Close() error                 { return nil }

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.started)
}

func testCatalog() *catalog.Memory {
	cat := catalog.NewMemory()
	cat.AddHost(catalog.Host{ID: "h1", Name: "web1", Address: "10.0.0.1"})
	cat.AddHost(catalog.Host{ID: "h2", Name: "web2", Address: "10.0.0.2"})
	cat.AddHost(catalog.Host{ID: "h3", Name: "db1", Address: "10.0.0.3"})
	cat.AddGroup(catalog.Group{ID: "g1", Name: "web", HostIDs: []string{"h1", "h2"}})
	cat.AddPlaybook(catalog.Playbook{
		ID:               "pb1",
		Name:             "deploy",
		Path:             "/playbooks/deploy.yml",
		VariableDefaults: map[string]string{"release": "stable"},
	})
	cat.AddCredential("cred1", catalog.Credential{Username: "deploy", Secret: "s3cret"})
	return cat
}

func newTestEngine(t *testing.T, backend runner.Backend) (*Engine, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	e := New(store, testCatalog(), backend, monitor.NewMetrics(), Options{
		MaxConcurrent:  4,
		DefaultTimeout: 30 * time.Second,
		TopicLinger:    50 * time.Millisecond,
	})
	t.Cleanup(func() { e.Close(2 * time.Second) })
	return e, store
}

func waitTerminal(t *testing.T, e *Engine, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := e.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if IsTerminal(snap.Status) && snap.Archived {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached an archived terminal state", id)
	return Snapshot{}
}

func submitReq(targets TargetSpec) SubmitRequest {
	return SubmitRequest{
		PlaybookID: "pb1",
		Targets:    targets,
		Variables:  map[string]string{"release": "v2"},
		Actor:      storage.Actor{Name: "alice", Kind: "user"},
	}
}

func TestAllTargetsSucceedWithoutRecap(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, sink runner.Sink) {
		sink.Stdout("ok: [web1]")
		sink.Stdout("ok: [web2]")
		sink.Stdout("ok: [db1]")
		h.finish(0)
	}}
	e, _ := newTestEngine(t, backend)

	id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1", "h2", "h3"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, e, id)
	if snap.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", snap.Status)
	}
	for host, oc := range snap.Results {
		if oc != "success" {
			t.Errorf("result[%s] = %q, want success", host, oc)
		}
	}
	if len(snap.Results) != 3 {
		t.Errorf("got %d results, want 3", len(snap.Results))
	}
}

func TestMixedOutcomeIsPartial(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, sink runner.Sink) {
		sink.Stdout("ok: [web1]")
		sink.Stdout(`fatal: [web2]: FAILED! => {"msg": "boom"}`)
		h.finish(2)
	}}
	e, _ := newTestEngine(t, backend)

	id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1", "h2"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, e, id)
	if snap.Status != StatusPartial {
		t.Errorf("status = %q, want partial", snap.Status)
	}
	if snap.Results["web1"] != "success" || snap.Results["web2"] != "failed" {
		t.Errorf("results = %v", snap.Results)
	}
}

func TestRecapOverridesPerTargetLines(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, sink runner.Sink) {
		sink.Stdout("ok: [web1]")
		sink.Stdout("ok: [web2]")
		sink.Stdout("ok: [db1]")
		sink.Stdout("PLAY RECAP *********************************************************")
		sink.Stdout("web1 : ok=3 changed=1 unreachable=0 failed=0 skipped=0 rescued=0 ignored=0")
		sink.Stdout("web2 : ok=2 changed=0 unreachable=0 failed=0 skipped=0 rescued=0 ignored=0")
		sink.Stdout("db1  : ok=1 changed=0 unreachable=0 failed=1 skipped=0 rescued=0 ignored=0")
		h.finish(2)
	}}
	e, _ := newTestEngine(t, backend)

	id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1", "h2", "h3"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, e, id)
	if snap.Status != StatusPartial {
		t.Errorf("status = %q, want partial (recap is authoritative)", snap.Status)
	}
	if snap.Results["db1"] != "failed" {
		t.Errorf("results = %v, want db1 failed per recap", snap.Results)
	}
}

func TestNoSignalFallsBackToExitCode(t *testing.T) {
	tests := []struct {
		name       string
		exit       int
		wantStatus string
	}{
		{"clean exit means success", 0, StatusCompleted},
		{"non-zero exit means failure", 4, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{script: func(h *fakeHandle, sink runner.Sink) {
				sink.Stdout("some unstructured noise")
				h.finish(tt.exit)
			}}
			e, _ := newTestEngine(t, backend)

			id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1"}}))
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			snap := waitTerminal(t, e, id)
			if snap.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", snap.Status, tt.wantStatus)
			}
			if len(snap.Results) != 1 {
				t.Errorf("results = %v, want one entry per target", snap.Results)
			}
		})
	}
}

func TestTerminateWhileRunning(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, sink runner.Sink) {
		<-h.termCh // hang until killed
		h.finish(-1)
	}}
	e, _ := newTestEngine(t, backend)

	id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1", "h2"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait until the runner actually started before terminating.
	deadline := time.Now().Add(2 * time.Second)
	for backend.startCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	if err := e.Terminate(context.Background(), id); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	snap := waitTerminal(t, e, id)
	if snap.Status != StatusFailed {
		t.Errorf("status = %q, want failed", snap.Status)
	}
	if snap.Note == "" {
		t.Error("terminated task must carry a distinguishing note")
	}

	// Idempotence: a second terminate on the now-archived task is a no-op.
	if err := e.Terminate(context.Background(), id); err != nil {
		t.Errorf("second Terminate: %v", err)
	}
	again := waitTerminal(t, e, id)
	if again.Status != snap.Status {
		t.Errorf("status changed after repeat terminate: %q -> %q", snap.Status, again.Status)
	}
}

func TestSpawnFailureFinalizesFailed(t *testing.T) {
	backend := &fakeBackend{spawnErr: fmt.Errorf("%w: exec: no such file", runner.ErrSpawn)}
	e, _ := newTestEngine(t, backend)

	id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, e, id)
	if snap.Status != StatusFailed {
		t.Errorf("status = %q, want failed", snap.Status)
	}
	if snap.ErrorOutput == "" {
		t.Error("spawn error must be captured in error_output")
	}
}

func TestSubmitValidationCreatesNoTask(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, _ runner.Sink) { h.finish(0) }}
	e, store := newTestEngine(t, backend)

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{"empty target set", submitReq(TargetSpec{}), ErrEmptyTargetSet},
		{"unknown host", submitReq(TargetSpec{Hosts: []string{"nope"}}), ErrUnknownReference},
		{"unknown group", submitReq(TargetSpec{Groups: []string{"nope"}}), ErrUnknownReference},
		{
			"unknown playbook",
			SubmitRequest{PlaybookID: "nope", Targets: TargetSpec{Hosts: []string{"h1"}}},
			ErrUnknownReference,
		},
		{
			"unknown credential",
			SubmitRequest{PlaybookID: "pb1", Targets: TargetSpec{Hosts: []string{"h1"}}, CredentialID: "nope"},
			ErrUnknownReference,
		},
		{
			"invalid variable name",
			SubmitRequest{PlaybookID: "pb1", Targets: TargetSpec{Hosts: []string{"h1"}}, Variables: map[string]string{"a b": "x"}},
			ErrInvalidVariables,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Submit(context.Background(), tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	live, _ := store.ListTasks(context.Background())
	if len(live) != 0 {
		t.Errorf("rejected submits left task records: %v", live)
	}
	hist, _ := store.ListHistory(context.Background(), storage.HistoryFilter{})
	if len(hist) != 0 {
		t.Errorf("rejected submits left history records: %v", hist)
	}
	if backend.startCount() != 0 {
		t.Error("rejected submits spawned a runner")
	}
}

func TestSubscriberReceivesLinesInOrder(t *testing.T) {
	const n = 40
	gate := make(chan struct{})
	backend := &fakeBackend{script: func(h *fakeHandle, sink runner.Sink) {
		<-gate
		for i := 0; i < n; i++ {
			sink.Stdout(fmt.Sprintf("ok: [web1] line-%d", i))
		}
		h.finish(0)
	}}
	e, _ := newTestEngine(t, backend)

	id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ch, cancel, err := e.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	close(gate)

	var got []string
	for ev := range ch {
		if ev.Type == stream.EventLine {
			got = append(got, ev.Line)
		}
		if ev.Type == stream.EventStatus && IsTerminal(ev.Status) {
			break
		}
	}
	if len(got) != n {
		t.Fatalf("received %d lines, want %d", len(got), n)
	}
	for i, line := range got {
		want := fmt.Sprintf("ok: [web1] line-%d", i)
		if line != want {
			t.Errorf("line %d = %q, want %q", i, line, want)
		}
	}
}

func TestSubscribeUnknownTask(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, _ runner.Sink) { h.finish(0) }}
	e, _ := newTestEngine(t, backend)

	if _, _, err := e.Subscribe("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Subscribe err = %v, want ErrTaskNotFound", err)
	}
}

func TestRerunCopiesPlaybookAndTargets(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, sink runner.Sink) {
		sink.Stdout("ok: [web1]")
		sink.Stdout("ok: [web2]")
		h.finish(0)
	}}
	e, _ := newTestEngine(t, backend)

	orig, err := e.Submit(context.Background(), submitReq(TargetSpec{Groups: []string{"g1"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	first := waitTerminal(t, e, orig)

	rerun, err := e.Rerun(context.Background(), orig, "", storage.Actor{Name: "bob", Kind: "user"})
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if rerun == orig {
		t.Fatal("rerun must produce a new task id")
	}

	second := waitTerminal(t, e, rerun)
	if second.PlaybookID != first.PlaybookID {
		t.Errorf("playbook = %q, want %q", second.PlaybookID, first.PlaybookID)
	}
	if len(second.Targets) != len(first.Targets) {
		t.Fatalf("target count = %d, want %d", len(second.Targets), len(first.Targets))
	}
	for i := range first.Targets {
		if second.Targets[i] != first.Targets[i] {
			t.Errorf("target %d = %+v, want %+v", i, second.Targets[i], first.Targets[i])
		}
	}
	if second.Serial <= first.Serial {
		t.Errorf("rerun serial %d not after original %d", second.Serial, first.Serial)
	}
}

func TestArtifactsExtractedAndArchived(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, sink runner.Sink) {
		sink.Stdout("ok: [web1]")
		sink.Stdout(`REGISTER-BLOCK-BEGIN host=web1 task="Check service" status=ok register=svc_state`)
		sink.Stdout(`{"active": true}`)
		sink.Stdout("REGISTER-BLOCK-END")
		h.finish(0)
	}}
	e, _ := newTestEngine(t, backend)

	id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, e, id)

	arts, err := e.ListArtifacts(context.Background(), id)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(arts) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(arts))
	}
	a := arts[0]
	if a.Host != "web1" || a.TaskName != "Check service" || a.Register != "svc_state" {
		t.Errorf("artifact = %+v", a)
	}
	if a.Value != `{"active": true}` {
		t.Errorf("artifact value = %q", a.Value)
	}
}

func TestTimeoutFinalizesFailed(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, _ runner.Sink) {
		<-h.termCh
		h.finish(-1)
	}}
	store := storage.NewMemory()
	e := New(store, testCatalog(), backend, monitor.NewMetrics(), Options{
		DefaultTimeout: 50 * time.Millisecond,
		TopicLinger:    10 * time.Millisecond,
	})
	t.Cleanup(func() { e.Close(2 * time.Second) })

	id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, e, id)
	if snap.Status != StatusFailed {
		t.Errorf("status = %q, want failed", snap.Status)
	}
	if snap.Note == "" {
		t.Error("timed-out task must carry a distinguishing note")
	}
}

func TestGetFallsBackToHistory(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, sink runner.Sink) {
		sink.Stdout("ok: [web1]")
		h.finish(0)
	}}
	e, store := newTestEngine(t, backend)

	id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap := waitTerminal(t, e, id)

	if !snap.Archived {
		t.Error("terminal snapshot should come from the archive")
	}
	if len(snap.Output) == 0 {
		t.Error("archived snapshot lost its output")
	}
	if _, err := store.GetTask(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("live task row survived archiving: %v", err)
	}

	hist, err := e.GetHistory(context.Background(), id)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if hist.Status != StatusCompleted {
		t.Errorf("history status = %q", hist.Status)
	}
}

func TestDeleteHistory(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, sink runner.Sink) {
		sink.Stdout("ok: [web1]")
		h.finish(0)
	}}
	e, _ := newTestEngine(t, backend)

	id, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1"}}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, e, id)

	if err := e.DeleteHistory(context.Background(), id); err != nil {
		t.Fatalf("DeleteHistory: %v", err)
	}
	if _, err := e.Get(context.Background(), id); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Get after delete err = %v, want ErrTaskNotFound", err)
	}
	if err := e.DeleteHistory(context.Background(), id); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second DeleteHistory err = %v, want ErrTaskNotFound", err)
	}
}

func TestRecoverOrphans(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, _ runner.Sink) { h.finish(0) }}
	store := storage.NewMemory()
	orphan := &storage.TaskRecord{
		ID:         "orphan1",
		PlaybookID: "pb1",
		Targets:    []storage.Target{{HostID: "h1", Name: "web1", Address: "10.0.0.1", Port: 22, OSFamily: "posix"}},
		Status:     StatusRunning,
		CreatedAt:  time.Now(),
	}
	if err := store.CreateTask(context.Background(), orphan); err != nil {
		t.Fatalf("seeding orphan: %v", err)
	}

	e := New(store, testCatalog(), backend, monitor.NewMetrics(), Options{})
	t.Cleanup(func() { e.Close(time.Second) })

	if err := e.RecoverOrphans(context.Background()); err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}

	hist, err := e.GetHistory(context.Background(), "orphan1")
	if err != nil {
		t.Fatalf("orphan not archived: %v", err)
	}
	if hist.Status != StatusFailed || hist.Note == "" {
		t.Errorf("orphan archived as %q note=%q, want failed with note", hist.Status, hist.Note)
	}
	if _, err := store.GetTask(context.Background(), "orphan1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("orphan live row survived recovery")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	backend := &fakeBackend{script: func(h *fakeHandle, _ runner.Sink) { h.finish(0) }}
	store := storage.NewMemory()
	e := New(store, testCatalog(), backend, monitor.NewMetrics(), Options{})
	e.Close(time.Second)

	if _, err := e.Submit(context.Background(), submitReq(TargetSpec{Hosts: []string{"h1"}})); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit after Close err = %v, want ErrShuttingDown", err)
	}
}
