// Package engine owns the execution pipeline: target resolution, inventory
// construction, runner lifecycle, output fan-out, terminal classification,
// and the handoff into durable history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"playbookd/internal/catalog"
	"playbookd/internal/inventory"
	"playbookd/internal/monitor"
	"playbookd/internal/parse"
	"playbookd/internal/runner"
	"playbookd/internal/storage"
	"playbookd/internal/stream"
)

// Options tune the engine. Zero values fall back to the defaults below.
type Options struct {
	MaxConcurrent    int           // simultaneous runner processes
	LiveBufferLines  int           // most-recent output window per task
	SubscriberBuffer int           // per-subscriber event channel depth
	DefaultTimeout   time.Duration // applied when a submit carries none
	MaxTimeout       time.Duration // hard cap on per-submit overrides
	TopicLinger      time.Duration // how long the topic survives terminal state
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 20
	}
	if o.LiveBufferLines < 1 {
		o.LiveBufferLines = 1000
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Minute
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = 2 * time.Hour
	}
	if o.TopicLinger <= 0 {
		o.TopicLinger = 5 * time.Second
	}
}

// SubmitRequest is one execution request, already authenticated upstream.
type SubmitRequest struct {
	PlaybookID   string            `json:"playbook_id"`
	Targets      TargetSpec        `json:"targets"`
	CredentialID string            `json:"credential_id,omitempty"` // empty means key/agent auth
	Variables    map[string]string `json:"variables,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	Actor        storage.Actor     `json:"actor"`
}

// Engine orchestrates playbook executions.
type Engine struct {
	store    storage.Store
	cat      catalog.Store
	backend  runner.Backend
	hub      *stream.Hub
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	resolver *Resolver
	archiver *Archiver
	opts     Options

	sem chan struct{}

	mu     sync.RWMutex
	live   map[string]*Task
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(store storage.Store, cat catalog.Store, backend runner.Backend, metrics *monitor.Metrics, opts Options) *Engine {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	hub := stream.NewHub(opts.SubscriberBuffer)
	if metrics != nil {
		hub.OnDrop(func(string) { metrics.DroppedEventsTotal.Inc() })
	}

	return &Engine{
		store:    store,
		cat:      cat,
		backend:  backend,
		hub:      hub,
		metrics:  metrics,
		tracer:   monitor.NewTracer(),
		resolver: NewResolver(cat),
		archiver: NewArchiver(store, metrics),
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
		live:     make(map[string]*Task),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Submit validates a request and launches the execution asynchronously. All
// validation happens here, synchronously; once a task id is returned, every
// later failure flows through the task's terminal state.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, span := e.tracer.StartSpan(ctx, "submit",
		monitor.AttrPlaybookID.String(req.PlaybookID),
	)
	defer span.End()

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return "", ErrShuttingDown
	}

	pb, err := e.cat.Playbook(ctx, req.PlaybookID)
	if err != nil {
		return "", wrapLookup("playbook", req.PlaybookID, err)
	}

	if err := validateVariables(req.Variables); err != nil {
		return "", err
	}
	merged := mergeVariables(pb.VariableDefaults, req.Variables)

	targets, err := e.resolver.Resolve(ctx, req.Targets, merged)
	if err != nil {
		return "", err
	}
	span.SetAttributes(monitor.AttrTargets.Int(len(targets)))

	cred, hasCred, err := e.resolveCredential(ctx, req.CredentialID)
	if err != nil {
		return "", err
	}

	rec := storage.TaskRecord{
		ID:           uuid.New().String(),
		PlaybookID:   pb.ID,
		PlaybookName: pb.Name,
		Targets:      targets,
		Variables:    merged,
		Status:       StatusPending,
		ExecutedBy:   req.Actor,
		CreatedAt:    time.Now(),
	}

	return e.launch(ctx, rec, pb, cred, hasCred, req.Timeout)
}

// Rerun derives a brand-new task from an archived execution: playbook
// reference and target list copied verbatim, fresh id and serial, entering
// pending exactly as a client-initiated submit would.
func (e *Engine) Rerun(ctx context.Context, historyID, credentialID string, actor storage.Actor) (string, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return "", ErrShuttingDown
	}

	hist, err := e.store.GetHistory(ctx, historyID)
	if err != nil {
		return "", mapStoreErr(err)
	}

	pb, err := e.cat.Playbook(ctx, hist.PlaybookID)
	if err != nil {
		return "", wrapLookup("playbook", hist.PlaybookID, err)
	}

	cred, hasCred, err := e.resolveCredential(ctx, credentialID)
	if err != nil {
		return "", err
	}

	rec := storage.TaskRecord{
		ID:           uuid.New().String(),
		PlaybookID:   hist.PlaybookID,
		PlaybookName: pb.Name,
		Targets:      append([]storage.Target(nil), hist.Targets...),
		Variables:    cloneVars(hist.Variables),
		Status:       StatusPending,
		ExecutedBy:   actor,
		CreatedAt:    time.Now(),
	}

	return e.launch(ctx, rec, pb, cred, hasCred, 0)
}

func (e *Engine) resolveCredential(ctx context.Context, id string) (catalog.Credential, bool, error) {
	if id == "" {
		return catalog.Credential{}, false, nil
	}
	cred, err := e.cat.Credential(ctx, id)
	if err != nil {
		return catalog.Credential{}, false, wrapLookup("credential", id, err)
	}
	return cred, true, nil
}

func (e *Engine) launch(ctx context.Context, rec storage.TaskRecord, pb catalog.Playbook, cred catalog.Credential, hasCred bool, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	if timeout > e.opts.MaxTimeout {
		timeout = e.opts.MaxTimeout
	}

	if err := e.store.CreateTask(ctx, &rec); err != nil {
		return "", &TaskError{TaskID: rec.ID, Op: "create_task", Err: err}
	}

	t := newTask(rec, e.opts.LiveBufferLines)
	e.mu.Lock()
	e.live[rec.ID] = t
	e.mu.Unlock()
	e.hub.Open(rec.ID)
	if e.metrics != nil {
		e.metrics.ActiveTasks.Inc()
	}

	log.Info().
		Str("task_id", rec.ID).
		Int64("serial", rec.Serial).
		Str("playbook", rec.PlaybookName).
		Int("targets", len(rec.Targets)).
		Str("actor", rec.ExecutedBy.Name).
		Msg("task submitted")

	e.wg.Add(1)
	go e.run(t, pb, cred, hasCred, timeout)

	return rec.ID, nil
}

// run drives one execution start to finish. It is the only goroutine that
// finalizes the task through the normal path; termination and timeout reach
// it via channels rather than finalizing directly.
func (e *Engine) run(t *Task, pb catalog.Playbook, cred catalog.Credential, hasCred bool, timeout time.Duration) {
	defer e.wg.Done()

	runCtx, span := e.tracer.StartSpan(e.baseCtx, "run",
		monitor.AttrTaskID.String(t.ID()),
		monitor.AttrPlaybookID.String(pb.ID),
	)
	defer span.End()

	rec := t.record()
	hosts := make([]inventory.HostEntry, len(rec.Targets))
	names := make([]string, len(rec.Targets))
	for i, tg := range rec.Targets {
		hosts[i] = inventory.HostEntry{Name: tg.Name, Address: tg.Address, Port: tg.Port, OSFamily: tg.OSFamily}
		names[i] = tg.Name
	}

	in := inventory.Input{Hosts: hosts, Variables: rec.Variables}
	if hasCred {
		in.Username = cred.Username
		in.Secret = cred.Secret
	}

	build, err := inventory.Write(in)
	if err != nil {
		t.AppendErr(err.Error())
		e.finish(t, StatusFailed, "inventory construction failed", -1, allOutcome(names, parse.OutcomeUnreachable), nil)
		return
	}
	defer build.Cleanup()

	parser := parse.NewParser(names)
	sink := &taskSink{engine: e, task: t, parser: parser}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-t.termCh:
		e.finish(t, StatusFailed, "terminated by operator request before start", -1, allOutcome(names, parse.OutcomeUnreachable), nil)
		return
	case <-e.baseCtx.Done():
		e.finish(t, StatusFailed, "engine shut down before start", -1, allOutcome(names, parse.OutcomeUnreachable), nil)
		return
	}

	job := runner.Job{
		TaskID:        t.ID(),
		PlaybookPath:  pb.Path,
		InventoryPath: build.InventoryPath,
		VarsPath:      build.VarsPath,
		ScratchDir:    build.Dir,
	}

	handle, err := e.backend.Start(runCtx, job, sink)
	if err != nil {
		t.AppendErr(err.Error())
		e.finish(t, StatusFailed, "runner spawn failed", -1, allOutcome(names, parse.OutcomeUnreachable), nil)
		return
	}

	t.setHandle(handle)
	if t.terminationRequested() {
		// Terminate raced the spawn; it saw no handle, so signal now.
		handle.Terminate()
	}

	now := time.Now()
	if t.markRunning(now) {
		running := t.record()
		if err := e.store.UpdateTask(runCtx, &running); err != nil {
			log.Warn().Err(err).Str("task_id", t.ID()).Msg("running-state persist failed")
		}
		e.hub.Publish(stream.Event{TaskID: t.ID(), Type: stream.EventStatus, Status: StatusRunning})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-handle.Done():
	case <-timer.C:
		timedOut = true
		log.Warn().Str("task_id", t.ID()).Dur("timeout", timeout).Msg("task timed out, killing runner")
		if e.metrics != nil {
			e.metrics.TerminationsTotal.WithLabelValues("timeout").Inc()
		}
		handle.Terminate()
		<-handle.Done()
	case <-t.termCh:
		// Terminate already signaled the process; wait for it to die.
		<-handle.Done()
	}

	exitCode := handle.ExitCode()
	span.SetAttributes(monitor.AttrExitCode.Int(exitCode))

	status, note, results := classify(t, parser, names, exitCode, timedOut, timeout)
	span.SetAttributes(monitor.AttrStatus.String(status))
	e.finish(t, status, note, exitCode, results, parser.Artifacts())
}

// classify derives the terminal status. Parsed per-target outcomes are
// authoritative over the exit code; the exit code decides only when the
// stream carried no recognizable signal at all.
func classify(t *Task, parser *parse.Parser, names []string, exitCode int, timedOut bool, timeout time.Duration) (string, string, map[string]string) {
	switch {
	case t.terminationRequested():
		return StatusFailed, "terminated by operator request", outcomeStrings(parser.Results())
	case timedOut:
		return StatusFailed, fmt.Sprintf("timed out after %s", timeout), outcomeStrings(parser.Results())
	}

	if !parser.SawSignal() {
		if exitCode == 0 {
			return StatusCompleted, "", allOutcome(names, parse.OutcomeSuccess)
		}
		return StatusFailed,
			fmt.Sprintf("runner produced no per-target signal, exit code %d", exitCode),
			allOutcome(names, parse.OutcomeUnreachable)
	}

	results := parser.Results()
	succeeded, failed := parse.Tally(results)
	switch {
	case failed == 0:
		return StatusCompleted, "", outcomeStrings(results)
	case succeeded == 0:
		return StatusFailed, "", outcomeStrings(results)
	default:
		return StatusPartial, "", outcomeStrings(results)
	}
}

// finish performs the terminal transition, archives, and publishes the final
// status event. Safe against double finalization; only the winner archives.
func (e *Engine) finish(t *Task, status, note string, exitCode int, results map[string]string, captured []parse.Artifact) {
	if !t.finalize(status, note, exitCode, results) {
		return
	}

	rec := t.record()
	duration := time.Since(rec.CreatedAt)
	if rec.StartedAt != nil {
		duration = time.Since(*rec.StartedAt)
	}

	var artifacts []storage.ArtifactRecord
	if len(captured) > 0 {
		now := time.Now()
		for _, a := range captured {
			artifacts = append(artifacts, storage.ArtifactRecord{
				ID:          uuid.New().String(),
				ExecutionID: t.ID(),
				Host:        a.Host,
				TaskName:    a.TaskName,
				Status:      a.Status,
				Register:    a.Register,
				Value:       a.Value,
				CreatedAt:   now,
			})
		}
	}

	archived := e.archiver.Archive(t.historyRecord(), artifacts)

	e.hub.Publish(stream.Event{TaskID: t.ID(), Type: stream.EventStatus, Status: status})
	e.hub.CloseAfter(t.ID(), e.opts.TopicLinger)

	if e.metrics != nil {
		e.metrics.ActiveTasks.Dec()
		e.metrics.RecordTask(status, duration.Seconds())
		if len(artifacts) > 0 {
			e.metrics.ArtifactsTotal.Add(float64(len(artifacts)))
		}
	}

	if archived {
		e.mu.Lock()
		delete(e.live, t.ID())
		e.mu.Unlock()
	}
	// An unarchived task stays in the live registry so Get keeps working and
	// an operator can inspect it; the store row also survives for recovery.

	log.Info().
		Str("task_id", t.ID()).
		Str("status", status).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Int("artifacts", len(artifacts)).
		Msg("task finished")
}

// Get returns the current view of an execution: the live task when one
// exists, otherwise the archived record. The read path is idempotent and
// safe to call at any time; poll and push read the same authoritative state.
func (e *Engine) Get(ctx context.Context, id string) (Snapshot, error) {
	e.mu.RLock()
	t, ok := e.live[id]
	e.mu.RUnlock()
	if ok {
		return t.snapshot(), nil
	}

	hist, err := e.store.GetHistory(ctx, id)
	if err == nil {
		return snapshotFromHistory(hist), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, &TaskError{TaskID: id, Op: "get_history", Err: err}
	}

	// A store row without a live entry means a previous process crashed
	// mid-run; surface it as-is.
	rec, err := e.store.GetTask(ctx, id)
	if err != nil {
		return Snapshot{}, mapStoreErr(err)
	}
	return Snapshot{TaskRecord: *rec}, nil
}

// List returns every pending or running task.
func (e *Engine) List(ctx context.Context) ([]storage.TaskRecord, error) {
	return e.store.ListTasks(ctx)
}

// Terminate requests a forced stop. Idempotent: repeating the call, or
// terminating an already-terminal task, is a safe no-op.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	e.mu.RLock()
	t, ok := e.live[id]
	e.mu.RUnlock()
	if ok {
		log.Info().Str("task_id", id).Msg("termination requested")
		if e.metrics != nil {
			e.metrics.TerminationsTotal.WithLabelValues("request").Inc()
		}
		t.requestTerminate()
		return nil
	}

	if _, err := e.store.GetHistory(ctx, id); err == nil {
		return nil // already terminal
	} else if !errors.Is(err, storage.ErrNotFound) {
		return &TaskError{TaskID: id, Op: "get_history", Err: err}
	}
	return ErrTaskNotFound
}

// Subscribe attaches a live observer to a task's output and status events.
// Events published before the subscription are not replayed.
func (e *Engine) Subscribe(id string) (<-chan stream.Event, func(), error) {
	ch, cancel, err := e.hub.Subscribe(id)
	if err != nil {
		return nil, nil, ErrTaskNotFound
	}
	if e.metrics != nil {
		e.metrics.LiveSubscribers.Inc()
		var once sync.Once
		inner := cancel
		cancel = func() {
			once.Do(func() { e.metrics.LiveSubscribers.Dec() })
			inner()
		}
	}
	return ch, cancel, nil
}

// ListHistory returns archived executions, newest first.
func (e *Engine) ListHistory(ctx context.Context, filter storage.HistoryFilter) ([]storage.HistoryRecord, error) {
	return e.store.ListHistory(ctx, filter)
}

// GetHistory returns one archived execution.
func (e *Engine) GetHistory(ctx context.Context, id string) (*storage.HistoryRecord, error) {
	rec, err := e.store.GetHistory(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return rec, nil
}

// DeleteHistory permanently removes an archived execution and its linked
// artifacts. Irreversible.
func (e *Engine) DeleteHistory(ctx context.Context, id string) error {
	if err := e.store.DeleteHistory(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	log.Info().Str("history_id", id).Msg("history record deleted")
	return nil
}

// ListArtifacts returns the register captures linked to an execution.
func (e *Engine) ListArtifacts(ctx context.Context, executionID string) ([]storage.ArtifactRecord, error) {
	return e.store.ListArtifacts(ctx, executionID)
}

// RecoverOrphans finalizes store task rows left behind by a previous process
// (crash mid-run). They cannot be signaled anymore, so they archive as
// failed with a distinguishing note.
func (e *Engine) RecoverOrphans(ctx context.Context) error {
	recs, err := e.store.ListTasks(ctx)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		e.mu.RLock()
		_, owned := e.live[rec.ID]
		e.mu.RUnlock()
		if owned {
			continue
		}

		names := make([]string, len(rec.Targets))
		for i, tg := range rec.Targets {
			names[i] = tg.Name
		}
		t := newTask(rec, e.opts.LiveBufferLines)
		if !t.finalize(StatusFailed, "interrupted by engine restart", -1, allOutcome(names, parse.OutcomeUnreachable)) {
			continue
		}
		e.archiver.Archive(t.historyRecord(), nil)
		log.Warn().
			Str("task_id", rec.ID).
			Str("prior_status", rec.Status).
			Msg("orphaned task archived as failed")
	}
	return nil
}

// ActiveCount returns the number of executions this process currently owns.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.live)
}

// Healthy reports whether the store and runner backend both respond.
func (e *Engine) Healthy(ctx context.Context) bool {
	return e.store.Healthy(ctx) && e.backend.Healthy(ctx)
}

// Close stops accepting work, terminates in-flight executions, and waits up
// to the given timeout for them to archive.
func (e *Engine) Close(timeout time.Duration) {
	e.mu.Lock()
	e.closed = true
	tasks := make([]*Task, 0, len(e.live))
	for _, t := range e.live {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	for _, t := range tasks {
		t.requestTerminate()
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("engine drained")
	case <-time.After(timeout):
		log.Warn().Msg("engine shutdown timed out with tasks still finalizing")
	}
}

// taskSink is the single consumer of a runner's line stream; it fans each
// line out to the live buffer, the broadcast hub, and the marker parser in
// that order, never blocking the producer.
type taskSink struct {
	engine *Engine
	task   *Task
	parser *parse.Parser
}

func (s *taskSink) Stdout(line string) {
	if !s.task.AppendOut(line) {
		return // task already terminal
	}
	s.parser.Feed(line)
	if s.engine.metrics != nil {
		s.engine.metrics.OutputLinesTotal.Inc()
	}
	s.engine.hub.Publish(stream.Event{TaskID: s.task.ID(), Type: stream.EventLine, Line: line})
}

func (s *taskSink) Stderr(line string) {
	if !s.task.AppendErr(line) {
		return
	}
	s.engine.hub.Publish(stream.Event{TaskID: s.task.ID(), Type: stream.EventStderr, Line: line})
}

func snapshotFromHistory(h *storage.HistoryRecord) Snapshot {
	s := Snapshot{
		TaskRecord: storage.TaskRecord{
			ID:           h.ID,
			Serial:       h.Serial,
			PlaybookID:   h.PlaybookID,
			PlaybookName: h.PlaybookName,
			Targets:      h.Targets,
			Variables:    h.Variables,
			Status:       h.Status,
			ExecutedBy:   h.ExecutedBy,
			CreatedAt:    h.CreatedAt,
			StartedAt:    h.StartedAt,
		},
		ErrorOutput: h.ErrorOutput,
		Results:     h.Results,
		Note:        h.Note,
		ExitCode:    h.ExitCode,
		Archived:    true,
	}
	fin := h.FinishedAt
	s.FinishedAt = &fin
	if h.Output != "" {
		s.Output = strings.Split(strings.TrimRight(h.Output, "\n"), "\n")
	}
	return s
}

func allOutcome(names []string, oc parse.Outcome) map[string]string {
	out := make(map[string]string, len(names))
	for _, n := range names {
		out[n] = string(oc)
	}
	return out
}

func outcomeStrings(in map[string]parse.Outcome) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = string(v)
	}
	return out
}

func cloneVars(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mapStoreErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrTaskNotFound
	}
	return err
}
