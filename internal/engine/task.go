package engine

import (
	"strings"
	"sync"
	"time"

	"playbookd/internal/runner"
	"playbookd/internal/storage"
)

// Task statuses. pending -> running -> one terminal state, never reversed.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusPartial || status == StatusFailed
}

// Task is the live execution entity. Three actors mutate it concurrently:
// the runner's output pump, the termination request path, and the timeout
// watchdog. All mutation serializes through the task's own mutex, and the
// finalized flag guarantees exactly one of the racing finalizers wins.
type Task struct {
	mu sync.Mutex

	rec storage.TaskRecord

	live    *lineRing        // bounded most-recent window for live display
	full    strings.Builder  // complete retained output for the archive
	errOut  strings.Builder

	handle        runner.Handle
	termCh        chan struct{} // closed once on the first termination request
	termRequested bool

	finalized  bool
	note       string
	exitCode   int
	results    map[string]string
	finishedAt time.Time
}

func newTask(rec storage.TaskRecord, liveLines int) *Task {
	return &Task{
		rec:    rec,
		live:   newLineRing(liveLines),
		termCh: make(chan struct{}),
	}
}

func (t *Task) ID() string { return t.rec.ID }

// AppendOut records one stdout line. Writes after finalization are rejected
// as no-ops.
func (t *Task) AppendOut(line string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return false
	}
	t.live.push(line)
	t.full.WriteString(line)
	t.full.WriteByte('\n')
	return true
}

// AppendErr records one stderr line.
func (t *Task) AppendErr(line string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return false
	}
	t.errOut.WriteString(line)
	t.errOut.WriteByte('\n')
	return true
}

func (t *Task) setHandle(h runner.Handle) {
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
}

// markRunning transitions pending -> running and stamps started_at. Returns
// false if the task is already terminal (terminated before spawn completed).
func (t *Task) markRunning(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return false
	}
	t.rec.Status = StatusRunning
	t.rec.StartedAt = &now
	return true
}

// requestTerminate flags the task for termination and signals the running
// process if one exists. Safe to call any number of times; only the first
// call closes the channel.
func (t *Task) requestTerminate() {
	t.mu.Lock()
	already := t.termRequested
	t.termRequested = true
	h := t.handle
	t.mu.Unlock()

	if !already {
		close(t.termCh)
	}
	if h != nil {
		h.Terminate()
	}
}

func (t *Task) terminationRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.termRequested
}

// finalize performs the terminal transition. Exactly one caller wins; later
// callers get false and must not archive.
func (t *Task) finalize(status, note string, exitCode int, results map[string]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return false
	}
	t.finalized = true
	t.rec.Status = status
	t.note = note
	t.exitCode = exitCode
	t.results = results
	t.finishedAt = time.Now()
	return true
}

// Snapshot is the read view of a task, shared by the live path and history.
type Snapshot struct {
	storage.TaskRecord

	Output      []string          `json:"output"`
	ErrorOutput string            `json:"error_output,omitempty"`
	Results     map[string]string `json:"results,omitempty"`
	Note        string            `json:"note,omitempty"`
	ExitCode    int               `json:"exit_code"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Archived    bool              `json:"archived"`
}

// snapshot copies the task's current state. The live window only; the full
// output is read by the archiver via historyRecord.
func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		TaskRecord:  t.rec,
		Output:      t.live.lines(),
		ErrorOutput: t.errOut.String(),
		Note:        t.note,
		ExitCode:    t.exitCode,
	}
	s.Targets = append([]storage.Target(nil), t.rec.Targets...)
	if t.results != nil {
		s.Results = make(map[string]string, len(t.results))
		for k, v := range t.results {
			s.Results[k] = v
		}
	}
	if t.finalized {
		fin := t.finishedAt
		s.FinishedAt = &fin
	}
	return s
}

// record returns a copy of the persistent row for store updates.
func (t *Task) record() storage.TaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.rec
	rec.Targets = append([]storage.Target(nil), t.rec.Targets...)
	return rec
}

// historyRecord builds the immutable archive row. Valid only after finalize.
func (t *Task) historyRecord() storage.HistoryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return storage.HistoryRecord{
		ID:           t.rec.ID,
		Serial:       t.rec.Serial,
		PlaybookID:   t.rec.PlaybookID,
		PlaybookName: t.rec.PlaybookName,
		Targets:      append([]storage.Target(nil), t.rec.Targets...),
		Variables:    t.rec.Variables,
		Status:       t.rec.Status,
		ExecutedBy:   t.rec.ExecutedBy,
		Output:       t.full.String(),
		ErrorOutput:  t.errOut.String(),
		Results:      t.results,
		Note:         t.note,
		ExitCode:     t.exitCode,
		CreatedAt:    t.rec.CreatedAt,
		StartedAt:    t.rec.StartedAt,
		FinishedAt:   t.finishedAt,
	}
}

// lineRing is a fixed-capacity most-recent-lines window.
type lineRing struct {
	buf   []string
	head  int // index of the oldest line
	count int
}

func newLineRing(capacity int) *lineRing {
	if capacity < 1 {
		capacity = 1000
	}
	return &lineRing{buf: make([]string, capacity)}
}

func (r *lineRing) push(line string) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = line
		r.count++
		return
	}
	r.buf[r.head] = line
	r.head = (r.head + 1) % len(r.buf)
}

func (r *lineRing) lines() []string {
	out := make([]string, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
