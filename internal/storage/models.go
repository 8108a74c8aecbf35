package storage

import "time"

// Target is one resolved execution target, immutable for a given execution.
type Target struct {
	HostID   string `json:"host_id,omitempty"` // empty for dynamic (variable-supplied) targets
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	OSFamily string `json:"os_family"`
	GroupID  string `json:"group_id,omitempty"` // weak back-reference, lookup only
}

// Actor identifies who triggered an execution, for audit display.
type Actor struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // "user" or "webhook"
}

// TaskRecord is the live (pending/running) execution row. Exactly one of a
// TaskRecord or a HistoryRecord exists for a given execution id.
type TaskRecord struct {
	ID           string            `json:"id"`
	Serial       int64             `json:"serial"`
	PlaybookID   string            `json:"playbook_id"`
	PlaybookName string            `json:"playbook_name"`
	Targets      []Target          `json:"targets"`
	Variables    map[string]string `json:"variables"`
	Status       string            `json:"status"`
	ExecutedBy   Actor             `json:"executed_by"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
}

// HistoryRecord is the immutable archived copy of a terminal execution.
type HistoryRecord struct {
	ID           string            `json:"id"`
	Serial       int64             `json:"serial"`
	PlaybookID   string            `json:"playbook_id"`
	PlaybookName string            `json:"playbook_name"`
	Targets      []Target          `json:"targets"`
	Variables    map[string]string `json:"variables"`
	Status       string            `json:"status"`
	ExecutedBy   Actor             `json:"executed_by"`
	Output       string            `json:"output"` // full retained output, not the live window
	ErrorOutput  string            `json:"error_output"`
	Results      map[string]string `json:"results"` // target name -> success|failed|unreachable
	Note         string            `json:"note,omitempty"`
	ExitCode     int               `json:"exit_code"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// ArtifactRecord is one captured register value, linked to its execution.
type ArtifactRecord struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Host        string    `json:"host"`
	TaskName    string    `json:"task_name"`
	Status      string    `json:"status"`
	Register    string    `json:"register"`
	Value       string    `json:"value"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryFilter selects history records; zero values mean "any".
type HistoryFilter struct {
	PlaybookID string
	Status     string
	Limit      int
	Offset     int
}
