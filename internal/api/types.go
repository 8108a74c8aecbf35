package api

import (
	"time"

	"playbookd/internal/engine"
	"playbookd/internal/storage"
)

// SubmitRequest is the API-level request to launch a playbook execution.
type SubmitRequest struct {
	PlaybookID   string            `json:"playbook_id"`
	Targets      engine.TargetSpec `json:"targets"`
	CredentialID string            `json:"credential_id,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Timeout      Duration          `json:"timeout,omitempty"`
	Actor        ActorRef          `json:"actor,omitempty"`
}

// ActorRef identifies who triggered the execution. Kind defaults to "user";
// webhook ingestion sets "webhook".
type ActorRef struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

func (a ActorRef) storage() storage.Actor {
	kind := a.Kind
	if kind == "" {
		kind = "user"
	}
	name := a.Name
	if name == "" {
		name = "anonymous"
	}
	return storage.Actor{Name: name, Kind: kind}
}

// Duration wraps time.Duration for JSON marshaling as a string like "10m".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// SubmitResponse acknowledges an accepted execution. The run itself is
// asynchronous; poll the task or subscribe for progress.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// RerunRequest optionally supplies fresh credentials for a rerun.
type RerunRequest struct {
	CredentialID string   `json:"credential_id,omitempty"`
	Actor        ActorRef `json:"actor,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Store       bool   `json:"store"`
	Runner      bool   `json:"runner"`
	ActiveTasks int    `json:"active_tasks"`
	Uptime      string `json:"uptime"`
}
