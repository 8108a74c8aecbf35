// Package parse interprets the runner's line-oriented output. Everything the
// engine infers from free text lives here, behind a narrow interface, so the
// marker-format coupling stays out of process-lifecycle code.
package parse

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Outcome is the final classification of one target after a run.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeUnreachable Outcome = "unreachable"
)

// Artifact is one captured register block: a structured value a playbook task
// registered for a host. The payload is an opaque blob to the engine.
type Artifact struct {
	Host     string
	TaskName string
	Status   string // ok, changed, failed, fatal, unreachable, skipped
	Register string
	Value    string
}

// Per-task status lines as the runner prints them, e.g.
//
//	ok: [web1]
//	changed: [web1]
//	fatal: [db1]: FAILED! => {"msg": "..."}
//	fatal: [db2]: UNREACHABLE! => {"msg": "..."}
//	failed: [db1] (item=pkg)
//	skipping: [web2]
var statusLineRe = regexp.MustCompile(`^\s*(ok|changed|failed|fatal|unreachable|skipping):\s+\[([^\]\s]+)\]`)

// Recap rows inside the terminal summary block:
//
//	web1 : ok=3 changed=1 unreachable=0 failed=0 skipped=0 rescued=0 ignored=0
var recapRowRe = regexp.MustCompile(`^\s*(\S+)\s*:\s*ok=(\d+)\s+changed=(\d+)\s+unreachable=(\d+)\s+failed=(\d+)`)

const recapHeader = "PLAY RECAP"

// Register blocks are emitted by the portal's callback plugin:
//
//	REGISTER-BLOCK-BEGIN host=web1 task="Install nginx" status=changed register=pkg_out
//	{...payload, any number of lines...}
//	REGISTER-BLOCK-END
const (
	registerBegin = "REGISTER-BLOCK-BEGIN"
	registerEnd   = "REGISTER-BLOCK-END"
)

var registerAttrRe = regexp.MustCompile(`(\w+)=("([^"]*)"|\S+)`)

// Parser scans the output stream incrementally. Feed is called once per line
// in production order; the other methods read the accumulated state. Safe for
// one producer and concurrent readers.
type Parser struct {
	mu sync.Mutex

	expected []string // inventory names of every resolved target

	lineOK   map[string]bool // saw at least one ok/changed line
	lineFail map[string]bool // saw a failed/fatal/unreachable line
	lineUnr  map[string]bool

	inRecap  bool
	sawRecap bool
	recap    map[string]Outcome

	inRegister bool
	current    Artifact
	payload    []string
	artifacts  []Artifact
}

func NewParser(expectedHosts []string) *Parser {
	return &Parser{
		expected: append([]string(nil), expectedHosts...),
		lineOK:   make(map[string]bool),
		lineFail: make(map[string]bool),
		lineUnr:  make(map[string]bool),
		recap:    make(map[string]Outcome),
	}
}

// Feed consumes one output line. Unrecognized lines are ignored.
func (p *Parser) Feed(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inRegister {
		if strings.TrimSpace(line) == registerEnd {
			p.current.Value = strings.Join(p.payload, "\n")
			p.artifacts = append(p.artifacts, p.current)
			p.inRegister = false
			p.payload = nil
			return
		}
		p.payload = append(p.payload, line)
		return
	}

	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, registerBegin) {
		p.current = parseRegisterHeader(trimmed[len(registerBegin):])
		p.payload = nil
		p.inRegister = true
		return
	}

	if strings.HasPrefix(trimmed, recapHeader) {
		p.inRecap = true
		p.sawRecap = true
		return
	}

	if p.inRecap {
		if m := recapRowRe.FindStringSubmatch(line); m != nil {
			host := m[1]
			unreachable, _ := strconv.Atoi(m[4])
			failed, _ := strconv.Atoi(m[5])
			switch {
			case unreachable > 0:
				p.recap[host] = OutcomeUnreachable
			case failed > 0:
				p.recap[host] = OutcomeFailed
			default:
				p.recap[host] = OutcomeSuccess
			}
			return
		}
		if trimmed == "" {
			return
		}
		// Anything else ends the recap block.
		p.inRecap = false
	}

	if m := statusLineRe.FindStringSubmatch(line); m != nil {
		kind, host := m[1], m[2]
		switch kind {
		case "ok", "changed":
			p.lineOK[host] = true
		case "failed":
			p.lineFail[host] = true
		case "fatal":
			if strings.Contains(line, "UNREACHABLE!") {
				p.lineUnr[host] = true
			} else {
				p.lineFail[host] = true
			}
		case "unreachable":
			p.lineUnr[host] = true
		}
	}
}

func parseRegisterHeader(attrs string) Artifact {
	var a Artifact
	for _, m := range registerAttrRe.FindAllStringSubmatch(attrs, -1) {
		val := m[2]
		if strings.HasPrefix(val, `"`) {
			val = m[3]
		}
		switch m[1] {
		case "host":
			a.Host = val
		case "task":
			a.TaskName = val
		case "status":
			a.Status = val
		case "register":
			a.Register = val
		}
	}
	return a
}

// Artifacts returns the register captures recognized so far.
func (p *Parser) Artifacts() []Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Artifact, len(p.artifacts))
	copy(out, p.artifacts)
	return out
}

// SawSignal reports whether any per-target signal (recap row or status line)
// was recognized. When false, final classification falls back to the process
// exit code.
func (p *Parser) SawSignal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sawRecap || len(p.lineOK) > 0 || len(p.lineFail) > 0 || len(p.lineUnr) > 0
}

// Results returns exactly one outcome per expected target. The recap block is
// authoritative when present; otherwise per-target lines decide. Targets with
// no signal at all are classified unreachable, never omitted.
func (p *Parser) Results() map[string]Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make(map[string]Outcome, len(p.expected))
	for _, host := range p.expected {
		if p.sawRecap {
			if oc, ok := p.recap[host]; ok {
				results[host] = oc
			} else {
				results[host] = OutcomeUnreachable
			}
			continue
		}
		switch {
		case p.lineUnr[host]:
			results[host] = OutcomeUnreachable
		case p.lineFail[host]:
			results[host] = OutcomeFailed
		case p.lineOK[host]:
			results[host] = OutcomeSuccess
		default:
			results[host] = OutcomeUnreachable
		}
	}
	return results
}

// Tally counts successes and failures in a result set.
func Tally(results map[string]Outcome) (succeeded, failed int) {
	for _, oc := range results {
		if oc == OutcomeSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
