package parse

import (
	"strings"
	"testing"
)

func feedAll(p *Parser, output string) {
	for _, line := range strings.Split(output, "\n") {
		p.Feed(line)
	}
}

func TestResultsFromStatusLines(t *testing.T) {
	p := NewParser([]string{"web1", "web2", "db1"})
	feedAll(p, `
PLAY [all] *********************************************************************

TASK [Gathering Facts] *********************************************************
ok: [web1]
ok: [web2]
fatal: [db1]: FAILED! => {"msg": "package not found"}

TASK [Install nginx] ***********************************************************
changed: [web1]
changed: [web2]
`)

	results := p.Results()
	want := map[string]Outcome{
		"web1": OutcomeSuccess,
		"web2": OutcomeSuccess,
		"db1":  OutcomeFailed,
	}
	for host, oc := range want {
		if results[host] != oc {
			t.Errorf("Results()[%q] = %q, want %q", host, results[host], oc)
		}
	}
	if !p.SawSignal() {
		t.Error("SawSignal() = false, want true")
	}
}

func TestRecapOverridesStatusLines(t *testing.T) {
	// Individual lines suggest 3 successes, but the recap claims 2/1.
	// The recap wins.
	p := NewParser([]string{"web1", "web2", "db1"})
	feedAll(p, `
ok: [web1]
ok: [web2]
ok: [db1]

PLAY RECAP *********************************************************************
web1 : ok=3 changed=1 unreachable=0 failed=0 skipped=0 rescued=0 ignored=0
web2 : ok=3 changed=0 unreachable=0 failed=0 skipped=0 rescued=0 ignored=0
db1 : ok=1 changed=0 unreachable=0 failed=2 skipped=0 rescued=0 ignored=0
`)

	results := p.Results()
	succeeded, failed := Tally(results)
	if succeeded != 2 || failed != 1 {
		t.Errorf("Tally = %d/%d, want 2/1", succeeded, failed)
	}
	if results["db1"] != OutcomeFailed {
		t.Errorf("db1 = %q, want failed", results["db1"])
	}
}

func TestUnreachableClassification(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Outcome
	}{
		{
			"fatal unreachable line",
			`fatal: [db1]: UNREACHABLE! => {"msg": "timed out"}`,
			OutcomeUnreachable,
		},
		{
			"recap unreachable count",
			"PLAY RECAP ****\ndb1 : ok=0 changed=0 unreachable=1 failed=0 skipped=0 rescued=0 ignored=0",
			OutcomeUnreachable,
		},
		{
			"no output at all",
			"",
			OutcomeUnreachable,
		},
		{
			"missing from recap",
			"PLAY RECAP ****\nother : ok=1 changed=0 unreachable=0 failed=0 skipped=0 rescued=0 ignored=0",
			OutcomeUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser([]string{"db1"})
			feedAll(p, tt.output)
			if got := p.Results()["db1"]; got != tt.want {
				t.Errorf("Results()[db1] = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResultsCoverEveryTarget(t *testing.T) {
	p := NewParser([]string{"a", "b", "c", "d"})
	feedAll(p, "ok: [a]")

	results := p.Results()
	if len(results) != 4 {
		t.Fatalf("len(Results()) = %d, want 4", len(results))
	}
	for _, host := range []string{"b", "c", "d"} {
		if results[host] != OutcomeUnreachable {
			t.Errorf("%s = %q, want unreachable", host, results[host])
		}
	}
}

func TestRegisterBlocks(t *testing.T) {
	p := NewParser([]string{"web1"})
	feedAll(p, `
changed: [web1]
REGISTER-BLOCK-BEGIN host=web1 task="Install nginx" status=changed register=pkg_out
{
  "rc": 0,
  "stdout": "installed nginx-1.24"
}
REGISTER-BLOCK-END
ok: [web1]
REGISTER-BLOCK-BEGIN host=web1 task="Check service" status=ok register=svc
{"state": "running"}
REGISTER-BLOCK-END
`)

	artifacts := p.Artifacts()
	if len(artifacts) != 2 {
		t.Fatalf("len(Artifacts()) = %d, want 2", len(artifacts))
	}

	first := artifacts[0]
	if first.Host != "web1" {
		t.Errorf("Host = %q, want web1", first.Host)
	}
	if first.TaskName != "Install nginx" {
		t.Errorf("TaskName = %q, want %q", first.TaskName, "Install nginx")
	}
	if first.Status != "changed" {
		t.Errorf("Status = %q, want changed", first.Status)
	}
	if first.Register != "pkg_out" {
		t.Errorf("Register = %q, want pkg_out", first.Register)
	}
	if !strings.Contains(first.Value, `"rc": 0`) {
		t.Errorf("Value missing payload: %q", first.Value)
	}

	if artifacts[1].Register != "svc" {
		t.Errorf("second Register = %q, want svc", artifacts[1].Register)
	}
	if artifacts[1].Value != `{"state": "running"}` {
		t.Errorf("second Value = %q", artifacts[1].Value)
	}
}

func TestRegisterPayloadNotParsedAsStatus(t *testing.T) {
	// A payload that happens to contain a status-looking line must not
	// affect target classification.
	p := NewParser([]string{"web1"})
	feedAll(p, `
ok: [web1]
REGISTER-BLOCK-BEGIN host=web1 task="t" status=ok register=r
fatal: [web1]: FAILED! => {"embedded": true}
REGISTER-BLOCK-END
`)

	if got := p.Results()["web1"]; got != OutcomeSuccess {
		t.Errorf("Results()[web1] = %q, want success", got)
	}
}

func TestNoSignal(t *testing.T) {
	p := NewParser([]string{"web1"})
	feedAll(p, "some banner\nunrelated noise\n")
	if p.SawSignal() {
		t.Error("SawSignal() = true, want false")
	}
}

func TestTally(t *testing.T) {
	succeeded, failed := Tally(map[string]Outcome{
		"a": OutcomeSuccess,
		"b": OutcomeFailed,
		"c": OutcomeUnreachable,
		"d": OutcomeSuccess,
	})
	if succeeded != 2 || failed != 2 {
		t.Errorf("Tally = %d/%d, want 2/2", succeeded, failed)
	}
}
