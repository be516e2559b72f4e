package model

import "testing"

func TestStatusTransitionGraph(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobStatusIdle, JobStatusQueued, true},
		{JobStatusQueued, JobStatusPreparing, true},
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusPreparing, JobStatusRunning, true},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusCanceled, true},
		{JobStatusQueued, JobStatusCanceled, true},

		{JobStatusIdle, JobStatusRunning, false},
		{JobStatusRunning, JobStatusQueued, false},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusCompleted, false},
		{JobStatusCanceled, JobStatusQueued, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCanceled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		for _, next := range []JobStatus{JobStatusIdle, JobStatusQueued, JobStatusPreparing, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled} {
			if s.CanTransition(next) {
				t.Errorf("terminal %s must not transition to %s", s, next)
			}
		}
	}
	for _, s := range []JobStatus{JobStatusIdle, JobStatusQueued, JobStatusPreparing, JobStatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewJobDefaults(t *testing.T) {
	j := NewJob("sess-1", "path_finder", "openrouter", "find files")
	if j.ID == "" {
		t.Fatal("expected generated id")
	}
	if j.Status != JobStatusQueued {
		t.Fatalf("new job status = %s, want queued", j.Status)
	}
	if !j.Status.Startable() {
		t.Fatal("queued job must be startable")
	}
	if j.Metadata == nil {
		t.Fatal("metadata bag must be initialized")
	}
}

func TestMetaStrings(t *testing.T) {
	j := NewJob("s", "t", "a", "p")
	j.Metadata["paths"] = []any{"a.go", "b.go", 3}
	got := j.MetaStrings("paths")
	if len(got) != 2 || got[0] != "a.go" || got[1] != "b.go" {
		t.Fatalf("MetaStrings = %v", got)
	}
}
