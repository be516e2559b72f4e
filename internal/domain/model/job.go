package model

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type JobStatus string

const (
	JobStatusIdle      JobStatus = "idle"
	JobStatusQueued    JobStatus = "queued"
	JobStatusPreparing JobStatus = "preparing"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transition may leave this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// legal transition graph: idle→queued→{preparing}→running→{completed|failed|canceled}.
// Cancellation is allowed from any non-terminal status.
var legalTransitions = map[JobStatus][]JobStatus{
	JobStatusIdle:      {JobStatusQueued, JobStatusCanceled},
	JobStatusQueued:    {JobStatusPreparing, JobStatusRunning, JobStatusFailed, JobStatusCanceled},
	JobStatusPreparing: {JobStatusRunning, JobStatusFailed, JobStatusCanceled},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusCanceled},
}

// CanTransition reports whether moving from s to next is legal.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, n := range legalTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Startable reports whether the scheduler may pick this job up.
func (s JobStatus) Startable() bool {
	return s == JobStatusIdle || s == JobStatusQueued
}

// Job is the durable record of one requested unit of AI-assisted work.
type Job struct {
	ID              string
	SessionID       string
	TaskType        string
	APIType         string
	Status          JobStatus
	PromptText      string
	ResponseText    string
	TokensSent      int
	TokensReceived  int
	CharsReceived   int
	CreatedAt       time.Time
	StartTime       *time.Time
	EndTime         *time.Time
	LastUpdate      time.Time
	ModelUsed       string
	MaxOutputTokens int
	StatusMessage   string
	Metadata        map[string]any
	Cleared         bool
}

// NewJob builds a queued job with a time-sortable ULID.
func NewJob(sessionID, taskType, apiType, prompt string) *Job {
	now := time.Now()
	return &Job{
		ID:         ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		SessionID:  sessionID,
		TaskType:   taskType,
		APIType:    apiType,
		Status:     JobStatusQueued,
		PromptText: prompt,
		CreatedAt:  now,
		LastUpdate: now,
		Metadata:   map[string]any{},
	}
}

// MetaString reads a string value out of the metadata bag.
func (j *Job) MetaString(key string) string {
	if j.Metadata == nil {
		return ""
	}
	if v, ok := j.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetaStrings reads a string-slice value out of the metadata bag. Values
// round-tripped through JSON come back as []any.
func (j *Job) MetaStrings(key string) []string {
	if j.Metadata == nil {
		return nil
	}
	switch v := j.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
