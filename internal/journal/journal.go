// Package journal records what the runtime did with each task: every
// inspection it ran and the single terminal resolution it reached.
package journal

import (
	"context"
	"time"
)

// Kind distinguishes journal entries.
type Kind string

const (
	KindResolution Kind = "resolution"
	KindInspection Kind = "inspection"
)

// Entry is one journal row. Payload holds canonical JSON.
type Entry struct {
	ID          string    `json:"id"`
	TraceID     string    `json:"trace_id"`
	TaskID      string    `json:"task_id"`
	Kind        Kind      `json:"kind"`
	OutcomeType string    `json:"outcome_type,omitempty"`
	RuleID      string    `json:"rule_id,omitempty"`
	Command     string    `json:"command,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Sink is where the runtime writes journal entries. A task gets at most one
// resolution; a second is JOURNAL_DUPLICATE_RESOLUTION.
type Sink interface {
	RecordResolution(ctx context.Context, e Entry) (Entry, error)
	RecordInspection(ctx context.Context, e Entry) (Entry, error)
	Resolution(ctx context.Context, traceID, taskID string) (Entry, bool, error)
	Entries(ctx context.Context, traceID string) ([]Entry, error)
	Close() error
}

// NullSink accepts and forgets everything. Used when no journal is
// configured.
type NullSink struct{}

var _ Sink = NullSink{}

func (NullSink) RecordResolution(_ context.Context, e Entry) (Entry, error) {
	e.Kind = KindResolution
	return e, nil
}

func (NullSink) RecordInspection(_ context.Context, e Entry) (Entry, error) {
	e.Kind = KindInspection
	return e, nil
}

func (NullSink) Resolution(context.Context, string, string) (Entry, bool, error) {
	return Entry{}, false, nil
}

func (NullSink) Entries(context.Context, string) ([]Entry, error) { return nil, nil }

func (NullSink) Close() error { return nil }
