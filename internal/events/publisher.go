// Package events is a best-effort NATS JetStream fan-out of sandbox and
// execution lifecycle transitions. It is purely additive observability —
// no component in this repo ever subscribes back to its own events to
// decide correctness-relevant behavior — grounded on teacher
// internal/aor/scheduler.go's s.js.Publish call shape.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Kind names a lifecycle transition subject suffix.
type Kind string

const (
	SandboxCreated     Kind = "sandbox.created"
	SandboxRunning     Kind = "sandbox.running"
	SandboxTerminated  Kind = "sandbox.terminated"
	SandboxFailed      Kind = "sandbox.failed"
	ExecutionStarted   Kind = "execution.started"
	ExecutionCompleted Kind = "execution.completed"
	ExecutionFailed    Kind = "execution.failed"
	ExecutionCancelled Kind = "execution.cancelled"
)

const subjectPrefix = "wegent.sandbox."

// Event is the JSON envelope published for every lifecycle transition.
type Event struct {
	Kind      Kind           `json:"kind"`
	SandboxID string         `json:"sandbox_id"`
	TaskID    string         `json:"task_id,omitempty"`
	SubtaskID string         `json:"subtask_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Publisher fans lifecycle events out to JetStream. A nil or unreachable
// JetStream context degrades to a logged no-op rather than a hard failure,
// since no caller's correctness may depend on delivery.
type Publisher struct {
	js  nats.JetStreamContext
	log zerolog.Logger
	now func() time.Time
}

// New constructs a Publisher. js may be nil, in which case Publish is a
// logged no-op — useful for deployments that haven't wired NATS at all.
func New(js nats.JetStreamContext, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:  js,
		log: log.With().Str("component", "events_publisher").Logger(),
		now: time.Now,
	}
}

// Publish emits one lifecycle event. Errors are logged, never returned —
// callers must not let event fan-out affect control flow.
func (p *Publisher) Publish(ctx context.Context, kind Kind, sandboxID, taskID, subtaskID, status string, detail map[string]any) {
	evt := Event{
		Kind:      kind,
		SandboxID: sandboxID,
		TaskID:    taskID,
		SubtaskID: subtaskID,
		Status:    status,
		Detail:    detail,
		Timestamp: p.now().Unix(),
	}

	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to marshal lifecycle event")
		return
	}

	if p.js == nil {
		p.log.Debug().Str("kind", string(kind)).Str("sandbox_id", sandboxID).Msg("no JetStream context wired, dropping event")
		return
	}

	subject := subjectPrefix + string(kind)
	if _, err := p.js.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Str("sandbox_id", sandboxID).Msg("failed to publish lifecycle event")
	}
}
