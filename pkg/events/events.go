// Package events defines the run event stream wire shapes, canonical JSON
// encoding, and the HMAC hash chain that makes the per-run log tamper
// evident.
package events

import (
	"time"

	"github.com/aetherhq/aether/pkg/models"
)

// Event type discriminators.
const (
	TypeStatus   = "TaskStatusUpdateEvent"
	TypeArtifact = "TaskArtifactUpdateEvent"
	TypeBudget   = "TaskBudgetUpdateEvent"
)

// Event is one stream line. Kept as a generic JSON object so canonical
// encoding and chain hashing operate on exactly what goes over the wire.
type Event map[string]any

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// NewStatus builds a TaskStatusUpdateEvent.
func NewStatus(taskID, runID string, state models.RunState, message string, meta map[string]any) Event {
	if meta == nil {
		meta = map[string]any{}
	}
	return Event{
		"type":    TypeStatus,
		"ts":      nowISO(),
		"task_id": taskID,
		"run_id":  runID,
		"state":   string(state),
		"message": message,
		"meta":    meta,
	}
}

// NewArtifact builds a TaskArtifactUpdateEvent.
func NewArtifact(taskID, runID, artifactType string, artifact any) Event {
	return Event{
		"type":          TypeArtifact,
		"ts":            nowISO(),
		"task_id":       taskID,
		"run_id":        runID,
		"artifact_type": artifactType,
		"artifact":      artifact,
	}
}

// NewBudget builds a TaskBudgetUpdateEvent.
func NewBudget(taskID, runID string, used, limits any) Event {
	return Event{
		"type":    TypeBudget,
		"ts":      nowISO(),
		"task_id": taskID,
		"run_id":  runID,
		"used":    used,
		"limits":  limits,
	}
}

// Type returns the event's type discriminator.
func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// Seq returns the persisted sequence number, 0 when not yet persisted.
func (e Event) Seq() int64 {
	switch n := e["_seq"].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// WithSeq returns a copy of the event with _seq embedded. The copy is what
// gets canonicalized and hashed.
func (e Event) WithSeq(seq int64) Event {
	out := make(Event, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	out["_seq"] = seq
	return out
}

// State returns the run state of a status event.
func (e Event) State() models.RunState {
	s, _ := e["state"].(string)
	return models.RunState(s)
}

// ArtifactType returns the artifact type of an artifact event.
func (e Event) ArtifactType() string {
	s, _ := e["artifact_type"].(string)
	return s
}

// Artifact returns the artifact payload as a JSON object when possible.
func (e Event) Artifact() map[string]any {
	m, _ := e["artifact"].(map[string]any)
	return m
}
