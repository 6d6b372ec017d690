// Package events implements the per-run ordered progress stream. Producers
// never block: slow subscribers lose live events but can replay the tail
// from a bounded ring buffer.
package events

import (
	"encoding/json"
	"time"
)

// Type enumerates the progress event kinds external consumers depend on.
type Type string

const (
	TypeStarted   Type = "started"
	TypeToolCall  Type = "tool_call"
	TypeRetry     Type = "retry"
	TypeDegraded  Type = "degraded"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
)

// Terminal reports whether the type ends a run's stream.
func (t Type) Terminal() bool { return t == TypeCompleted || t == TypeFailed }

// Event is one progress record. Seq is strictly increasing within a run and
// is the sole ordering guarantee subscribers may rely on.
type Event struct {
	RunID    string    `json:"run_id"`
	Seq      uint64    `json:"seq"`
	TS       time.Time `json:"ts"`
	Stage    string    `json:"stage,omitempty"`
	Type     Type      `json:"type"`
	Message  string    `json:"message,omitempty"`
	Task     string    `json:"task,omitempty"`
	Tool     string    `json:"tool,omitempty"`
	Progress int       `json:"progress,omitempty"` // 0-100
	Details  any       `json:"details,omitempty"`
}

// Marshal returns the event's JSON for SSE frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
