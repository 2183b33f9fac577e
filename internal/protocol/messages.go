// Package protocol defines message types for control-worker communication.
// Messages flow over WebSocket connections; delivery is at most once, and
// nothing orders a dispatch against a late completion from an earlier turn,
// so the control side guards every inbound completion against stale state.
package protocol

import (
	"encoding/json"

	"github.com/turnstile-dev/turnstile/internal/domain"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Worker -> control messages

// RegisterMessage sent when a worker first connects
type RegisterMessage struct {
	WorkerID string `json:"worker_id"`
}

// HandshakeCompleteMessage sent once the one-time preamble turn finished
type HandshakeCompleteMessage struct {
	WorkerID string `json:"worker_id"`
}

// TaskCompletedMessage closes one dispatched turn. Sent exactly once per
// RunTask, on every failure path included; Result is nil only when the turn
// produced nothing at all.
type TaskCompletedMessage struct {
	BatchID   string             `json:"batch_id"`
	TaskIndex int                `json:"task_index"`
	Result    *domain.TurnResult `json:"result,omitempty"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
}

// LogMessage carries an operator-facing log line. Observational only.
type LogMessage struct {
	Message string `json:"message"`
}

// Control -> worker messages

// StartRunMessage asks the worker to perform the one-time handshake
type StartRunMessage struct {
	Preamble string `json:"preamble,omitempty"`
}

// RunTaskMessage dispatches one task for one turn
type RunTaskMessage struct {
	BatchID   string      `json:"batch_id"`
	TaskIndex int         `json:"task_index"`
	Task      domain.Task `json:"task"`
}

// StopRunMessage is best effort in both directions; it does not guarantee
// an in-flight turn halts.
type StopRunMessage struct {
	Reason string `json:"reason,omitempty"`
}

// Message type constants
const (
	TypeRegister          = "register"
	TypeStartRun          = "start_run"
	TypeHandshakeComplete = "handshake_complete"
	TypeRunTask           = "run_task"
	TypeTaskCompleted     = "task_completed"
	TypeStopRun           = "stop_run"
	TypeLog               = "log"
)
