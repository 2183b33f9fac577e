package domain

import (
	"encoding/json"
	"time"
)

// TurnResult is what one turn against the automation surface produces.
// On degraded turns (submission failure, stability timeout, unparseable
// output) Fields is empty and Note carries the diagnostic.
type TurnResult struct {
	Fields     map[string]string `json:"fields,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
	Note       string            `json:"note,omitempty"`
}

// ResultRecord is one append-only output row per completed task.
// Never mutated after creation.
type ResultRecord struct {
	ID         int64             `json:"id"`
	BatchID    string            `json:"batch_id"`
	TaskIndex  int               `json:"task_index"`
	CreatedAt  time.Time         `json:"created_at"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
	Note       string            `json:"note,omitempty"`
}
