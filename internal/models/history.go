package models

import "time"

// Status is the terminal state of one reconciliation run.
type Status string

// Outcome statuses.
const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusException Status = "exception"
)

// HistoryEntry is one immutable outcome appended to a SourceUnit.
type HistoryEntry struct {
	Status      Status         `json:"action"`
	TaskID      string         `json:"_tid"`
	Total       *int           `json:"total,omitempty"`
	Elapsed     time.Duration  `json:"elapsed,omitempty"`
	Consumption []Consumption  `json:"consumption,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
	CreatedAt   time.Time      `json:"created"`
}

// Consumption is a per-batch sample taken while reconciling.
type Consumption struct {
	Len    int         `json:"len"`
	Memory *MemoryInfo `json:"memory,omitempty"`
}

// MemoryInfo is a process memory sample. Nil when sampling is unavailable.
type MemoryInfo struct {
	RSS  uint64 `json:"rss"`
	VMS  uint64 `json:"vms"`
	Swap uint64 `json:"swap,omitempty"`
}

// ErrorDetail describes the failure behind an exception outcome.
type ErrorDetail struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"name"`
	File    string `json:"filename,omitempty"`
	Line    int    `json:"lineno,omitempty"`
	Column  int    `json:"offset,omitempty"`
	Text    string `json:"text,omitempty"`
}
