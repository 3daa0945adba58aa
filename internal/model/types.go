package model

import "time"

const EnvelopeVersion = "v1"

// Envelope is the single shape every command writes to stdout or stderr.
type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

// ErrorBody carries the exit code plus, for protocol failures, the
// classified kind and the raw message it was derived from.
type ErrorBody struct {
	Code        int    `json:"code"`
	Type        string `json:"type"`
	Message     string `json:"message"`
	Kind        string `json:"kind,omitempty"`
	Hint        string `json:"hint,omitempty"`
	Raw         string `json:"raw,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

type EnvelopeMeta struct {
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Command   string      `json:"command"`
	Network   string      `json:"network,omitempty"`
	ChainID   int64       `json:"chain_id,omitempty"`
	Cache     CacheStatus `json:"cache"`
	Partial   bool        `json:"partial"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}
