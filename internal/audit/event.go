// Package audit emits hash-chained audit events for run transitions and
// quality gate verdicts. Each event links to the previous one via
// prev_event_hash, so tampering with the history is detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kind classifies audit events.
type Kind string

const (
	KindRunTransition Kind = "run_transition"
	KindGateVerdict   Kind = "gate_verdict"
	KindPartition     Kind = "partition_published"
)

// Event is one audit record. EventHash covers the canonical JSON of the
// event with EventHash itself blanked.
type Event struct {
	Kind          Kind           `json:"kind"`
	Stage         string         `json:"stage,omitempty"`
	LogicalDate   string         `json:"logical_date,omitempty"`
	BatchID       string         `json:"batch_id,omitempty"`
	Dataset       string         `json:"dataset,omitempty"`
	RunID         string         `json:"run_id,omitempty"`
	Status        string         `json:"status,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	Producer      ProducerInfo   `json:"producer"`
	CreatedAt     time.Time      `json:"created_at"`
	PrevEventHash string         `json:"prev_event_hash,omitempty"`
	EventHash     string         `json:"event_hash"`
}

// ProducerInfo describes the software that emitted the event.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// ComputeHash computes the SHA256 hash of the event's canonical JSON,
// excluding the event_hash field itself.
func ComputeHash(evt *Event) string {
	cp := *evt
	cp.EventHash = ""

	// json.Marshal sorts map keys, so the representation is canonical.
	canonical, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(hash[:])
}
