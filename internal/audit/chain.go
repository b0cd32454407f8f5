package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// chainState is the on-disk record of the chain head.
type chainState struct {
	LastEventHash string `json:"last_event_hash"`
	EventCount    int64  `json:"event_count"`
}

// ChainTracker maintains the hash chain across process restarts by
// persisting the last event hash to a small state file.
type ChainTracker struct {
	mu    sync.Mutex
	path  string
	state chainState
}

// NewChainTracker loads existing chain state from dir, or starts a fresh
// chain if none exists.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	t := &ChainTracker{path: filepath.Join(dir, "chain_state.json")}

	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading chain state: %w", err)
	}
	if err := json.Unmarshal(data, &t.state); err != nil {
		return nil, fmt.Errorf("parsing chain state: %w", err)
	}
	return t, nil
}

// Seal assigns the previous hash and event hash to evt and advances the
// chain head. The state file is written before Seal returns so a crash
// cannot fork the chain.
func (t *ChainTracker) Seal(evt *Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	evt.PrevEventHash = t.state.LastEventHash
	evt.EventHash = ComputeHash(evt)
	if evt.EventHash == "" {
		return fmt.Errorf("hashing audit event")
	}

	next := chainState{LastEventHash: evt.EventHash, EventCount: t.state.EventCount + 1}
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding chain state: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing chain state: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing chain state: %w", err)
	}
	t.state = next
	return nil
}

// Head returns the current chain head hash and event count.
func (t *ChainTracker) Head() (string, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.LastEventHash, t.state.EventCount
}
