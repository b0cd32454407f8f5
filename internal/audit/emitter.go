package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Emitter records audit events. Implementations must be safe for
// concurrent use.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
	Close() error
}

// Config controls audit emission.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Endpoint string `yaml:"endpoint"`
	Producer string `yaml:"producer"`
	Version  string `yaml:"version"`
}

// NewEmitter builds an emitter from config. When disabled it returns a
// noop emitter so callers never nil-check.
func NewEmitter(cfg Config, logger *slog.Logger) (Emitter, error) {
	if !cfg.Enabled {
		return &NoopEmitter{}, nil
	}
	tracker, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, err
	}
	e := &FileEmitter{
		dir:     cfg.Dir,
		tracker: tracker,
		logger:  logger,
		producer: ProducerInfo{
			Name:    cfg.Producer,
			Version: cfg.Version,
		},
	}
	if cfg.Endpoint != "" {
		e.forward = &httpForwarder{
			endpoint: cfg.Endpoint,
			client:   &http.Client{Timeout: 10 * time.Second},
			logger:   logger,
		}
	}
	return e, nil
}

// NoopEmitter discards events.
type NoopEmitter struct{}

func (*NoopEmitter) Emit(context.Context, Event) error { return nil }
func (*NoopEmitter) Close() error                      { return nil }

// FileEmitter appends sealed events to a JSONL log, one file per day,
// and optionally forwards them to an HTTP collector. Forwarding is best
// effort; the local log is the source of truth.
type FileEmitter struct {
	mu       sync.Mutex
	dir      string
	tracker  *ChainTracker
	logger   *slog.Logger
	producer ProducerInfo
	forward  *httpForwarder
}

func (e *FileEmitter) Emit(ctx context.Context, evt Event) error {
	evt.Producer = e.producer
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.tracker.Seal(&evt); err != nil {
		return fmt.Errorf("sealing audit event: %w", err)
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	path := filepath.Join(e.dir, "audit_"+evt.CreatedAt.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("appending audit event: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing audit log: %w", err)
	}

	if e.forward != nil {
		e.forward.send(ctx, line)
	}
	return nil
}

func (e *FileEmitter) Close() error { return nil }

type httpForwarder struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func (f *httpForwarder) send(ctx context.Context, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		f.logger.Warn("building audit forward request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("forwarding audit event", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		f.logger.Warn("audit collector rejected event", "status", resp.StatusCode)
	}
}

// VerifyChain re-reads an audit log file and checks every event's hash
// and chain linkage. Returns the number of verified events.
func VerifyChain(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading audit log: %w", err)
	}
	var prev string
	count := 0
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return count, fmt.Errorf("event %d: parsing: %w", count, err)
		}
		if prev != "" && evt.PrevEventHash != prev {
			return count, fmt.Errorf("event %d: chain broken: prev %q want %q", count, evt.PrevEventHash, prev)
		}
		if got := ComputeHash(&evt); got != evt.EventHash {
			return count, fmt.Errorf("event %d: hash mismatch", count)
		}
		prev = evt.EventHash
		count++
	}
	return count, nil
}
