package engine

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"scalper/internal/strategy"
)

// Decision is one line of the NDJSON decision journal.
type Decision struct {
	RunID         string            `json:"run_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Pair          string            `json:"pair"`
	Close         float64           `json:"close"`
	Histogram     *float64          `json:"histogram"`
	Position      strategy.Position `json:"position"`
	Intent        strategy.Action   `json:"intent"`
	Reason        string            `json:"reason"`
	Result        string            `json:"result"`
	RejectReason  string            `json:"reject_reason,omitempty"`
	ClientOrderID string            `json:"client_order_id,omitempty"`
	Quantity      string            `json:"quantity,omitempty"`
	FillPrice     string            `json:"fill_price,omitempty"`
	Attempts      int               `json:"attempts,omitempty"`
	Error         string            `json:"error,omitempty"`
}

type DecisionLogger struct {
	runID  string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func NewDecisionLogger(path string, runID string) (*DecisionLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLogger{
		runID:  runID,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (d *DecisionLogger) RunID() string {
	return d.runID
}

func (d *DecisionLogger) Append(decision Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	decision.RunID = d.runID
	payload, err := json.Marshal(decision)
	if err != nil {
		slog.Error("failed to marshal decision", "error", err)
		return
	}
	if _, err := d.writer.Write(append(payload, '\n')); err != nil {
		slog.Error("failed to write decision", "error", err)
		return
	}
	if err := d.writer.Flush(); err != nil {
		slog.Error("failed to flush decision log", "error", err)
	}
}

func (d *DecisionLogger) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Flush(); err != nil {
		_ = d.file.Close()
		return err
	}
	return d.file.Close()
}
