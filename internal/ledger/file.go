package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps the whole history as an indented JSON array. Every append
// rewrites the file through a temp file and rename.
type FileStore struct {
	mu     sync.Mutex
	path   string
	trades []Trade
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load treats a missing file as an empty history. A file that does not parse
// is moved aside to <path>.corrupt-<unix> and also yields an empty history.
func (s *FileStore) Load(ctx context.Context) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.trades = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var trades []Trade
	if len(data) > 0 {
		if err := json.Unmarshal(data, &trades); err != nil {
			backup := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
			if renameErr := os.Rename(s.path, backup); renameErr != nil {
				slog.Warn("cannot move corrupt ledger aside", "path", s.path, "error", renameErr)
			}
			slog.Warn("ledger file corrupt, starting empty", "path", s.path, "backup", backup, "error", err)
			s.trades = nil
			return nil, nil
		}
	}
	s.trades = trades
	out := make([]Trade, len(trades))
	copy(out, trades)
	return out, nil
}

// Append keeps trade even when the write fails so the next write carries it.
func (s *FileStore) Append(ctx context.Context, trade Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, trade)
	return s.write(s.trades)
}

func (s *FileStore) write(trades []Trade) error {
	data, err := json.MarshalIndent(trades, "", "    ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
