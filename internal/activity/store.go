package activity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/natefinch/atomic"
)

const stateFileName = "go-timeclock/activity.json"

// DefaultStatePath returns the per-user state file location, creating its
// parent directory.
func DefaultStatePath() (string, error) {
	return xdg.StateFile(stateFileName)
}

type fileState struct {
	LastConfirmedAt int64 `json:"last_confirmed_at"`
}

// FileStore keeps the last confirmation time as epoch milliseconds in a
// JSON file. Writes replace the file atomically.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (time.Time, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("read state: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return time.Time{}, fmt.Errorf("decode state: %w", err)
	}
	if st.LastConfirmedAt == 0 {
		return time.Time{}, nil
	}

	return time.UnixMilli(st.LastConfirmedAt), nil
}

func (s *FileStore) Save(t time.Time) error {
	b, err := json.Marshal(fileState{LastConfirmedAt: t.UnixMilli()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	return atomic.WriteFile(s.path, bytes.NewReader(b))
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}
