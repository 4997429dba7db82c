// Package safety keeps an unattended install recoverable: it counts boots that
// never became healthy, snapshots the application tree, and restores a
// snapshot when updates or crashes leave the bot unable to start.
package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const stateFileName = "safety.json"

type PendingUpdate struct {
	FromVersion string    `json:"from_version"`
	Backup      string    `json:"backup"`
	StartedAt   time.Time `json:"started_at"`
}

type RollbackRecord struct {
	Backup string    `json:"backup"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// State is persisted across process restarts.
type State struct {
	// ConsecutiveCrashes counts boots since the last healthy or clean one.
	// A boot counts until proven healthy.
	ConsecutiveCrashes int        `json:"consecutive_crashes"`
	Boots              int        `json:"boots"`
	LastBoot           *time.Time `json:"last_boot,omitempty"`
	LastHealthy        *time.Time `json:"last_healthy,omitempty"`
	LastCleanExit      *time.Time `json:"last_clean_exit,omitempty"`
	Version            string     `json:"version"`

	PendingUpdate *PendingUpdate  `json:"pending_update"`
	LastRollback  *RollbackRecord `json:"last_rollback"`
}

func loadState(path string) (State, error) {
	var st State
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read safety state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, &corruptStateError{path: path, err: err}
	}
	return st, nil
}

type corruptStateError struct {
	path string
	err  error
}

func (e *corruptStateError) Error() string {
	return fmt.Sprintf("parse safety state %s: %v", e.path, e.err)
}

func (e *corruptStateError) Unwrap() error { return e.err }

// setAside moves an unreadable state file out of the way so the next save
// starts over while the original stays around for inspection.
func setAside(path string, now time.Time) (string, error) {
	aside := fmt.Sprintf("%s.corrupt-%s", path, now.UTC().Format(nameLayout))
	if err := os.Rename(path, aside); err != nil {
		return "", fmt.Errorf("set aside corrupt safety state: %w", err)
	}
	return aside, nil
}

// saveState replaces the file in one rename so a crash mid-write never leaves
// a truncated state behind.
func saveState(path string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, stateFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("write safety state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write safety state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync safety state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write safety state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace safety state: %w", err)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
