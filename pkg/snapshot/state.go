package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrRollbackRejected = errors.New("snapshot rollback rejected")

// State records the installed snapshot.
type State struct {
	LastDate string `json:"last_date"`
	Epoch    int    `json:"epoch"`
	TS       int64  `json:"ts"`
}

// ReadState returns the zero state when nothing was installed yet or the
// file is unreadable.
func ReadState(path string) State {
	var st State

	data, err := os.ReadFile(path)
	if err != nil {
		return State{}
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}
	}
	return st
}

// WriteState replaces the state file through a rename.
func WriteState(path string, st State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// CheckRollback enforces monotonic snapshots. The epoch and date checks
// are independent, either one rejects.
func CheckRollback(installed State, m Manifest, allowDowngrade bool) error {
	if allowDowngrade {
		return nil
	}

	if m.Epoch < installed.Epoch {
		return fmt.Errorf("%w: catalog epoch decreased (%d -> %d)", ErrRollbackRejected, installed.Epoch, m.Epoch)
	}
	if installed.LastDate != "" && m.SnapshotDate <= installed.LastDate {
		return fmt.Errorf("%w: snapshot %s is not newer than installed %s", ErrRollbackRejected, m.SnapshotDate, installed.LastDate)
	}
	return nil
}

func newState(m Manifest) State {
	return State{
		LastDate: m.SnapshotDate,
		Epoch:    m.Epoch,
		TS:       time.Now().Unix(),
	}
}
