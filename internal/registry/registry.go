// Package registry reads and writes the on-disk record a running daemon
// leaves behind so proxy bridges can find it: endpoint, pid, start time,
// and optional version/configHash/sharedSecret. One file per configHash
// (or a "default" scope when none is set), directory and file owner-only.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// Entry is the persisted record of one running daemon.
type Entry struct {
	DaemonID     string    `json:"daemonId"`
	Endpoint     string    `json:"endpoint"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"startedAt"`
	Version      string    `json:"version,omitempty"`
	ConfigHash   string    `json:"configHash,omitempty"`
	SharedSecret string    `json:"sharedSecret,omitempty"`
}

func scope(configHash string) string {
	if configHash == "" {
		return "default"
	}
	return configHash
}

// Path returns the registry file path for configHash under daemonDir.
func Path(daemonDir, configHash string) string {
	return filepath.Join(daemonDir, fmt.Sprintf("registry-%s.json", scope(configHash)))
}

// EnsureDir creates daemonDir with owner-only permissions if it doesn't
// already exist.
func EnsureDir(daemonDir string) error {
	return os.MkdirAll(daemonDir, dirPerm)
}

// Write persists e to the registry file for its ConfigHash, replacing any
// existing entry for that scope.
func Write(daemonDir string, e Entry) error {
	if err := EnsureDir(daemonDir); err != nil {
		return fmt.Errorf("ensure daemon dir: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode registry entry: %w", err)
	}
	return os.WriteFile(Path(daemonDir, e.ConfigHash), data, filePerm)
}

// Read returns the registry entry for configHash, or ok=false if none exists.
func Read(daemonDir, configHash string) (entry Entry, ok bool, err error) {
	data, err := os.ReadFile(Path(daemonDir, configHash))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read registry entry: %w", err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode registry entry: %w", err)
	}
	return entry, true, nil
}

// Delete removes the registry entry for configHash. Deleting an absent
// entry is not an error.
func Delete(daemonDir, configHash string) error {
	err := os.Remove(Path(daemonDir, configHash))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
