package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/uesteibar/ralphd/internal/store"
)

// RecordVersion is the daemon record wire version.
const RecordVersion = 1

// RecordFileName is the canonical daemon record name under the control root.
const RecordFileName = "daemon-registry.json"

// Record is the on-disk daemon identity. The JSON shape is the wire contract:
// external tooling reads these files.
type Record struct {
	Version         int      `json:"version"`
	DaemonID        string   `json:"daemonId"`
	PID             int      `json:"pid"`
	StartedAt       string   `json:"startedAt"`
	HeartbeatAt     string   `json:"heartbeatAt"`
	ControlRoot     string   `json:"controlRoot"`
	ControlFilePath string   `json:"controlFilePath"`
	Cwd             string   `json:"cwd"`
	Command         []string `json:"command"`
	RalphVersion    *string  `json:"ralphVersion"`
}

// RecordPath returns the canonical daemon record path for a control root.
func RecordPath(controlRoot string) string {
	return filepath.Join(controlRoot, RecordFileName)
}

// NewRecord builds a record describing the current process.
func NewRecord(controlRoot, version string) Record {
	cwd, _ := os.Getwd()
	now := store.FmtTime(time.Now())
	rec := Record{
		Version:         RecordVersion,
		DaemonID:        "d-" + uuid.NewString(),
		PID:             os.Getpid(),
		StartedAt:       now,
		HeartbeatAt:     now,
		ControlRoot:     controlRoot,
		ControlFilePath: ControlPath(controlRoot),
		Cwd:             cwd,
		Command:         os.Args,
	}
	if version != "" {
		rec.RalphVersion = &version
	}
	return rec
}

// WriteRecord persists the record via atomic rename so readers never observe
// a partial file.
func WriteRecord(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding daemon record: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("writing daemon record: %w", err)
	}
	return nil
}

// ReadRecord parses a daemon record from disk.
func ReadRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("reading daemon record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parsing daemon record %s: %w", path, err)
	}
	if rec.Version != RecordVersion {
		return Record{}, fmt.Errorf("daemon record %s has unsupported version %d", path, rec.Version)
	}
	if rec.DaemonID == "" || rec.PID <= 0 {
		return Record{}, fmt.Errorf("daemon record %s is missing identity fields", path)
	}
	return rec, nil
}

// TouchHeartbeat rewrites the record with a fresh heartbeat timestamp.
func TouchHeartbeat(path string, rec *Record, now time.Time) error {
	rec.HeartbeatAt = store.FmtTime(now)
	return WriteRecord(path, *rec)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
