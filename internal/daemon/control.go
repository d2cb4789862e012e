package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ControlFileName is the control file name under the control root.
const ControlFileName = "control.json"

// Daemon control modes.
const (
	ModeRunning  = "running"
	ModeDraining = "draining"
	ModePaused   = "paused"
)

// Control is the operator-facing control file. Pointer fields distinguish
// "not set" from explicit values on the wire.
type Control struct {
	Version           int     `json:"version"`
	Mode              string  `json:"mode"`
	PauseRequested    *bool   `json:"pause_requested"`
	PauseAtCheckpoint *string `json:"pause_at_checkpoint"`
	DrainTimeoutMs    *int64  `json:"drain_timeout_ms"`
}

// ControlPath returns the canonical control file path for a control root.
func ControlPath(controlRoot string) string {
	return filepath.Join(controlRoot, ControlFileName)
}

// DefaultControl is the state assumed when no control file exists.
func DefaultControl() Control {
	return Control{Version: 1, Mode: ModeRunning}
}

// ReadControl loads the control file. A missing file means the default
// running state; a malformed file is an error the caller surfaces.
func ReadControl(path string) (Control, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultControl(), nil
	}
	if err != nil {
		return Control{}, fmt.Errorf("reading control file: %w", err)
	}
	var ctl Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		return Control{}, fmt.Errorf("parsing control file %s: %w", path, err)
	}
	switch ctl.Mode {
	case ModeRunning, ModeDraining, ModePaused:
	default:
		return Control{}, fmt.Errorf("control file %s has unknown mode %q", path, ctl.Mode)
	}
	return ctl, nil
}

// WriteControl persists the control file via atomic rename.
func WriteControl(path string, ctl Control) error {
	if ctl.Version == 0 {
		ctl.Version = 1
	}
	data, err := json.Marshal(ctl)
	if err != nil {
		return fmt.Errorf("encoding control file: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("writing control file: %w", err)
	}
	return nil
}

// PauseActive reports whether a pause request is in effect, and at which
// checkpoint it binds. An empty checkpoint means pause at the next one.
func (c Control) PauseActive() (bool, string) {
	if c.PauseRequested == nil || !*c.PauseRequested {
		return false, ""
	}
	if c.PauseAtCheckpoint == nil {
		return true, ""
	}
	return true, *c.PauseAtCheckpoint
}

// sameShape reports whether two control files carry the same operator
// intent. Used to decide whether a legacy copy is safe to quarantine.
func sameShape(a, b Control) bool {
	if a.Mode != b.Mode {
		return false
	}
	if !eqBoolPtr(a.PauseRequested, b.PauseRequested) {
		return false
	}
	if !eqStrPtr(a.PauseAtCheckpoint, b.PauseAtCheckpoint) {
		return false
	}
	return eqInt64Ptr(a.DrainTimeoutMs, b.DrainTimeoutMs)
}

func eqBoolPtr(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
