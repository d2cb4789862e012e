package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Prober answers liveness and identity questions about local processes.
// The default implementation asks the OS; doctor tests inject fakes.
type Prober interface {
	Alive(pid int) bool
	Cmdline(pid int) ([]string, error)
}

// OSProber probes real processes via signal 0 and /proc.
type OSProber struct{}

// Alive reports whether a process with the given pid exists. EPERM means
// the process exists but belongs to someone else, which still counts.
func (OSProber) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// Cmdline returns the NUL-separated argv of the process.
func (OSProber) Cmdline(pid int) ([]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, fmt.Errorf("reading cmdline for pid %d: %w", pid, err)
	}
	var args []string
	for _, tok := range bytes.Split(data, []byte{0}) {
		if len(tok) > 0 {
			args = append(args, string(tok))
		}
	}
	return args, nil
}

// VerifyIdentity checks that the live process at pid plausibly is the daemon
// the record describes: at least one of the record's first three command
// tokens must appear in the process argv, compared by basename,
// case-insensitively. An unreadable cmdline counts as verified, since
// liveness was already proven and some systems restrict /proc.
func VerifyIdentity(p Prober, pid int, recorded []string) bool {
	if len(recorded) == 0 {
		return true
	}
	actual, err := p.Cmdline(pid)
	if err != nil || len(actual) == 0 {
		return true
	}

	actualSet := make(map[string]bool, len(actual))
	for _, a := range actual {
		actualSet[strings.ToLower(filepath.Base(a))] = true
	}

	top := recorded
	if len(top) > 3 {
		top = top[:3]
	}
	for _, want := range top {
		if actualSet[strings.ToLower(filepath.Base(want))] {
			return true
		}
	}
	return false
}
