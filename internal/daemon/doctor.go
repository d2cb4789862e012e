package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/uesteibar/ralphd/internal/store"
)

// Record classifications after probing.
const (
	ClassLive       = "live"
	ClassStale      = "stale"
	ClassUnreadable = "unreadable"
	ClassMissing    = "missing"
)

// Root classifications for record locations.
const (
	RootCanonical     = "trusted-canonical"
	RootManagedLegacy = "managed-legacy"
	RootUnsafeTmp     = "unsafe-tmp"
	RootUnknown       = "unknown"
)

// Finding codes.
const (
	FindingDistinctLiveIdentities = "DISTINCT_LIVE_DAEMON_IDENTITIES"
	FindingDuplicateLiveRecords   = "DUPLICATE_LIVE_DAEMON_RECORDS"
	FindingStaleRecord            = "STALE_DAEMON_RECORD"
	FindingCorruptRecord          = "CORRUPT_DAEMON_RECORD"
	FindingUnsafeRecord           = "UNSAFE_DAEMON_RECORD"
	FindingLegacyControlFile      = "LEGACY_CONTROL_FILE"
	FindingStoreCapability        = "STORE_CAPABILITY_DEGRADED"
)

// Repair codes.
const (
	RepairQuarantineStale     = "QUARANTINE_STALE_DAEMON_RECORD"
	RepairQuarantineCorrupt   = "QUARANTINE_CORRUPT_DAEMON_RECORD"
	RepairQuarantineDuplicate = "QUARANTINE_DUPLICATE_DAEMON_RECORDS"
	RepairQuarantineUnsafe    = "QUARANTINE_UNSAFE_DAEMON_RECORD"
	RepairPromoteLegacy       = "PROMOTE_LEGACY_DAEMON_RECORD"
	RepairQuarantineControl   = "QUARANTINE_LEGACY_CONTROL_FILE"
)

// Candidate is one scanned daemon record location.
type Candidate struct {
	Path   string
	Root   string
	Class  string
	Record *Record
}

// Finding is one diagnostic in the doctor report.
type Finding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
}

// Repair is a recommended or applied repair action.
type Repair struct {
	Code   string `json:"code"`
	Path   string `json:"path"`
	Detail string `json:"detail,omitempty"`
}

// Report is the doctor's JSON output.
type Report struct {
	SchemaVersion      int       `json:"schema_version"`
	Timestamp          string    `json:"timestamp"`
	OverallStatus      string    `json:"overall_status"`
	Findings           []Finding `json:"findings"`
	RecommendedRepairs []Repair  `json:"recommended_repairs"`
	AppliedRepairs     []Repair  `json:"applied_repairs"`
}

// ExitCode maps the overall status to a process exit code.
func (r Report) ExitCode() int {
	if r.OverallStatus == "ok" {
		return 0
	}
	return 1
}

// Doctor scans daemon records and control files, reports findings, and
// optionally applies the safe repairs.
type Doctor struct {
	ControlRoot        string
	LegacyRecordPaths  []string
	LegacyControlPaths []string
	StatePath          string
	Prober             Prober
	Now                func() time.Time
}

// Run produces the doctor report. With apply=true the recommended repairs
// are executed; a failed repair downgrades to a finding instead of aborting.
func (d *Doctor) Run(apply bool) Report {
	if d.Prober == nil {
		d.Prober = OSProber{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	now := d.Now().UTC()
	report := Report{
		SchemaVersion: 1,
		Timestamp:     store.FmtTime(now),
	}

	candidates := d.scan()
	d.diagnoseRecords(candidates, &report)
	d.diagnoseControlFiles(candidates, &report)
	d.diagnoseStore(&report)

	if apply {
		d.applyRepairs(&report)
	}

	report.OverallStatus = "ok"
	for _, f := range report.Findings {
		switch f.Severity {
		case "error":
			report.OverallStatus = "error"
		case "warn":
			if report.OverallStatus != "error" {
				report.OverallStatus = "warn"
			}
		}
	}
	return report
}

// scan reads and classifies every known record location.
func (d *Doctor) scan() []Candidate {
	paths := append([]string{RecordPath(d.ControlRoot)}, d.LegacyRecordPaths...)
	var out []Candidate
	seen := make(map[string]bool)
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		c := Candidate{Path: path, Root: d.classifyRoot(path)}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			c.Class = ClassMissing
			out = append(out, c)
			continue
		}
		rec, err := ReadRecord(path)
		if err != nil {
			c.Class = ClassUnreadable
			out = append(out, c)
			continue
		}
		c.Record = &rec
		if d.Prober.Alive(rec.PID) && VerifyIdentity(d.Prober, rec.PID, rec.Command) {
			c.Class = ClassLive
		} else {
			c.Class = ClassStale
		}
		out = append(out, c)
	}
	return out
}

func (d *Doctor) classifyRoot(path string) string {
	if path == RecordPath(d.ControlRoot) {
		return RootCanonical
	}
	if strings.HasPrefix(path, os.TempDir()+string(filepath.Separator)) ||
		strings.HasPrefix(path, "/tmp/") {
		return RootUnsafeTmp
	}
	for _, legacy := range d.LegacyRecordPaths {
		if path == legacy {
			return RootManagedLegacy
		}
	}
	return RootUnknown
}

func (d *Doctor) diagnoseRecords(candidates []Candidate, report *Report) {
	var live []Candidate
	canonicalExists := false
	for _, c := range candidates {
		switch c.Class {
		case ClassLive:
			live = append(live, c)
		case ClassStale:
			report.Findings = append(report.Findings, Finding{
				Code:     FindingStaleRecord,
				Severity: "warn",
				Message:  fmt.Sprintf("daemon record for pid %d is not live", c.Record.PID),
				Path:     c.Path,
			})
			report.RecommendedRepairs = append(report.RecommendedRepairs, Repair{
				Code: RepairQuarantineStale,
				Path: c.Path,
			})
		case ClassUnreadable:
			report.Findings = append(report.Findings, Finding{
				Code:     FindingCorruptRecord,
				Severity: "warn",
				Message:  "daemon record cannot be parsed",
				Path:     c.Path,
			})
			report.RecommendedRepairs = append(report.RecommendedRepairs, Repair{
				Code: RepairQuarantineCorrupt,
				Path: c.Path,
			})
		}
		if c.Root == RootCanonical && c.Class != ClassMissing {
			canonicalExists = true
		}
	}

	// A canonical record that points outside its own control root is not
	// trustworthy even when live.
	for _, c := range live {
		if c.Root == RootCanonical && c.Record.ControlRoot != d.ControlRoot {
			report.Findings = append(report.Findings, Finding{
				Code:     FindingUnsafeRecord,
				Severity: "warn",
				Message:  fmt.Sprintf("canonical record points at foreign control root %s", c.Record.ControlRoot),
				Path:     c.Path,
			})
			report.RecommendedRepairs = append(report.RecommendedRepairs, Repair{
				Code: RepairQuarantineUnsafe,
				Path: c.Path,
			})
		}
	}

	groups := groupLive(live)
	conflict := len(groups) >= 2
	if conflict {
		var ids []string
		for key := range groups {
			ids = append(ids, key)
		}
		sort.Strings(ids)
		report.Findings = append(report.Findings, Finding{
			Code:     FindingDistinctLiveIdentities,
			Severity: "error",
			Message:  fmt.Sprintf("multiple live daemons detected: %s", strings.Join(ids, ", ")),
		})
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		rep := representative(group)
		report.Findings = append(report.Findings, Finding{
			Code:     FindingDuplicateLiveRecords,
			Severity: "warn",
			Message: fmt.Sprintf("%d live records for daemon %s pid %d, keeping %s",
				len(group), rep.Record.DaemonID, rep.Record.PID, rep.Path),
		})
		for _, c := range group {
			if c.Path == rep.Path {
				continue
			}
			report.RecommendedRepairs = append(report.RecommendedRepairs, Repair{
				Code:   RepairQuarantineDuplicate,
				Path:   c.Path,
				Detail: "kept " + rep.Path,
			})
		}
	}

	// Promote a lone live legacy record when nothing canonical exists, it
	// references the canonical control root, and there is no identity
	// conflict.
	if !canonicalExists && !conflict && len(live) == 1 {
		c := live[0]
		if c.Root == RootManagedLegacy && c.Record.ControlRoot == d.ControlRoot {
			report.RecommendedRepairs = append(report.RecommendedRepairs, Repair{
				Code:   RepairPromoteLegacy,
				Path:   c.Path,
				Detail: "promote to " + RecordPath(d.ControlRoot),
			})
		}
	}
}

func (d *Doctor) diagnoseControlFiles(candidates []Candidate, report *Report) {
	canonical, err := ReadControl(ControlPath(d.ControlRoot))
	if err != nil {
		return
	}

	referenced := make(map[string]bool)
	for _, c := range candidates {
		if c.Class == ClassLive {
			referenced[c.Record.ControlFilePath] = true
		}
	}

	for _, path := range d.LegacyControlPaths {
		if path == ControlPath(d.ControlRoot) || referenced[path] {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		legacy, err := ReadControl(path)
		if err != nil {
			continue
		}
		if !sameShape(legacy, canonical) {
			continue
		}
		report.Findings = append(report.Findings, Finding{
			Code:     FindingLegacyControlFile,
			Severity: "warn",
			Message:  "legacy control file duplicates the canonical one",
			Path:     path,
		})
		report.RecommendedRepairs = append(report.RecommendedRepairs, Repair{
			Code: RepairQuarantineControl,
			Path: path,
		})
	}
}

func (d *Doctor) diagnoseStore(report *Report) {
	if d.StatePath == "" {
		return
	}
	if _, err := os.Stat(d.StatePath); err != nil {
		return
	}
	version, capability, err := store.Probe(d.StatePath)
	if err != nil {
		report.Findings = append(report.Findings, Finding{
			Code:     FindingStoreCapability,
			Severity: "warn",
			Message:  fmt.Sprintf("state database unreadable: %v", err),
			Path:     d.StatePath,
		})
		return
	}
	if capability != store.CapReadWrite {
		report.Findings = append(report.Findings, Finding{
			Code:     FindingStoreCapability,
			Severity: "error",
			Message:  fmt.Sprintf("state database schema %d is %s", version, capability),
			Path:     d.StatePath,
		})
	}
}

func (d *Doctor) applyRepairs(report *Report) {
	iso := d.Now().UTC().Format("20060102T150405Z")
	for _, r := range report.RecommendedRepairs {
		var err error
		switch r.Code {
		case RepairQuarantineStale:
			err = quarantine(r.Path, staleSuffix(r.Path, iso))
		case RepairQuarantineCorrupt, RepairQuarantineUnsafe:
			err = quarantine(r.Path, ".corrupt-"+iso)
		case RepairQuarantineDuplicate:
			err = quarantine(r.Path, duplicateSuffix(r.Path, iso))
		case RepairQuarantineControl:
			err = quarantine(r.Path, ".legacy-"+iso)
		case RepairPromoteLegacy:
			err = d.promoteLegacy(r.Path, iso)
		default:
			continue
		}
		if err != nil {
			report.Findings = append(report.Findings, Finding{
				Code:     r.Code + "_FAILED",
				Severity: "warn",
				Message:  err.Error(),
				Path:     r.Path,
			})
			continue
		}
		report.AppliedRepairs = append(report.AppliedRepairs, r)
	}
}

func (d *Doctor) promoteLegacy(path, iso string) error {
	rec, err := ReadRecord(path)
	if err != nil {
		return fmt.Errorf("reading legacy record: %w", err)
	}
	if err := WriteRecord(RecordPath(d.ControlRoot), rec); err != nil {
		return fmt.Errorf("writing canonical record: %w", err)
	}
	return quarantine(path, ".legacy-"+iso)
}

func quarantine(path, suffix string) error {
	if err := os.Rename(path, path+suffix); err != nil {
		return fmt.Errorf("quarantining %s: %w", path, err)
	}
	return nil
}

func staleSuffix(path, iso string) string {
	pid := 0
	if rec, err := ReadRecord(path); err == nil {
		pid = rec.PID
	}
	return fmt.Sprintf(".stale-%s-%d", iso, pid)
}

func duplicateSuffix(path, iso string) string {
	pid := 0
	if rec, err := ReadRecord(path); err == nil {
		pid = rec.PID
	}
	return fmt.Sprintf(".duplicate-%s-%d", iso, pid)
}

// groupLive buckets live candidates by identity.
func groupLive(live []Candidate) map[string][]Candidate {
	groups := make(map[string][]Candidate)
	for _, c := range live {
		key := fmt.Sprintf("%s/%d", c.Record.DaemonID, c.Record.PID)
		groups[key] = append(groups[key], c)
	}
	return groups
}

// representative picks the candidate to keep out of a duplicate group:
// canonical wins, then newest parseable startedAt, then smallest path.
func representative(group []Candidate) Candidate {
	for _, c := range group {
		if c.Root == RootCanonical {
			return c
		}
	}
	best := group[0]
	bestStarted := store.ParseTime(best.Record.StartedAt)
	for _, c := range group[1:] {
		started := store.ParseTime(c.Record.StartedAt)
		switch {
		case started.After(bestStarted):
			best, bestStarted = c, started
		case started.Equal(bestStarted) && c.Path < best.Path:
			best = c
		}
	}
	return best
}
