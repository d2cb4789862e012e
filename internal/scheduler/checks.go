package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/github"
)

// CheckPoller produces the delay between required-status-check polls. The
// delay grows geometrically while the check set looks the same and snaps
// back to base the moment its signature changes.
type CheckPoller struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64

	delay time.Duration
	sig   string
}

// NewCheckPoller builds a poller with the shared constants.
func NewCheckPoller() *CheckPoller {
	return &CheckPoller{
		Base:       config.CheckPollBase,
		Max:        config.CheckPollMax,
		Multiplier: config.CheckPollMultiplier,
	}
}

// Next returns the delay before the next poll given the current signature.
func (p *CheckPoller) Next(signature string) time.Duration {
	if p.delay == 0 || signature != p.sig {
		p.sig = signature
		p.delay = p.Base
		return p.delay
	}
	p.delay = time.Duration(float64(p.delay) * p.Multiplier)
	if p.delay > p.Max {
		p.delay = p.Max
	}
	return p.delay
}

// CheckSignature fingerprints a check-run set: names, statuses, and
// conclusions, order-independent.
func CheckSignature(runs []github.CheckRun) string {
	parts := make([]string, 0, len(runs))
	for _, r := range runs {
		parts = append(parts, fmt.Sprintf("%s|%s|%s", r.Name, r.Status, r.Conclusion))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:8])
}

// ChecksFinal reports whether every check run has completed.
func ChecksFinal(runs []github.CheckRun) bool {
	for _, r := range runs {
		if r.Status != "completed" {
			return false
		}
	}
	return len(runs) > 0
}
