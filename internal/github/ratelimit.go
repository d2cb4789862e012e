package github

import (
	"regexp"
	"time"
)

// RateLimitPlan tells the scheduler when work against GitHub may resume.
type RateLimitPlan struct {
	ResumeAt time.Time
	Snapshot RateLimitSnapshot
}

// RateLimitSnapshot is stored alongside throttled tasks for diagnostics.
type RateLimitSnapshot struct {
	Kind    string `json:"kind"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Embedded secondary-limit timestamps look like
// "timestamp 2026-01-31 19:49:07 UTC" inside the response body.
var embeddedTimestampRe = regexp.MustCompile(`timestamp (\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) UTC`)

// PlanFromError derives a rate-limit plan from an error. Returns nil when
// the error is not a rate-limit event: a plain 403 yields no plan.
func PlanFromError(err error) *RateLimitPlan {
	apiErr, ok := AsAPIError(err)
	if !ok {
		apiErr = Classify(err)
	}
	if apiErr.Code != CodeRateLimit {
		return nil
	}

	resumeAt := apiErr.ResumeAt
	if resumeAt.IsZero() {
		resumeAt = resumeFromBody(apiErr.ResponseText)
	}
	if resumeAt.IsZero() {
		resumeAt = resumeFromBody(apiErr.Message)
	}
	if resumeAt.IsZero() {
		return nil
	}

	return &RateLimitPlan{
		ResumeAt: resumeAt,
		Snapshot: RateLimitSnapshot{
			Kind:    "github-rate-limit",
			Status:  apiErr.Status,
			Message: apiErr.Message,
		},
	}
}

// resumeFromBody parses the secondary-limit timestamp GitHub embeds in some
// 403 bodies. Returns the zero time when absent.
func resumeFromBody(body string) time.Time {
	m := embeddedTimestampRe.FindStringSubmatch(body)
	if m == nil {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02 15:04:05", m[1])
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
