package scheduler

import (
	"strings"
	"time"

	"github.com/uesteibar/ralphd/internal/github"
)

// Class buckets a failure into the scheduler's reaction.
type Class string

const (
	// ClassAuth is non-retriable: the task goes to blocked(auth).
	ClassAuth Class = "auth"
	// ClassRateLimit throttles the task until the resume time.
	ClassRateLimit Class = "rate-limit"
	// ClassTransient is retried with backoff.
	ClassTransient Class = "transient"
	// ClassUnknown escalates after the retry budget.
	ClassUnknown Class = "unknown"
)

// Classification is the verdict for one failure.
type Classification struct {
	Class    Class
	ResumeAt time.Time
}

// Classify buckets an error. Typed GitHub errors decide directly; anything
// else falls back to text matching, the same rules applied to agent output.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: ClassUnknown}
	}
	if apiErr, ok := github.AsAPIError(err); ok {
		switch apiErr.Code {
		case github.CodeAuth, github.CodePolicy:
			return Classification{Class: ClassAuth}
		case github.CodeRateLimit:
			c := Classification{Class: ClassRateLimit, ResumeAt: apiErr.ResumeAt}
			if plan := github.PlanFromError(err); plan != nil {
				c.ResumeAt = plan.ResumeAt
			}
			return c
		case github.CodeNetwork, github.CodeServer, github.CodeTransient:
			return Classification{Class: ClassTransient}
		case github.CodeNotFound, github.CodeValidation, github.CodeUnknown:
			return Classification{Class: ClassUnknown}
		}
	}
	return Classification{Class: ClassifyText(err.Error())}
}

// ClassifyText buckets free-form failure text (agent output, subprocess
// stderr, PR-create responses).
func ClassifyText(text string) Class {
	t := strings.ToLower(text)

	switch {
	case strings.Contains(t, "secondary rate limit"),
		strings.Contains(t, "rate limit exceeded"),
		strings.Contains(t, "api rate limit"):
		return ClassRateLimit
	case strings.Contains(t, "permission denied"),
		strings.Contains(t, "bad credentials"),
		strings.Contains(t, "401"),
		strings.Contains(t, "must have admin rights"),
		strings.Contains(t, "resource not accessible"):
		return ClassAuth
	case strings.Contains(t, "429"),
		strings.Contains(t, "502"),
		strings.Contains(t, "503"),
		strings.Contains(t, "504"),
		strings.Contains(t, "timeout"),
		strings.Contains(t, "timed out"),
		strings.Contains(t, "econnreset"),
		strings.Contains(t, "connection reset"),
		strings.Contains(t, "temporary failure"):
		return ClassTransient
	}

	// A bare 403 is auth only when the body does not smell like throttling;
	// the rate-limit branches above already caught those.
	if strings.Contains(t, "403") || strings.Contains(t, "forbidden") {
		return ClassAuth
	}
	return ClassUnknown
}
