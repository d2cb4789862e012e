package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/uesteibar/ralphd/internal/retry"
)

// Code classifies an APIError for retry and scheduling decisions.
type Code string

const (
	CodeRateLimit  Code = "rate_limit"
	CodeAuth       Code = "auth"
	CodeNotFound   Code = "not_found"
	CodeValidation Code = "validation"
	CodeNetwork    Code = "network"
	CodeServer     Code = "server"
	CodeTransient  Code = "transient"
	CodePolicy     Code = "policy"
	CodeUnknown    Code = "unknown"
)

// APIError is the typed error every client operation returns on failure.
type APIError struct {
	Code         Code
	Status       int
	RequestID    string
	Message      string
	ResponseText string
	// ResumeAt is set for rate-limit errors when the remote told us when to
	// come back.
	ResumeAt time.Time
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("github %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("github %s: %s", e.Code, e.Message)
}

// AsAPIError unwraps an APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Retryable reports whether the error class is worth retrying in place.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case CodeNetwork, CodeServer, CodeTransient:
		return true
	}
	return false
}

// classifyErr translates transport errors into APIError and marks
// non-retryable classes permanent for the retry combinator.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	apiErr := Classify(err)
	if apiErr.Retryable() {
		return apiErr
	}
	return retry.Permanent(apiErr)
}

// Classify maps any error from the underlying transport to an APIError.
func Classify(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return &APIError{
			Code:     CodeRateLimit,
			Status:   statusOf(rateErr.Response),
			Message:  rateErr.Message,
			ResumeAt: rateErr.Rate.Reset.Time,
		}
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		e := &APIError{
			Code:    CodeRateLimit,
			Status:  statusOf(abuseErr.Response),
			Message: abuseErr.Message,
		}
		if abuseErr.RetryAfter != nil {
			e.ResumeAt = time.Now().Add(*abuseErr.RetryAfter)
		}
		return e
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) {
		e := &APIError{
			Message:      ghErr.Message,
			ResponseText: ghErr.Message,
		}
		if ghErr.Response != nil {
			e.Status = ghErr.Response.StatusCode
			e.RequestID = ghErr.Response.Header.Get("X-Github-Request-Id")
		}
		e.Code = codeForStatus(e.Status, ghErr.Message)
		if e.Code == CodeRateLimit {
			if at := resumeFromBody(ghErr.Message); !at.IsZero() {
				e.ResumeAt = at
			}
		}
		return e
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &APIError{Code: CodeNetwork, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Code: CodeNetwork, Message: err.Error()}
	}

	return &APIError{Code: CodeUnknown, Message: err.Error()}
}

func codeForStatus(status int, body string) Code {
	switch {
	case status == 401:
		return CodeAuth
	case status == 403:
		if isRateLimitBody(body) {
			return CodeRateLimit
		}
		return CodeAuth
	case status == 404:
		return CodeNotFound
	case status == 422:
		return CodeValidation
	case status == 429:
		return CodeRateLimit
	case status >= 500:
		return CodeServer
	case status == 408:
		return CodeTransient
	default:
		return CodeUnknown
	}
}

func isRateLimitBody(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "secondary rate") ||
		strings.Contains(lower, "abuse detection")
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
