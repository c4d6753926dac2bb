package queue

import (
	"context"
	"errors"
	"os"
	"strings"

	"engram/internal/types"
)

// Classification is the result of mapping an arbitrary failure onto the
// retry taxonomy: a category, a stable reason string stored with the job,
// and a recommended retry budget for transient failures.
type Classification struct {
	Category           types.ErrorCategory
	Reason             string
	RecommendedRetries int
}

// ShouldRetry reports whether the category allows another attempt.
// Unknown failures get exactly one retry.
func (c Classification) ShouldRetry(retryCount int) bool {
	switch c.Category {
	case types.ErrTransient:
		return true
	case types.ErrUnknown:
		return retryCount < 1
	default:
		return false
	}
}

// Classify maps an error to its category by inspecting the error chain
// and, failing that, the message text. Typed *types.Error values pass
// their classification through unchanged.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: types.ErrUnknown, Reason: types.ReasonUnknown, RecommendedRetries: 1}
	}

	var typed *types.Error
	if errors.As(err, &typed) {
		return Classification{
			Category:           typed.Kind,
			Reason:             typed.Reason,
			RecommendedRetries: recommendedRetries(typed.Kind, typed.Reason),
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return Classification{Category: types.ErrPermanent, Reason: types.ReasonFileNotFound}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: types.ErrTransient, Reason: types.ReasonTimeout, RecommendedRetries: 3}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "enoent"):
		return Classification{Category: types.ErrPermanent, Reason: types.ReasonFileNotFound}
	case strings.Contains(msg, "malformed session header"), strings.Contains(msg, "invalid session"):
		return Classification{Category: types.ErrPermanent, Reason: types.ReasonInvalidSession}
	case strings.Contains(msg, "missing required skill"):
		return Classification{Category: types.ErrPermanent, Reason: types.ReasonMissingSkill}
	case strings.Contains(msg, "validation"), strings.Contains(msg, "schema"):
		return Classification{Category: types.ErrPermanent, Reason: types.ReasonValidation}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "etimedout"):
		return Classification{Category: types.ErrTransient, Reason: types.ReasonTimeout, RecommendedRetries: 3}
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"):
		return Classification{Category: types.ErrTransient, Reason: types.ReasonRateLimit, RecommendedRetries: 5}
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "econnreset"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "network"), strings.Contains(msg, "unexpected eof"):
		return Classification{Category: types.ErrTransient, Reason: types.ReasonNetwork, RecommendedRetries: 3}
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "busy"):
		return Classification{Category: types.ErrTransient, Reason: types.ReasonDatabaseBusy, RecommendedRetries: 5}
	}

	return Classification{Category: types.ErrUnknown, Reason: types.ReasonUnknown, RecommendedRetries: 1}
}

func recommendedRetries(kind types.ErrorCategory, reason string) int {
	if kind != types.ErrTransient {
		if kind == types.ErrUnknown {
			return 1
		}
		return 0
	}
	switch reason {
	case types.ReasonRateLimit, types.ReasonDatabaseBusy:
		return 5
	default:
		return 3
	}
}

// JobError converts a classification + error into the persisted form.
func (c Classification) JobError(err error) *types.JobError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &types.JobError{Category: c.Category, Reason: c.Reason, Message: msg}
}
