package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"engram/internal/types"
)

func TestClassifyCanonicalPatterns(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		category types.ErrorCategory
		reason   string
	}{
		{"enoent", os.ErrNotExist, types.ErrPermanent, types.ReasonFileNotFound},
		{"wrapped enoent", fmt.Errorf("open s.jsonl: %w", os.ErrNotExist), types.ErrPermanent, types.ReasonFileNotFound},
		{"message enoent", errors.New("stat: no such file or directory"), types.ErrPermanent, types.ReasonFileNotFound},
		{"deadline", context.DeadlineExceeded, types.ErrTransient, types.ReasonTimeout},
		{"etimedout", errors.New("dial tcp: ETIMEDOUT"), types.ErrTransient, types.ReasonTimeout},
		{"http 429", errors.New("server returned 429 Too Many Requests"), types.ErrTransient, types.ReasonRateLimit},
		{"rate limit text", errors.New("rate limit exceeded, slow down"), types.ErrTransient, types.ReasonRateLimit},
		{"conn refused", errors.New("connect: connection refused"), types.ErrTransient, types.ReasonNetwork},
		{"db busy", errors.New("database is locked"), types.ErrTransient, types.ReasonDatabaseBusy},
		{"bad header", errors.New("malformed session header in s.jsonl: unexpected end"), types.ErrPermanent, types.ReasonInvalidSession},
		{"missing skill", errors.New(`missing required skill "deep-read" in /skills`), types.ErrPermanent, types.ReasonMissingSkill},
		{"mystery", errors.New("something odd happened"), types.ErrUnknown, types.ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Classification is stable: same input, same result.
			first := Classify(tc.err)
			second := Classify(tc.err)
			if first != second {
				t.Fatalf("Classification not stable: %+v vs %+v", first, second)
			}
			if first.Category != tc.category {
				t.Errorf("Expected category %s, got %s", tc.category, first.Category)
			}
			if first.Reason != tc.reason {
				t.Errorf("Expected reason %s, got %s", tc.reason, first.Reason)
			}
		})
	}
}

func TestClassifyTypedErrorPassthrough(t *testing.T) {
	typed := types.Permanent(types.ReasonValidation, errors.New("bad payload"))
	cls := Classify(fmt.Errorf("processing: %w", typed))
	if cls.Category != types.ErrPermanent || cls.Reason != types.ReasonValidation {
		t.Errorf("Typed error should pass through: %+v", cls)
	}
}

func TestShouldRetry(t *testing.T) {
	transient := Classification{Category: types.ErrTransient}
	if !transient.ShouldRetry(5) {
		t.Error("Transient failures always retry (queue enforces the budget)")
	}

	permanent := Classification{Category: types.ErrPermanent}
	if permanent.ShouldRetry(0) {
		t.Error("Permanent failures never retry")
	}

	unknown := Classification{Category: types.ErrUnknown}
	if !unknown.ShouldRetry(0) {
		t.Error("Unknown failures retry once")
	}
	if unknown.ShouldRetry(1) {
		t.Error("Unknown failures retry only once")
	}
}

func TestJobErrorTruncationSource(t *testing.T) {
	cls := Classify(errors.New("rate limit"))
	jobErr := cls.JobError(errors.New("rate limit hit on attempt 3"))
	if jobErr.Category != types.ErrTransient || jobErr.Message == "" {
		t.Errorf("Unexpected job error: %+v", jobErr)
	}
}
