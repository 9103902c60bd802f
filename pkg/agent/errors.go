package agent

import (
	"errors"
	"strings"
)

var (
	// ErrModelInvocation is returned when the model capability fails after
	// retries are exhausted. The run ends failed.
	ErrModelInvocation = errors.New("agent: model invocation failed")

	// ErrLoopBoundExceeded is returned when the decide/act alternation
	// reaches the configured iteration bound without a final answer.
	ErrLoopBoundExceeded = errors.New("agent: loop iteration bound exceeded")
)

// IsRetryableError reports whether a model invocation error is worth
// retrying with backoff: transient network failures, rate limits and
// upstream server errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") {
		return true
	}
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}
