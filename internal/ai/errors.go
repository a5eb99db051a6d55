package ai

import (
	"context"
	"errors"
	"fmt"
)

// ProviderError wraps a failure from an external embedding or LLM provider.
// The pipeline treats these as transient: bounded retries with backoff
// before the document is marked failed.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried. Provider failures and
// timeouts qualify; everything else is terminal for the current attempt.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
