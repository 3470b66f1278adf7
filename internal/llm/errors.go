package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTimeout marks a model call that exceeded its deadline. Callers treat
// it as recoverable and may retry.
var ErrTimeout = errors.New("llm request timed out")

// ProviderError is a non-2xx response from the model API. Recoverable in
// the same sense as ErrTimeout: the caller retries and then escalates.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRecoverable reports whether err is a transient model failure that
// warrants a retry (timeout or provider-side error).
func IsRecoverable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe)
}

// classifyTransportErr maps transport failures onto the typed taxonomy.
// Deadline and net timeouts become ErrTimeout, everything else becomes a
// ProviderError with no status code.
func classifyTransportErr(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &ProviderError{Provider: provider, Message: err.Error()}
}
