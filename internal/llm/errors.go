package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
)

// Reasoning Service failure kinds. Every error returned by Invoke wraps exactly one of them.
var (
	ErrServiceFailure = errors.New("reasoning service failure")
	ErrSchemaMismatch = errors.New("reasoning service output does not match schema")
	ErrTimeout        = errors.New("reasoning service timed out")
)

// Classify wraps err with the failure kind it represents. Errors that
// already carry a kind are returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrServiceFailure), errors.Is(err, ErrSchemaMismatch), errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrServiceFailure, err)
	}
}

// retryable reports whether a classified error is worth another attempt.
// Timeouts, content blocks and caller cancellation are final.
func retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrSchemaMismatch) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var blocked *genai.BlockedError
	return !errors.As(err, &blocked)
}
