package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jonathan/financial-analyzer/internal/schemas"
)

// Result is a successful Reasoning Service response. Exactly one of Value
// (schema-valid JSON) or Raw (output that was not JSON at all) is meaningful.
type Result struct {
	Value json.RawMessage
	Raw   string
}

// IsRaw reports whether the model answered with unstructured text.
func (r *Result) IsRaw() bool {
	return r.Value == nil
}

// JSON returns the value for storage: the typed object, or the raw text encoded as a JSON string.
func (r *Result) JSON() json.RawMessage {
	if r.Value != nil {
		return r.Value
	}
	b, _ := json.Marshal(r.Raw)
	return b
}

// ReasoningService produces a value conforming to schema for the given prompt,
// or fails with ErrServiceFailure, ErrSchemaMismatch or ErrTimeout.
type ReasoningService interface {
	Invoke(ctx context.Context, prompt, schema string) (*Result, error)
}

// InvokeFunc adapts a function to the ReasoningService interface.
type InvokeFunc func(ctx context.Context, prompt, schema string) (*Result, error)

// Invoke calls f.
func (f InvokeFunc) Invoke(ctx context.Context, prompt, schema string) (*Result, error) {
	return f(ctx, prompt, schema)
}

// Reasoner is the ReasoningService backed by a model Client. It bounds each
// call with a timeout, retries transient failures with exponential backoff,
// and validates structured output against the stage schema.
type Reasoner struct {
	client  Client
	config  *Config
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewReasoner creates a Reasoner over client.
func NewReasoner(client Client, config *Config, logger zerolog.Logger) *Reasoner {
	if config == nil {
		config = DefaultConfig()
	}
	r := &Reasoner{
		client: client,
		config: config,
		logger: logger,
	}
	if config.RequestsPerMinute > 0 {
		r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), config.RequestsPerMinute)
	}
	return r
}

// Invoke implements ReasoningService.
func (r *Reasoner) Invoke(ctx context.Context, prompt, schema string) (*Result, error) {
	attempts := r.config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	text, err := backoff.Retry(ctx, func() (string, error) {
		out, err := r.call(ctx, prompt)
		if err == nil {
			return out, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return "", err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn().Err(err).Dur("retry_in", next).Msg("model call failed, retrying")
		}),
	)
	if err != nil {
		return nil, Classify(err)
	}

	return ParseOutput(text, schema)
}

func (r *Reasoner) call(ctx context.Context, prompt string) (string, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", Classify(ctx.Err())
			}
			// The next slot is past the caller's deadline.
			return "", fmt.Errorf("%w: failed to wait for rate limiter: %w", ErrTimeout, err)
		}
	}

	callCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	out, err := r.client.GenerateJSON(callCtx, prompt)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: model call exceeded %s: %w", ErrTimeout, r.config.Timeout, err)
		}
		return "", Classify(err)
	}
	return out, nil
}

func (r *Reasoner) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.config.InitialBackoff > 0 {
		b.InitialInterval = r.config.InitialBackoff
	}
	b.MaxInterval = 30 * time.Second
	return b
}

// ParseOutput turns model text into a Result. Output that is not JSON is kept
// as raw text; JSON that violates schema is ErrSchemaMismatch.
func ParseOutput(text, schema string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrServiceFailure)
	}

	cleaned := CleanJSONBlock(text)
	if !json.Valid([]byte(cleaned)) {
		return &Result{Raw: strings.TrimSpace(text)}, nil
	}

	if schema != "" {
		if err := schemas.ValidateJSONString(schema, cleaned); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
		}
	}

	return &Result{Value: json.RawMessage(cleaned)}, nil
}
