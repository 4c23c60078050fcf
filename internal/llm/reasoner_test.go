package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
	"type": "object",
	"required": ["is_financial_document"],
	"properties": {"is_financial_document": {"type": "boolean"}}
}`

type reply struct {
	text string
	err  error
	wait bool // block until the call context is done
}

// scriptedClient returns replies in order and records how many calls it saw.
type scriptedClient struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

func (c *scriptedClient) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	c.mu.Unlock()

	if i >= len(c.replies) {
		return "", errors.New("no more replies")
	}
	r := c.replies[i]
	if r.wait {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.text, r.err
}

func (c *scriptedClient) Model() string { return "scripted" }
func (c *scriptedClient) Close() error  { return nil }

func (c *scriptedClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testConfig() *Config {
	return &Config{
		Provider:       ProviderGemini,
		Model:          "scripted",
		Timeout:        50 * time.Millisecond,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}
}

func TestReasoner_StructuredResult(t *testing.T) {
	client := &scriptedClient{replies: []reply{{text: "```json\n{\"is_financial_document\": true}\n```"}}}
	r := NewReasoner(client, testConfig(), zerolog.Nop())

	res, err := r.Invoke(context.Background(), "prompt", testSchema)
	require.NoError(t, err)
	assert.False(t, res.IsRaw())
	assert.JSONEq(t, `{"is_financial_document": true}`, string(res.JSON()))

	assert.Empty(t, res.Raw)
}

func TestReasoner_RawTextResult(t *testing.T) {
	client := &scriptedClient{replies: []reply{{text: "This looks like a quarterly report."}}}
	r := NewReasoner(client, testConfig(), zerolog.Nop())

	res, err := r.Invoke(context.Background(), "prompt", testSchema)
	require.NoError(t, err)
	assert.True(t, res.IsRaw())
	assert.Equal(t, "This looks like a quarterly report.", res.Raw)
	assert.JSONEq(t, `"This looks like a quarterly report."`, string(res.JSON()))
	assert.Nil(t, res.Value)
}

func TestReasoner_SchemaMismatch(t *testing.T) {
	client := &scriptedClient{replies: []reply{{text: `{"is_financial_document": "maybe"}`}}}
	r := NewReasoner(client, testConfig(), zerolog.Nop())

	res, err := r.Invoke(context.Background(), "prompt", testSchema)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Equal(t, 1, client.count(), "schema mismatch is not retried")
}

func TestReasoner_RetriesTransientFailures(t *testing.T) {
	client := &scriptedClient{replies: []reply{
		{err: errors.New("503 unavailable")},
		{err: errors.New("429 too many requests")},
		{text: `{"is_financial_document": false}`},
	}}
	r := NewReasoner(client, testConfig(), zerolog.Nop())

	res, err := r.Invoke(context.Background(), "prompt", testSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"is_financial_document": false}`, string(res.JSON()))
	assert.Equal(t, 3, client.count())
}

func TestReasoner_GivesUpAfterMaxAttempts(t *testing.T) {
	client := &scriptedClient{replies: []reply{
		{err: errors.New("boom 1")},
		{err: errors.New("boom 2")},
		{err: errors.New("boom 3")},
		{text: `{"is_financial_document": true}`},
	}}
	r := NewReasoner(client, testConfig(), zerolog.Nop())

	_, err := r.Invoke(context.Background(), "prompt", testSchema)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceFailure)
	assert.Contains(t, err.Error(), "boom 3")
	assert.Equal(t, 3, client.count())
}

func TestReasoner_TimeoutIsNotRetried(t *testing.T) {
	client := &scriptedClient{replies: []reply{
		{wait: true},
		{text: `{"is_financial_document": true}`},
	}}
	r := NewReasoner(client, testConfig(), zerolog.Nop())

	_, err := r.Invoke(context.Background(), "prompt", testSchema)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrServiceFailure)
	assert.Equal(t, 1, client.count())
}

func TestReasoner_CanceledContext(t *testing.T) {
	client := &scriptedClient{replies: []reply{{wait: true}, {wait: true}}}
	cfg := testConfig()
	cfg.Timeout = time.Minute
	r := NewReasoner(client, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := r.Invoke(ctx, "prompt", testSchema)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, client.count())
}

func TestReasoner_RateLimited(t *testing.T) {
	client := &scriptedClient{replies: []reply{
		{text: `{"is_financial_document": true}`},
		{text: `{"is_financial_document": true}`},
	}}
	cfg := testConfig()
	cfg.RequestsPerMinute = 1
	r := NewReasoner(client, cfg, zerolog.Nop())

	_, err := r.Invoke(context.Background(), "prompt", testSchema)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Invoke(ctx, "prompt", testSchema)
	require.Error(t, err, "second call must wait for the limiter")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, client.count())
}

func TestInvokeFunc(t *testing.T) {
	var svc ReasoningService = InvokeFunc(func(ctx context.Context, prompt, schema string) (*Result, error) {
		return &Result{Raw: prompt}, nil
	})

	res, err := svc.Invoke(context.Background(), "echo", "")
	require.NoError(t, err)
	assert.Equal(t, "echo", res.Raw)
}

func TestParseOutput(t *testing.T) {
	t.Run("empty response is a service failure", func(t *testing.T) {
		_, err := ParseOutput("   ", testSchema)
		assert.ErrorIs(t, err, ErrServiceFailure)
	})

	t.Run("preamble before JSON", func(t *testing.T) {
		res, err := ParseOutput("Here is the result:\n{\"is_financial_document\": true}", testSchema)
		require.NoError(t, err)
		assert.False(t, res.IsRaw())
	})

	t.Run("no schema skips validation", func(t *testing.T) {
		res, err := ParseOutput(`{"anything": 1}`, "")
		require.NoError(t, err)
		assert.JSONEq(t, `{"anything": 1}`, string(res.Value))
	})
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil))
	assert.ErrorIs(t, Classify(context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, Classify(errors.New("x")), ErrServiceFailure)

	already := Classify(errors.New("x"))
	assert.Same(t, already, Classify(already))
}
