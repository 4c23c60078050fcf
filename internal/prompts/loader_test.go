package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetCache() {
	cacheMu.Lock()
	cache = make(map[string]map[string]string)
	cacheMu.Unlock()
}

func TestGet_ValidPrompt(t *testing.T) {
	resetCache()

	prompt, err := Get("stages.json", "verification-task")
	require.NoError(t, err)
	assert.Contains(t, prompt, "legitimate financial document")
}

func TestGet_InvalidFile(t *testing.T) {
	resetCache()

	_, err := Get("nonexistent.json", "some-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read prompt file")
}

func TestGet_InvalidKey(t *testing.T) {
	resetCache()

	_, err := Get("stages.json", "nonexistent-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMustGet_Panics(t *testing.T) {
	resetCache()

	assert.Panics(t, func() {
		MustGet("nonexistent.json", "some-key")
	})
}

func TestStagePrompts_Complete(t *testing.T) {
	resetCache()

	for _, stage := range []string{"verification", "financial_analysis", "investment_analysis", "risk_assessment"} {
		for _, part := range []string{"role", "backstory", "task", "expected"} {
			key := stage + "-" + part
			t.Run(key, func(t *testing.T) {
				prompt, err := Get("stages.json", key)
				require.NoError(t, err)
				assert.NotEmpty(t, prompt)
			})
		}
	}
}

func TestEnvelope_HasAllPlaceholders(t *testing.T) {
	envelope := MustGet("stages.json", "envelope")
	for _, key := range []string{"Role", "Backstory", "Task", "ExpectedOutput", "Query", "Context", "Document", "Schema"} {
		assert.Contains(t, envelope, "{{."+key+"}}")
	}
}

func TestFormat(t *testing.T) {
	template := "Hello {{.Name}}, welcome to {{.Company}}!"
	data := map[string]string{
		"Name":    "Alice",
		"Company": "Acme Corp",
	}

	result := Format(template, data)
	assert.Equal(t, "Hello Alice, welcome to Acme Corp!", result)
}

func TestFormat_SinglePass(t *testing.T) {
	template := "Doc: {{.Document}} Query: {{.Query}}"
	data := map[string]string{
		"Document": "literal {{.Query}} in text",
		"Query":    "Assess liquidity",
	}

	result := Format(template, data)
	assert.Equal(t, "Doc: literal {{.Query}} in text Query: Assess liquidity", result)
}

func TestFormat_NoPlaceholders(t *testing.T) {
	template := "No placeholders here"
	result := Format(template, map[string]string{"Key": "Value"})
	assert.Equal(t, template, result)
}

func TestFormat_EmptyData(t *testing.T) {
	template := "Hello {{.Name}}"
	result := Format(template, map[string]string{})
	assert.Equal(t, template, result) // Placeholder remains
}

func TestCaching(t *testing.T) {
	resetCache()

	prompt1, err := Get("stages.json", "envelope")
	require.NoError(t, err)

	prompt2, err := Get("stages.json", "envelope")
	require.NoError(t, err)

	assert.Equal(t, prompt1, prompt2)
}
