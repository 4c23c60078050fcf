package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonathan/financial-analyzer/internal/document"
	"github.com/jonathan/financial-analyzer/internal/llm"
	"github.com/jonathan/financial-analyzer/internal/logging"
	"github.com/jonathan/financial-analyzer/internal/prompts"
)

const tracerName = "github.com/jonathan/financial-analyzer/internal/pipeline"

// Stage outcomes, recorded on spans and logs.
const (
	OutcomeStructured = "structured"
	OutcomeRaw        = "raw"
	OutcomeFailed     = "failed"
)

// StageResult is the outcome of one stage. Value is nil when the stage
// failed; Err then holds the cause.
type StageResult struct {
	Stage    string
	Value    json.RawMessage
	Raw      bool
	Err      error
	Duration time.Duration
}

// Outcome classifies the result.
func (r StageResult) Outcome() string {
	switch {
	case r.Value == nil:
		return OutcomeFailed
	case r.Raw:
		return OutcomeRaw
	default:
		return OutcomeStructured
	}
}

// Decode unmarshals the stage value into v.
func (r StageResult) Decode(v any) error {
	if r.Value == nil {
		return fmt.Errorf("stage %s has no result", r.Stage)
	}
	return json.Unmarshal(r.Value, v)
}

// Results holds stage results in execution order.
type Results []StageResult

// Get returns the result for a stage.
func (r Results) Get(stage string) (StageResult, bool) {
	for _, res := range r {
		if res.Stage == stage {
			return res, true
		}
	}
	return StageResult{}, false
}

// Value returns the stored value for a stage, nil if it failed or did not run.
func (r Results) Value(stage string) json.RawMessage {
	res, _ := r.Get(stage)
	return res.Value
}

// Map returns stage name to value for every stage that ran, with nil for failures.
func (r Results) Map() map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, len(r))
	for _, res := range r {
		m[res.Stage] = res.Value
	}
	return m
}

// StageHook observes each finished stage. A non-nil error aborts the run.
type StageHook func(ctx context.Context, result StageResult) error

// RunContext carries one job's inputs and the results gathered so far.
type RunContext struct {
	DocumentPath string
	Query        string
	Results      Results
	OnStage      StageHook
}

// Engine executes stages strictly in order against a document.
type Engine struct {
	source   document.Source
	reasoner llm.ReasoningService
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewEngine creates an Engine.
func NewEngine(source document.Source, reasoner llm.ReasoningService, logger zerolog.Logger) *Engine {
	return &Engine{
		source:   source,
		reasoner: reasoner,
		logger:   logging.Component(logger, "pipeline"),
		tracer:   otel.Tracer(tracerName),
	}
}

// Run executes stages in the given order, appending each result to rc.Results.
// A stage whose model call fails is recorded with a nil value and the run
// continues. Failing to read the document, a hook error or a cancelled
// context stops the run; the results gathered so far are returned with the error.
func (e *Engine) Run(ctx context.Context, stages []Stage, rc *RunContext) (Results, error) {
	if err := ValidateOrder(stages); err != nil {
		return nil, err
	}

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return rc.Results, fmt.Errorf("pipeline interrupted before stage %s: %w", st.Name, err)
		}

		res, err := e.runStage(ctx, st, rc)
		if err != nil {
			return rc.Results, err
		}
		rc.Results = append(rc.Results, res)

		if rc.OnStage != nil {
			if err := rc.OnStage(ctx, res); err != nil {
				return rc.Results, fmt.Errorf("failed to record stage %s: %w", st.Name, err)
			}
		}
	}

	return rc.Results, nil
}

func (e *Engine) runStage(ctx context.Context, st Stage, rc *RunContext) (StageResult, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(attribute.String("stage.name", st.Name)))
	defer span.End()

	log := e.logger.With().Str(logging.FieldStage, st.Name).Logger()
	start := time.Now()

	text, err := e.source.ExtractText(ctx, rc.DocumentPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "document not readable")
		return StageResult{}, fmt.Errorf("stage %s: failed to read document: %w", st.Name, err)
	}

	prompt := BuildPrompt(st, rc.Query, text, dependencyContext(st, rc.Results))

	result := StageResult{Stage: st.Name}
	out, err := e.reasoner.Invoke(ctx, prompt, st.Schema)
	if err != nil {
		result.Err = err
	} else {
		result.Value = out.JSON()
		result.Raw = out.IsRaw()
	}
	result.Duration = time.Since(start)

	span.SetAttributes(attribute.String("stage.outcome", result.Outcome()))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "stage failed")
		log.Warn().Err(result.Err).Dur("duration", result.Duration).Msg("stage failed, continuing")
	} else {
		log.Info().Str("outcome", result.Outcome()).Dur("duration", result.Duration).Msg("stage finished")
	}

	return result, nil
}

// BuildPrompt binds a stage's templates with the query, document text and dependency context.
func BuildPrompt(st Stage, query, documentText, depContext string) string {
	vars := map[string]string{"Query": query}
	task := prompts.Format(st.Task, vars)

	return prompts.Format(prompts.MustGet(promptFile, "envelope"), map[string]string{
		"Role":           st.Role,
		"Backstory":      st.Backstory,
		"Task":           task,
		"ExpectedOutput": st.ExpectedOutput,
		"Query":          query,
		"Context":        depContext,
		"Document":       documentText,
		"Schema":         st.Schema,
	})
}

// dependencyContext renders the results of st's dependencies. A dependency
// without a value is marked unavailable; the stage still runs.
func dependencyContext(st Stage, results Results) string {
	if len(st.Dependencies) == 0 {
		return prompts.MustGet(promptFile, "context-none")
	}

	var sb strings.Builder
	for _, dep := range st.Dependencies {
		fmt.Fprintf(&sb, "### %s\n", dep)
		if v := results.Value(dep); v != nil {
			sb.Write(v)
		} else {
			sb.WriteString(prompts.MustGet(promptFile, "context-unavailable"))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
