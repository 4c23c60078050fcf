// Package pipeline runs a financial document through the ordered analysis stages.
package pipeline

import (
	"github.com/jonathan/financial-analyzer/internal/prompts"
	"github.com/jonathan/financial-analyzer/internal/schemas"
)

// Stage names. Each is also the name of the job's result slot.
const (
	StageVerification       = "verification"
	StageFinancialAnalysis  = "financial_analysis"
	StageInvestmentAnalysis = "investment_analysis"
	StageRiskAssessment     = "risk_assessment"
)

const promptFile = "stages.json"

// Stage describes one pipeline step: who performs it, what it asks for,
// the JSON Schema its output must satisfy, and which earlier stages feed it.
type Stage struct {
	Name           string
	Role           string
	Backstory      string
	Task           string // may reference {{.Query}}
	ExpectedOutput string
	Schema         string
	Dependencies   []string
}

// DefaultStages returns the four analysis stages in execution order.
func DefaultStages() []Stage {
	return []Stage{
		newStage(StageVerification),
		newStage(StageFinancialAnalysis, StageVerification),
		newStage(StageInvestmentAnalysis, StageFinancialAnalysis),
		newStage(StageRiskAssessment, StageFinancialAnalysis),
	}
}

// StageNames returns the names of stages in order.
func StageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}

func newStage(name string, deps ...string) Stage {
	return Stage{
		Name:           name,
		Role:           prompts.MustGet(promptFile, name+"-role"),
		Backstory:      prompts.MustGet(promptFile, name+"-backstory"),
		Task:           prompts.MustGet(promptFile, name+"-task"),
		ExpectedOutput: prompts.MustGet(promptFile, name+"-expected"),
		Schema:         schemas.MustGet(name),
		Dependencies:   deps,
	}
}
