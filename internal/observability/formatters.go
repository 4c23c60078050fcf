// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/financial-analyzer/internal/pipeline"
	"github.com/jonathan/financial-analyzer/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stderr; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len([]rune(line)) > boxWidth-4 {
			line = string([]rune(line)[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// writeList appends up to limit items under a heading.
func writeList(sb *strings.Builder, heading string, items []string, limit int) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", heading)
	count := min(len(items), limit)
	for i := 0; i < count; i++ {
		fmt.Fprintf(sb, "  • %s\n", items[i])
	}
	if len(items) > limit {
		fmt.Fprintf(sb, "  ... and %d more\n", len(items)-limit)
	}
}

// PrintRunSummary outputs one line per stage with its outcome and duration.
func (p *Printer) PrintRunSummary(results pipeline.Results) {
	if len(results) == 0 {
		return
	}

	var sb strings.Builder
	failed := 0
	for _, res := range results {
		fmt.Fprintf(&sb, "%-20s %-10s %6.1fs\n", res.Stage, res.Outcome(), res.Duration.Seconds())
		if res.Err != nil {
			failed++
			fmt.Fprintf(&sb, "  error: %v\n", res.Err)
		}
	}
	fmt.Fprintf(&sb, "\n%d of %d stages produced a result", len(results)-failed, len(results))

	p.printBox("PIPELINE RUN", sb.String())
}

// PrintVerification outputs the document verification verdict.
func (p *Printer) PrintVerification(v *types.DocumentVerification) {
	if v == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Financial: %t\n", v.IsFinancialDocument)
	if v.DocumentType != "" {
		fmt.Fprintf(&sb, "Type:      %s\n", v.DocumentType)
	}
	if v.Confidence != "" {
		fmt.Fprintf(&sb, "Confidence: %s\n", v.Confidence)
	}
	writeList(&sb, "Sections found", v.KeySectionsFound, maxItemsToShow)

	p.printBox("DOCUMENT VERIFICATION", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintFinancialAnalysis outputs the answer to the query and the key metrics.
func (p *Printer) PrintFinancialAnalysis(a *types.FinancialAnalysis) {
	if a == nil {
		return
	}

	var sb strings.Builder
	if a.AnswerToQuery != "" {
		fmt.Fprintf(&sb, "Answer: %s\n\n", a.AnswerToQuery)
	}
	writeList(&sb, "Key metrics", a.KeyMetrics, maxItemsToShow)
	writeList(&sb, "Trends", a.Trends, 3)

	p.printBox("FINANCIAL ANALYSIS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintInvestmentAnalysis outputs strengths and weaknesses.
func (p *Printer) PrintInvestmentAnalysis(a *types.InvestmentAnalysis) {
	if a == nil {
		return
	}

	var sb strings.Builder
	writeList(&sb, "Strengths", a.Strengths, 3)
	writeList(&sb, "Weaknesses", a.Weaknesses, 3)
	writeList(&sb, "Key ratios", a.KeyRatios, maxItemsToShow)

	p.printBox("INVESTMENT ANALYSIS", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintRiskAssessment outputs the overall risk level and the main factors.
func (p *Printer) PrintRiskAssessment(r *types.RiskAssessment) {
	if r == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Overall:     %s\n", r.OverallRiskLevel)
	if r.LiquidityRisk != "" {
		fmt.Fprintf(&sb, "Liquidity:   %s\n", r.LiquidityRisk)
	}
	if r.MarketRisk != "" {
		fmt.Fprintf(&sb, "Market:      %s\n", r.MarketRisk)
	}
	if r.OperationalRisk != "" {
		fmt.Fprintf(&sb, "Operational: %s\n", r.OperationalRisk)
	}
	writeList(&sb, "Key risk factors", r.KeyRiskFactors, maxItemsToShow)

	p.printBox("RISK ASSESSMENT", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintResults prints every structured stage result. Raw or failed stages are
// covered by PrintRunSummary only.
func (p *Printer) PrintResults(results pipeline.Results) {
	for _, res := range results {
		if res.Outcome() != pipeline.OutcomeStructured {
			continue
		}
		switch res.Stage {
		case pipeline.StageVerification:
			var v types.DocumentVerification
			if res.Decode(&v) == nil {
				p.PrintVerification(&v)
			}
		case pipeline.StageFinancialAnalysis:
			var a types.FinancialAnalysis
			if res.Decode(&a) == nil {
				p.PrintFinancialAnalysis(&a)
			}
		case pipeline.StageInvestmentAnalysis:
			var a types.InvestmentAnalysis
			if res.Decode(&a) == nil {
				p.PrintInvestmentAnalysis(&a)
			}
		case pipeline.StageRiskAssessment:
			var r types.RiskAssessment
			if res.Decode(&r) == nil {
				p.PrintRiskAssessment(&r)
			}
		}
	}
}
