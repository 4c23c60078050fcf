// Package types provides type definitions for structured data used throughout the financial analyzer.
package types

// DocumentVerification is the output of the verification stage.
type DocumentVerification struct {
	IsFinancialDocument bool     `json:"is_financial_document"`
	DocumentType        string   `json:"document_type"`
	Confidence          string   `json:"confidence"` // high / medium / low
	KeySectionsFound    []string `json:"key_sections_found"`
	Notes               string   `json:"notes"`
}

// FinancialAnalysis is the output of the financial analysis stage.
type FinancialAnalysis struct {
	Summary       string   `json:"summary"`
	KeyMetrics    []string `json:"key_metrics"`
	Trends        []string `json:"trends"`
	AnswerToQuery string   `json:"answer_to_query"`
	DataSources   []string `json:"data_sources"`
}

// InvestmentAnalysis is the output of the investment analysis stage.
type InvestmentAnalysis struct {
	Strengths     []string `json:"strengths"`
	Weaknesses    []string `json:"weaknesses"`
	Opportunities []string `json:"opportunities"`
	KeyRatios     []string `json:"key_ratios"`
	Disclaimer    string   `json:"disclaimer"`
}

// RiskAssessment is the output of the risk assessment stage.
type RiskAssessment struct {
	OverallRiskLevel string   `json:"overall_risk_level"` // Low / Medium / High
	LiquidityRisk    string   `json:"liquidity_risk"`
	MarketRisk       string   `json:"market_risk"`
	OperationalRisk  string   `json:"operational_risk"`
	KeyRiskFactors   []string `json:"key_risk_factors"`
	RiskMitigants    []string `json:"risk_mitigants"`
}
