package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

// Job lifecycle: pending -> processing -> completed | failed.
const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage result slots, keyed by stage name.
const (
	SlotVerification       = "verification"
	SlotFinancialAnalysis  = "financial_analysis"
	SlotInvestmentAnalysis = "investment_analysis"
	SlotRiskAssessment     = "risk_assessment"
)

// Slots lists the stage result slots in pipeline order.
var Slots = []string{SlotVerification, SlotFinancialAnalysis, SlotInvestmentAnalysis, SlotRiskAssessment}

// stageColumns maps a stage name to the column holding its result.
// Column names never come from caller input.
var stageColumns = map[string]string{
	SlotVerification:       "verification",
	SlotFinancialAnalysis:  "financial_analysis",
	SlotInvestmentAnalysis: "investment_analysis",
	SlotRiskAssessment:     "risk_assessment",
}

// Job represents one analysis request and its stage results.
type Job struct {
	ID                 uuid.UUID       `json:"job_id"`
	UserID             *uuid.UUID      `json:"user_id"`
	Filename           string          `json:"filename"`
	Query              string          `json:"query"`
	Status             JobStatus       `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at"`
	Verification       json.RawMessage `json:"verification"`
	FinancialAnalysis  json.RawMessage `json:"financial_analysis"`
	InvestmentAnalysis json.RawMessage `json:"investment_analysis"`
	RiskAssessment     json.RawMessage `json:"risk_assessment"`
	ErrorMessage       *string         `json:"error_message"`
	DocumentPath       string          `json:"-"`
}

// StageResult returns the stored result for a stage, or nil.
func (j *Job) StageResult(stage string) json.RawMessage {
	switch stage {
	case SlotVerification:
		return j.Verification
	case SlotFinancialAnalysis:
		return j.FinancialAnalysis
	case SlotInvestmentAnalysis:
		return j.InvestmentAnalysis
	case SlotRiskAssessment:
		return j.RiskAssessment
	}
	return nil
}

// ProcessingTime returns completed_at - created_at, or nil while the job is live.
func (j *Job) ProcessingTime() *time.Duration {
	if j.CompletedAt == nil {
		return nil
	}
	d := j.CompletedAt.Sub(j.CreatedAt)
	return &d
}

// NewJob holds the caller-supplied fields for CreateJob.
type NewJob struct {
	UserID       *uuid.UUID
	Filename     string
	Query        string
	DocumentPath string
}

// JobFilters narrows ListJobs. Zero values mean "no filter".
type JobFilters struct {
	UserID *uuid.UUID
	Status JobStatus
	Limit  int
}

// User is a registered account. Jobs may reference one.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewUser holds the fields for CreateUser. PasswordHash is already hashed.
type NewUser struct {
	Email        string
	Name         string
	PasswordHash string
}
