package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStages(t *testing.T) {
	stages := DefaultStages()

	require.NoError(t, ValidateOrder(stages))
	assert.Equal(t, allStageNames(), StageNames(stages))

	deps := map[string][]string{}
	for _, st := range stages {
		deps[st.Name] = st.Dependencies
		assert.NotEmpty(t, st.Role, st.Name)
		assert.NotEmpty(t, st.Task, st.Name)
		assert.NotEmpty(t, st.Schema, st.Name)
	}
	assert.Empty(t, deps[StageVerification])
	assert.Equal(t, []string{StageVerification}, deps[StageFinancialAnalysis])
	assert.Equal(t, []string{StageFinancialAnalysis}, deps[StageInvestmentAnalysis])
	assert.Equal(t, []string{StageFinancialAnalysis}, deps[StageRiskAssessment])
}

func TestValidateOrder(t *testing.T) {
	tests := []struct {
		name        string
		stages      []Stage
		wantErr     bool
		wantStage   string
		wantMissing []string
	}{
		{
			name:   "empty list",
			stages: nil,
		},
		{
			name: "linear chain",
			stages: []Stage{
				{Name: "a"},
				{Name: "b", Dependencies: []string{"a"}},
				{Name: "c", Dependencies: []string{"a", "b"}},
			},
		},
		{
			name: "dependency declared later",
			stages: []Stage{
				{Name: "b", Dependencies: []string{"a"}},
				{Name: "a"},
			},
			wantErr:     true,
			wantStage:   "b",
			wantMissing: []string{"a"},
		},
		{
			name: "unknown dependency",
			stages: []Stage{
				{Name: "a"},
				{Name: "b", Dependencies: []string{"a", "zzz"}},
			},
			wantErr:     true,
			wantStage:   "b",
			wantMissing: []string{"zzz"},
		},
		{
			name: "self dependency",
			stages: []Stage{
				{Name: "a", Dependencies: []string{"a"}},
			},
			wantErr:     true,
			wantStage:   "a",
			wantMissing: []string{"a"},
		},
		{
			name: "duplicate",
			stages: []Stage{
				{Name: "a"},
				{Name: "a"},
			},
			wantErr:   true,
			wantStage: "a",
		},
		{
			name:    "unnamed",
			stages:  []Stage{{Name: ""}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOrder(tt.stages)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			var orderErr *OrderError
			require.True(t, errors.As(err, &orderErr), "expected OrderError, got %v", err)
			assert.Equal(t, tt.wantStage, orderErr.Stage)
			assert.Equal(t, tt.wantMissing, orderErr.MissingDependencies)
		})
	}
}
