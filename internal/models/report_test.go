package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from    ReportStatus
		to      ReportStatus
		wantErr bool
	}{
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusPending, ReportStatus("processing"), true},
		{StatusPending, StatusPending, true},
		{StatusCompleted, StatusFailed, true},
		{StatusFailed, StatusCompleted, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			r := &MedicalReport{ID: 1, Status: tt.from}
			err := r.Transition(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.from, r.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, r.Status)
		})
	}
}

func TestInsightsDecoding(t *testing.T) {
	raw := `{
		"summary": "ok",
		"key_findings": "single finding",
		"abnormal_values": [{"name": "glucose", "value": 130}, "LDL high"],
		"recommendations": null,
		"risk_assessment": {"level": "High", "reason": "bp"}
	}`
	var in Insights
	require.NoError(t, json.Unmarshal([]byte(raw), &in))

	assert.Equal(t, StringList{"single finding"}, in.KeyFindings)
	assert.Equal(t, StringList{"name: glucose, value: 130", "LDL high"}, in.AbnormalValues)
	assert.Equal(t, StringList{}, in.Recommendations)
	assert.Equal(t, RiskHigh, in.RiskAssessment)
}

func TestParseRiskLevel(t *testing.T) {
	tests := map[string]RiskLevel{
		"low":                 RiskLow,
		" Moderate risk":      RiskModerate,
		"medium":              RiskModerate,
		"HIGH - see a doctor": RiskHigh,
		"":                    RiskUnknown,
		"n/a":                 RiskUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseRiskLevel(in), in)
	}
}
