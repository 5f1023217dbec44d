package ingestion_engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Medico/internal/models"
)

func TestParseInsights(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		risk    models.RiskLevel
	}{
		{"plain object", `{"summary": "ok", "risk_assessment": "High"}`, false, models.RiskHigh},
		{"fenced", "```json\n{\"summary\": \"ok\", \"risk_assessment\": \"low\"}\n```", false, models.RiskLow},
		{"bare fence", "```\n{\"summary\": \"ok\"}\n```", false, models.RiskUnknown},
		{"risk as object", `{"summary": "ok", "risk_assessment": {"level": "medium", "notes": "x"}}`, false, models.RiskModerate},
		{"not json", "The report looks fine.", true, ""},
		{"no summary", `{"key_findings": ["a"]}`, true, ""},
		{"array", `["a", "b"]`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := ParseInsights(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ok", in.Summary)
			assert.Equal(t, tt.risk, in.RiskAssessment)
			assert.NotNil(t, in.KeyFindings)
			assert.NotNil(t, in.Recommendations)
		})
	}
}

func TestAnalyzeDegradesOnBadOutput(t *testing.T) {
	engine := &fakeEngine{reply: "not json"}
	res, err := NewReportAnalyzer(engine, 0.3, 100).Analyze(context.Background(), "text")
	require.NoError(t, err)
	assert.True(t, res.IsDegraded())
	assert.Equal(t, "not json", res.Insights.Summary)
	assert.Equal(t, 100, engine.opts.MaxTokens)

	engine = &fakeEngine{err: errors.New("timeout")}
	_, err = NewReportAnalyzer(engine, 0.3, 100).Analyze(context.Background(), "text")
	assert.Error(t, err)
}
