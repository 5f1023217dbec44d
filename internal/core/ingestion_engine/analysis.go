package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

const analysisPrompt = `You are a medical AI assistant specialized in analyzing medical reports.
Your role is to:
1. Extract key medical metrics (blood pressure, cholesterol, glucose, etc.)
2. Identify abnormal values
3. Provide simple, clear explanations
4. Give actionable health recommendations

Respond with a single JSON object and nothing else, using these keys:
- summary: brief overview of the report
- key_findings: list of important findings
- abnormal_values: list of values outside the normal range with explanations
- recommendations: list of health recommendations
- risk_assessment: overall health risk level, one of "low", "moderate", "high"`

// AnalysisResult is Ok when the model answered with the expected JSON, Degraded when
// the raw answer had to be wrapped as the summary.
type AnalysisResult struct {
	Insights *models.Insights
	Degraded string
}

func (r AnalysisResult) IsDegraded() bool { return r.Degraded != "" }

// ReportAnalyzer asks the completion engine for structured insights.
type ReportAnalyzer struct {
	engine      core.CompletionEngine
	temperature float64
	maxTokens   int
}

func NewReportAnalyzer(engine core.CompletionEngine, temperature float64, maxTokens int) *ReportAnalyzer {
	return &ReportAnalyzer{engine: engine, temperature: temperature, maxTokens: maxTokens}
}

// Analyze only fails when the engine fails; bad output degrades.
func (a *ReportAnalyzer) Analyze(ctx context.Context, reportText string) (AnalysisResult, error) {
	messages := []core.PromptMessage{
		{Role: models.RoleSystem, Content: analysisPrompt},
		{Role: models.RoleUser, Content: "Analyze this medical report:\n\n" + reportText},
	}
	raw, err := a.engine.Complete(ctx, messages, core.CompletionOptions{Temperature: a.temperature, MaxTokens: a.maxTokens})
	if err != nil {
		return AnalysisResult{}, err
	}

	insights, err := ParseInsights(raw)
	if err != nil {
		return AnalysisResult{Insights: models.FallbackInsights(raw), Degraded: err.Error()}, nil
	}
	return AnalysisResult{Insights: insights}, nil
}

// ParseInsights decodes the model answer. A surrounding Markdown code fence is
// tolerated; anything that is not an object with a summary is rejected.
func ParseInsights(raw string) (*models.Insights, error) {
	body := stripCodeFence(raw)

	var in models.Insights
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Summary) == "" {
		return nil, errors.New("analysis has no summary")
	}
	if in.KeyFindings == nil {
		in.KeyFindings = models.StringList{}
	}
	if in.AbnormalValues == nil {
		in.AbnormalValues = models.StringList{}
	}
	if in.Recommendations == nil {
		in.Recommendations = models.StringList{}
	}
	if in.RiskAssessment == "" {
		in.RiskAssessment = models.RiskUnknown
	}
	return &in, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
