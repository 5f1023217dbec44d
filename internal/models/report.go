package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type ReportStatus string

const (
	StatusPending   ReportStatus = "pending"
	StatusCompleted ReportStatus = "completed"
	StatusFailed    ReportStatus = "failed"
)

// Metrics maps a metric name (blood_pressure, pulse, ...) to its raw captured value.
type Metrics map[string]string

// MedicalReport is an uploaded document and everything derived from it.
type MedicalReport struct {
	ID            int64        `db:"id" json:"id"`
	UserID        int64        `db:"user_id" json:"user_id"`
	FileName      string       `db:"filename" json:"filename"`
	FileType      string       `db:"file_type" json:"file_type"`
	FileSize      int64        `db:"file_size" json:"file_size"`
	StorageKey    string       `db:"storage_key" json:"-"`
	StorageURL    string       `db:"storage_url" json:"storage_url"`
	ExtractedText *string      `db:"extracted_text" json:"extracted_text"`
	ParsedMetrics Metrics      `db:"parsed_metrics" json:"parsed_metrics"`
	AISummary     *string      `db:"ai_summary" json:"ai_summary"`
	AIInsights    *Insights    `db:"ai_insights" json:"ai_insights"`
	Status        ReportStatus `db:"processing_status" json:"processing_status"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// Transition moves the report forward. Only pending reports may change, and only
// to a terminal state.
func (r *MedicalReport) Transition(to ReportStatus) error {
	if r.Status != StatusPending {
		return fmt.Errorf("report %d: illegal transition %s -> %s", r.ID, r.Status, to)
	}
	if to != StatusCompleted && to != StatusFailed {
		return fmt.Errorf("report %d: illegal transition %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	return nil
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskUnknown  RiskLevel = "unknown"
)

// ParseRiskLevel maps free model output onto the enum.
func ParseRiskLevel(s string) RiskLevel {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "low"):
		return RiskLow
	case strings.HasPrefix(s, "moderate"), strings.HasPrefix(s, "medium"):
		return RiskModerate
	case strings.HasPrefix(s, "high"):
		return RiskHigh
	}
	return RiskUnknown
}

func (r *RiskLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// objects such as {"level": "high", ...} still carry a usable level
		var obj map[string]any
		if json.Unmarshal(b, &obj) == nil {
			for _, k := range []string{"level", "risk", "overall"} {
				if v, ok := obj[k].(string); ok {
					*r = ParseRiskLevel(v)
					return nil
				}
			}
		}
		*r = RiskUnknown
		return nil
	}
	*r = ParseRiskLevel(s)
	return nil
}

// Insights is the structured analysis of a report.
type Insights struct {
	Summary         string     `json:"summary"`
	KeyFindings     StringList `json:"key_findings"`
	AbnormalValues  StringList `json:"abnormal_values"`
	Recommendations StringList `json:"recommendations"`
	RiskAssessment  RiskLevel  `json:"risk_assessment"`
}

// FallbackInsights wraps unparseable model output.
func FallbackInsights(raw string) *Insights {
	return &Insights{
		Summary:         raw,
		KeyFindings:     StringList{},
		AbnormalValues:  StringList{},
		Recommendations: StringList{},
		RiskAssessment:  RiskUnknown,
	}
}

// StringList accepts a JSON array of strings or objects, or a bare string.
// Objects are flattened into "key: value" pairs.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*l = StringList{}
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if single == "" {
			*l = StringList{}
		} else {
			*l = StringList{single}
		}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("string list: %w", err)
	}
	out := make(StringList, 0, len(items))
	for _, it := range items {
		var s string
		if json.Unmarshal(it, &s) == nil {
			out = append(out, s)
			continue
		}
		var obj map[string]any
		if json.Unmarshal(it, &obj) == nil {
			out = append(out, flattenObject(obj))
			continue
		}
		out = append(out, string(it))
	}
	*l = out
	return nil
}

func flattenObject(obj map[string]any) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, obj[k]))
	}
	return strings.Join(parts, ", ")
}
