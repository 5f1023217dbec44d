package ingestion_engine

import (
	"regexp"

	"github.com/markdave123-py/Medico/internal/models"
)

type metricPattern struct {
	name string
	re   *regexp.Regexp
}

// metricPatterns is matched case-insensitively; the first match of each pattern wins.
var metricPatterns = []metricPattern{
	{"blood_pressure", regexp.MustCompile(`(?i)(?:BP|Blood Pressure)[:\s]+(\d{2,3})/(\d{2,3})`)},
	{"pulse", regexp.MustCompile(`(?i)(?:Pulse|Heart Rate|HR)[:\s]+(\d{2,3})`)},
	{"glucose", regexp.MustCompile(`(?i)(?:Glucose|Blood Sugar|BS)[:\s]+(\d{2,3})`)},
	{"cholesterol", regexp.MustCompile(`(?i)(?:Cholesterol|Chol)[:\s]+(\d{2,3})`)},
	{"hemoglobin", regexp.MustCompile(`(?i)(?:Hemoglobin|Hb|HGB)[:\s]+(\d+\.?\d*)`)},
}

// ParseMetrics pulls vital signs out of free text. Values are kept as captured;
// blood pressure becomes "systolic/diastolic". Patterns without a match are omitted.
func ParseMetrics(text string) models.Metrics {
	out := models.Metrics{}
	for _, p := range metricPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if p.name == "blood_pressure" {
			out[p.name] = m[1] + "/" + m[2]
			continue
		}
		out[p.name] = m[1]
	}
	return out
}
