package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/ledger"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.Format("2006-01-02 15:04:05 MST")
	},
	"percent": func(v float64) string {
		return fmt.Sprintf("%.1f%%", v)
	},
	"short": func(s string) string {
		if len(s) > 12 {
			return s[:12]
		}
		return s
	},
}).ParseFS(templateFS, "templates/report.html"))

// TemplateData holds data for report template rendering
type TemplateData struct {
	TopicID            string
	GeneratedAt        time.Time
	LastUpdated        time.Time
	TotalVotes         int
	ReconciliationHash string
	Consistent         bool
	Report             ledger.LedgerReport
	Candidates         []CandidateRow
	Audit              []audit.Entry
}

// CandidateRow is one line of the tally table.
type CandidateRow struct {
	ID    string
	Count int
	Base  int
	Share float64
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
