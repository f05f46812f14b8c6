package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/ledger"
)

// Source is the read side of the vote coordinator.
type Source interface {
	Tally(topicID string) ledger.Totals
	BaseCounts(topicID string) map[string]int
	Reconcile(topicID string) ledger.LedgerReport
	Audit() *audit.Service
}

// PDFRenderer turns a rendered HTML page into a PDF.
type PDFRenderer interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
}

// Service provides report export functionality
type Service struct {
	source Source
	pdf    PDFRenderer
	now    func() time.Time
}

// NewService creates a new export service. pdf may be nil, in which case
// PDF requests fail with ErrPDFDependencyMissing.
func NewService(source Source, pdf PDFRenderer) *Service {
	return &Service{source: source, pdf: pdf, now: time.Now}
}

// Export renders the report for req.TopicID. Unknown topics fail with
// ErrUnknownTopic.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	format, err := ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	req.Format = format

	data, err := s.reportData(req)
	if err != nil {
		return nil, err
	}
	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	name := sanitizeFilename("tally " + req.TopicID)
	switch req.Format {
	case FormatPDF:
		if s.pdf == nil {
			return nil, fmt.Errorf("%w: no pdf renderer configured", ErrPDFDependencyMissing)
		}
		pdf, err := s.pdf.RenderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: pdf, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return &Result{Data: []byte(html), Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}
}

func (s *Service) reportData(req Request) (TemplateData, error) {
	totals := s.source.Tally(req.TopicID)
	base := s.source.BaseCounts(req.TopicID)
	if len(totals.Candidates) == 0 && len(base) == 0 {
		return TemplateData{}, fmt.Errorf("%w: %s", ErrUnknownTopic, req.TopicID)
	}
	report := s.source.Reconcile(req.TopicID)

	limit := req.AuditLimit
	if limit <= 0 {
		limit = 20
	}

	data := TemplateData{
		TopicID:            req.TopicID,
		GeneratedAt:        s.now().UTC(),
		TotalVotes:         totals.TotalVotes,
		ReconciliationHash: ledger.HashTotals(totals),
		Consistent:         report.Consistent(),
		Report:             report,
		Candidates:         candidateRows(totals, base),
		Audit:              s.source.Audit().Query(req.TopicID, limit),
	}
	if !totals.LastUpdated.IsZero() {
		data.LastUpdated = totals.LastUpdated.UTC()
	}
	return data, nil
}

// candidateRows lists candidates by count, highest first, ties by id.
func candidateRows(totals ledger.Totals, base map[string]int) []CandidateRow {
	rows := make([]CandidateRow, 0, len(totals.Candidates))
	for id, count := range totals.Candidates {
		row := CandidateRow{ID: id, Count: count, Base: base[id]}
		if totals.TotalVotes > 0 {
			row.Share = float64(count) * 100 / float64(totals.TotalVotes)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}
