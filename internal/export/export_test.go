package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/ledger"
)

type fakeSource struct {
	totals ledger.Totals
	base   map[string]int
	report ledger.LedgerReport
	audit  *audit.Service
}

func (f fakeSource) Tally(string) ledger.Totals           { return f.totals }
func (f fakeSource) BaseCounts(string) map[string]int     { return f.base }
func (f fakeSource) Reconcile(string) ledger.LedgerReport { return f.report }
func (f fakeSource) Audit() *audit.Service                { return f.audit }

type fakePDF struct {
	html string
	err  error
}

func (f *fakePDF) RenderPDF(_ context.Context, html string) ([]byte, error) {
	f.html = html
	return []byte("%PDF-1.7"), f.err
}

func newSource() fakeSource {
	log := audit.NewLog()
	log.Append(audit.Entry{UserID: "u1", TopicID: "t1", Action: audit.ActionNewVote, NewCandidateID: "A"})
	log.Append(audit.Entry{UserID: "u1", TopicID: "t1", Action: audit.ActionVoteSwitch, OldCandidateID: "A", NewCandidateID: "B"})
	totals := ledger.Totals{
		TopicID:     "t1",
		TotalVotes:  4,
		Candidates:  map[string]int{"A": 1, "B": 3},
		LastUpdated: time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
	}
	return fakeSource{
		totals: totals,
		base:   map[string]int{"B": 2},
		report: ledger.LedgerReport{
			Report:        ledger.Report{TopicID: "t1", Valid: true, TotalVotes: 4, CandidateSum: 4},
			ExpectedTotal: 4,
		},
		audit: audit.NewService(log, nil, nil),
	}
}

func TestExportHTML(t *testing.T) {
	svc := NewService(newSource(), nil)
	svc.now = func() time.Time { return time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC) }

	res, err := svc.Export(context.Background(), Request{TopicID: "t1"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Filename != "tally-t1.html" {
		t.Errorf("unexpected filename %q", res.Filename)
	}
	if !strings.HasPrefix(res.MimeType, "text/html") {
		t.Errorf("unexpected mime type %q", res.MimeType)
	}
	html := string(res.Data)
	for _, want := range []string{
		"Tally report: t1",
		"Total votes: <strong>4</strong>",
		"75.0%",
		"Consistent",
		"VOTE_SWITCH",
		"2026-05-02 00:00:00 UTC",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if strings.Index(html, "<td>B</td>") > strings.Index(html, "<td>A</td>") {
		t.Error("expected candidates ordered by count")
	}
}

func TestExportReportsMismatch(t *testing.T) {
	src := newSource()
	src.report = ledger.LedgerReport{
		Report:        ledger.Report{TopicID: "t1", Valid: false, TotalVotes: 4, CandidateSum: 3, Difference: 1},
		ExpectedTotal: 4,
		Drift:         []ledger.Drift{{CandidateID: "B", Cached: 2, Expected: 3}},
	}
	res, err := NewService(src, nil).Export(context.Background(), Request{TopicID: "t1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	html := string(res.Data)
	if !strings.Contains(html, "Mismatch") || !strings.Contains(html, "candidate sum 3") {
		t.Error("expected mismatch section")
	}
}

func TestExportPDF(t *testing.T) {
	pdf := &fakePDF{}
	res, err := NewService(newSource(), pdf).Export(context.Background(), Request{TopicID: "t1", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.MimeType != "application/pdf" || res.Filename != "tally-t1.pdf" {
		t.Errorf("unexpected result %q %q", res.MimeType, res.Filename)
	}
	if !strings.Contains(pdf.html, "Tally report: t1") {
		t.Error("renderer did not receive the report html")
	}
}

func TestExportErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewService(newSource(), nil).Export(ctx, Request{TopicID: "t1", Format: FormatPDF})
	if !errors.Is(err, ErrPDFDependencyMissing) {
		t.Errorf("expected ErrPDFDependencyMissing, got %v", err)
	}

	_, err = NewService(newSource(), nil).Export(ctx, Request{TopicID: "t1", Format: "docx"})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}

	empty := newSource()
	empty.totals = ledger.Totals{TopicID: "t9"}
	empty.base = nil
	_, err = NewService(empty, nil).Export(ctx, Request{TopicID: "t9"})
	if !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"tally t1.v2", "tally-t1v2"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "report"},
		{"Élection Générale", "Election-Generale"},
		{"日本", "report"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for raw, want := range map[string]Format{"": FormatHTML, "HTML": FormatHTML, " pdf ": FormatPDF} {
		got, err := ParseFormat(raw)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseFormat("docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ParseFormat(docx) error = %v", err)
	}
}

func TestPaperByName(t *testing.T) {
	if got := PaperByName(" A4 "); got != PaperA4 {
		t.Errorf("PaperByName(A4) = %+v", got)
	}
	if got := PaperByName("legal"); got != PaperLetter {
		t.Errorf("PaperByName(legal) = %+v, want letter", got)
	}
}

func TestChromePDFWithoutBrowserIsMissingDependency(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := NewChromePDF("", PaperLetter).RenderPDF(context.Background(), "<html><body>x</body></html>")
	if !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("expected ErrPDFDependencyMissing, got %v", err)
	}
}
