package vote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tallyhall/api/internal/anchor"
	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/auth"
	"tallyhall/api/internal/envelope"
	"tallyhall/api/internal/ledger"
	"tallyhall/api/internal/notify"
)

type SignatureVerifier interface {
	Verify(ctx context.Context, userID string, message []byte, sig auth.Signature) error
}

type ReplayGuard interface {
	IsReplay(ctx context.Context, userID, topicID, nonce string) (bool, error)
	MarkReplay(ctx context.Context, userID, topicID, nonce string) error
}

type RegionResolver interface {
	UserRegion(ctx context.Context, userID string) (string, error)
}

type LocationSanitizer interface {
	Sanitize(loc ledger.Location) (*ledger.Location, error)
}

type Anchorer interface {
	Anchor(ctx context.Context, req anchor.Request) (anchor.Receipt, error)
}

// Journal mirrors state changes into durable storage. Every call is best
// effort; the in-memory state stays authoritative.
type Journal interface {
	SaveVote(ctx context.Context, rec ledger.VoteRecord) error
	DeleteVote(ctx context.Context, userID, topicID string) error
	AppendAudit(ctx context.Context, entry audit.Entry) error
	SaveTotals(ctx context.Context, totals ledger.Totals) error
	SaveBaseCounts(ctx context.Context, topicID string, counts map[string]int) error
	SaveStep(ctx context.Context, key envelope.ScopeKey, step int64) error
}

type Publisher interface {
	Publish(ctx context.Context, event notify.Event)
}

type Alerter interface {
	Notify(ctx context.Context, key, subject, body string) error
}

type Metrics interface {
	VoteProcessed(action string)
	AnchorOutcome(status string, attempts int)
	ReconciliationChecked(topicID string, valid bool)
	StepOrderingHalt(scope string)
	JournalError(op string)
}

type nopMetrics struct{}

func (nopMetrics) VoteProcessed(string)               {}
func (nopMetrics) AnchorOutcome(string, int)          {}
func (nopMetrics) ReconciliationChecked(string, bool) {}
func (nopMetrics) StepOrderingHalt(string)            {}
func (nopMetrics) JournalError(string)                {}

// Privacy levels understood by PrivacySanitizer.
const (
	PrivacyExact  = "exact"
	PrivacyRegion = "region"
	PrivacyHidden = "hidden"
)

// PrivacySanitizer drops location detail according to the level the voter
// chose. "exact" keeps the data, "region" keeps only the region and
// "hidden" drops the location entirely. An empty level is treated as
// "region".
type PrivacySanitizer struct{}

func (PrivacySanitizer) Sanitize(loc ledger.Location) (*ledger.Location, error) {
	level := strings.ToLower(strings.TrimSpace(loc.PrivacyLevel))
	if level == "" {
		level = PrivacyRegion
	}
	switch level {
	case PrivacyExact:
		if len(loc.Data) > 0 && !json.Valid(loc.Data) {
			return nil, fmt.Errorf("location data is not valid JSON")
		}
		out := loc
		out.PrivacyLevel = PrivacyExact
		return &out, nil
	case PrivacyRegion:
		return &ledger.Location{PrivacyLevel: PrivacyRegion, Region: loc.Region}, nil
	case PrivacyHidden:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown privacy level %q", loc.PrivacyLevel)
	}
}
