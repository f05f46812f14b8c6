// Package envelope builds the commit envelopes that anchor each change in
// the external versioned store.
//
// An Envelope is a shared header plus one class-specific Payload. Envelopes
// for a scope (repo, branch, scope type) are numbered by a dense, strictly
// increasing scope_step handed out by a StepCounter.
package envelope

import (
	"encoding/json"
	"fmt"
)

const (
	Version       = "1"
	SchemaVersion = "envelope/v1"
	StepPolicy    = "dense-monotonic"
)

type CommitClass string

const (
	ClassCellEdit      CommitClass = "CELL_EDIT"
	ClassFormulaEdit   CommitClass = "FORMULA_EDIT"
	ClassRowCreate     CommitClass = "ROW_CREATE"
	ClassRowArchive    CommitClass = "ROW_ARCHIVE"
	ClassRangeEdit     CommitClass = "RANGE_EDIT"
	ClassAttachmentAdd CommitClass = "ATTACHMENT_ADD"
	ClassOperatorRun   CommitClass = "OPERATOR_RUN"
)

type TargetType string

const (
	TargetCell      TargetType = "CELL"
	TargetRow       TargetType = "ROW"
	TargetStepRange TargetType = "STEP_RANGE"
	TargetFace      TargetType = "FACE"
)

type Scope struct {
	ScopeType string `json:"scope_type"`
	RepoID    string `json:"repo_id"`
	BranchID  string `json:"branch_id"`
	BundleID  string `json:"bundle_id,omitempty"`
}

// Key identifies the step sequence this scope belongs to.
func (s Scope) Key() ScopeKey {
	return ScopeKey{RepoID: s.RepoID, BranchID: s.BranchID, ScopeType: s.ScopeType}
}

type Step struct {
	StepPolicy  string `json:"step_policy"`
	ScopeStep   int64  `json:"scope_step"`
	TimeHintUTC string `json:"time_hint_utc"`
}

type Actor struct {
	ActorID   string `json:"actor_id"`
	ActorKind string `json:"actor_kind"`
	DeviceID  string `json:"device_id,omitempty"`
}

// Target is one selected element. Which fields are set depends on Type.
type Target struct {
	Type     TargetType `json:"type"`
	RowID    string     `json:"row_id,omitempty"`
	Column   string     `json:"column,omitempty"`
	FromStep int64      `json:"from_step,omitempty"`
	ToStep   int64      `json:"to_step,omitempty"`
	Path     string     `json:"path,omitempty"`
}

type Selection struct {
	SelectionID string   `json:"selection_id"`
	Targets     []Target `json:"targets"`
}

type Change struct {
	RowsTouched      int      `json:"rows_touched"`
	CellsTouched     int      `json:"cells_touched"`
	FilesWritten     []string `json:"files_written"`
	DerivedArtifacts []string `json:"derived_artifacts"`
	RootEvidenceRefs []string `json:"root_evidence_refs"`
	Payload          Payload  `json:"-"`
}

type Hashes struct {
	EnvelopeSHA256        string `json:"envelope_sha256"`
	PayloadManifestSHA256 string `json:"payload_manifest_sha256"`
}

type Validation struct {
	SchemaVersion string `json:"schema_version"`
	Hashes        Hashes `json:"hashes"`
}

// Envelope is one change unit submitted to the anchoring store.
type Envelope struct {
	EnvelopeVersion string      `json:"envelope_version"`
	DomainID        string      `json:"domain_id"`
	CommitClass     CommitClass `json:"commit_class"`
	Scope           Scope       `json:"scope"`
	Step            Step        `json:"step"`
	Actor           Actor       `json:"actor"`
	Selection       Selection   `json:"selection"`
	Change          Change      `json:"change"`
	Validation      Validation  `json:"validation"`
}

// Finalized reports whether both hashes are populated.
func (e Envelope) Finalized() bool {
	return e.Validation.Hashes.EnvelopeSHA256 != "" && e.Validation.Hashes.PayloadManifestSHA256 != ""
}

type changeJSON struct {
	RowsTouched      int             `json:"rows_touched"`
	CellsTouched     int             `json:"cells_touched"`
	FilesWritten     []string        `json:"files_written"`
	DerivedArtifacts []string        `json:"derived_artifacts"`
	RootEvidenceRefs []string        `json:"root_evidence_refs"`
	Payload          json.RawMessage `json:"payload"`
}

func (c Change) MarshalJSON() ([]byte, error) {
	out := changeJSON{
		RowsTouched:      c.RowsTouched,
		CellsTouched:     c.CellsTouched,
		FilesWritten:     nonNilStrings(c.FilesWritten),
		DerivedArtifacts: nonNilStrings(c.DerivedArtifacts),
		RootEvidenceRefs: nonNilStrings(c.RootEvidenceRefs),
		Payload:          json.RawMessage("null"),
	}
	if c.Payload != nil {
		raw, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the envelope and its payload variant, chosen by
// commit_class.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type header Envelope
	var raw struct {
		header
		Change changeJSON `json:"change"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Envelope(raw.header)
	e.Change = Change{
		RowsTouched:      raw.Change.RowsTouched,
		CellsTouched:     raw.Change.CellsTouched,
		FilesWritten:     raw.Change.FilesWritten,
		DerivedArtifacts: raw.Change.DerivedArtifacts,
		RootEvidenceRefs: raw.Change.RootEvidenceRefs,
	}
	if len(raw.Change.Payload) == 0 || string(raw.Change.Payload) == "null" {
		return nil
	}
	payload, err := decodePayload(e.CommitClass, raw.Change.Payload)
	if err != nil {
		return err
	}
	e.Change.Payload = payload
	return nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
