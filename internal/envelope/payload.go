package envelope

import (
	"encoding/json"
	"fmt"
)

// Payload is the class-specific part of an envelope. Each commit class has
// exactly one implementation.
type Payload interface {
	Class() CommitClass
	Targets() []Target
	// Touched reports (rows, cells) affected by the change.
	Touched() (rows, cells int)
}

// CellEdit changes one field on one row.
type CellEdit struct {
	RowID  string `json:"row_id"`
	Column string `json:"column"`
	Before string `json:"before"`
	After  string `json:"after"`
}

func (p CellEdit) Class() CommitClass { return ClassCellEdit }
func (p CellEdit) Targets() []Target {
	return []Target{{Type: TargetCell, RowID: p.RowID, Column: p.Column}}
}
func (p CellEdit) Touched() (int, int) { return 1, 1 }

// FormulaEdit changes a derived value on one row.
type FormulaEdit struct {
	RowID   string `json:"row_id"`
	Column  string `json:"column"`
	Formula string `json:"formula"`
	Before  string `json:"before"`
	After   string `json:"after"`
}

func (p FormulaEdit) Class() CommitClass { return ClassFormulaEdit }
func (p FormulaEdit) Targets() []Target {
	return []Target{{Type: TargetCell, RowID: p.RowID, Column: p.Column}}
}
func (p FormulaEdit) Touched() (int, int) { return 1, 1 }

// RowCreate adds a new row.
type RowCreate struct {
	RowID  string            `json:"row_id"`
	Values map[string]string `json:"values"`
}

func (p RowCreate) Class() CommitClass { return ClassRowCreate }
func (p RowCreate) Targets() []Target {
	return []Target{{Type: TargetRow, RowID: p.RowID}}
}
func (p RowCreate) Touched() (int, int) { return 1, len(p.Values) }

// RowArchive is a soft delete: a status change on one row.
type RowArchive struct {
	RowID      string `json:"row_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Reason     string `json:"reason,omitempty"`
}

func (p RowArchive) Class() CommitClass { return ClassRowArchive }
func (p RowArchive) Targets() []Target {
	return []Target{{Type: TargetRow, RowID: p.RowID}}
}
func (p RowArchive) Touched() (int, int) { return 1, 1 }

// RangeEdit reorders or mutates a contiguous range of rows.
type RangeEdit struct {
	Operation string   `json:"operation"`
	FromStep  int64    `json:"from_step"`
	ToStep    int64    `json:"to_step"`
	RowIDs    []string `json:"row_ids"`
}

func (p RangeEdit) Class() CommitClass { return ClassRangeEdit }
func (p RangeEdit) Targets() []Target {
	return []Target{{Type: TargetStepRange, FromStep: p.FromStep, ToStep: p.ToStep}}
}
func (p RangeEdit) Touched() (int, int) { return len(p.RowIDs), len(p.RowIDs) }

// AttachmentAdd attaches a file or piece of evidence.
type AttachmentAdd struct {
	Path      string `json:"path"`
	MediaType string `json:"media_type"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size"`
}

func (p AttachmentAdd) Class() CommitClass { return ClassAttachmentAdd }
func (p AttachmentAdd) Targets() []Target {
	return []Target{{Type: TargetFace, Path: p.Path}}
}
func (p AttachmentAdd) Touched() (int, int) { return 0, 0 }

// OperatorRun records an automated or batch operation over rows.
type OperatorRun struct {
	Operator string            `json:"operator"`
	RowIDs   []string          `json:"row_ids"`
	Params   map[string]string `json:"params,omitempty"`
	Summary  string            `json:"summary,omitempty"`
}

func (p OperatorRun) Class() CommitClass { return ClassOperatorRun }
func (p OperatorRun) Targets() []Target {
	targets := make([]Target, 0, len(p.RowIDs))
	for _, rowID := range p.RowIDs {
		targets = append(targets, Target{Type: TargetRow, RowID: rowID})
	}
	return targets
}
func (p OperatorRun) Touched() (int, int) { return len(p.RowIDs), 0 }

func decodePayload(class CommitClass, raw json.RawMessage) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch class {
	case ClassCellEdit:
		var p CellEdit
		err = json.Unmarshal(raw, &p)
		payload = p
	case ClassFormulaEdit:
		var p FormulaEdit
		err = json.Unmarshal(raw, &p)
		payload = p
	case ClassRowCreate:
		var p RowCreate
		err = json.Unmarshal(raw, &p)
		payload = p
	case ClassRowArchive:
		var p RowArchive
		err = json.Unmarshal(raw, &p)
		payload = p
	case ClassRangeEdit:
		var p RangeEdit
		err = json.Unmarshal(raw, &p)
		payload = p
	case ClassAttachmentAdd:
		var p AttachmentAdd
		err = json.Unmarshal(raw, &p)
		payload = p
	case ClassOperatorRun:
		var p OperatorRun
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown commit class %q", class)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", class, err)
	}
	return payload, nil
}
