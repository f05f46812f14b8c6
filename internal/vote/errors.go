package vote

import (
	"errors"
	"fmt"
)

// Kind classifies coordinator failures so callers can map them to a response
// without matching on messages.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindReplay       Kind = "replay"
	KindSignature    Kind = "signature"
	KindAnchoring    Kind = "anchoring"
	KindStepOrdering Kind = "step_ordering"
)

// ErrUnknownTopic is wrapped by the validation error for a topic that has no
// votes, base counts or cached totals.
var ErrUnknownTopic = errors.New("unknown topic")

type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a coordinator Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var target *Error
	return errors.As(err, &target) && target.Kind == kind
}

func newError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}
