package domain

import (
	"errors"
	"fmt"
)

type FailureKind string

const (
	FailureAuthorization  FailureKind = "authorization"
	FailureTransient      FailureKind = "transient"
	FailureFilterRejected FailureKind = "filter_rejected"
	FailureParse          FailureKind = "parse"
	FailureEvaluation     FailureKind = "evaluation"
	FailureSynthesis      FailureKind = "synthesis"
	FailureUnsafeFilter   FailureKind = "unsafe_filter"
	FailureCheckpoint     FailureKind = "checkpoint"
)

// Failure is a recovered, classified problem inside a turn. Nodes return
// failures next to their output instead of aborting the turn; the session
// records them on the state.
type Failure struct {
	Kind   FailureKind
	Detail string
	Err    error
}

func NewFailure(kind FailureKind, detail string, err error) *Failure {
	return &Failure{Kind: kind, Detail: detail, Err: err}
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Err)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// FailureKindOf reports the kind of the first Failure in err's chain.
func FailureKindOf(err error) (FailureKind, bool) {
	var f *Failure
	if !errors.As(err, &f) {
		return "", false
	}
	return f.Kind, true
}
