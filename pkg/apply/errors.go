package apply

import (
	"fmt"

	"github.com/newtron-network/newtphase/pkg/util"
)

// Kind classifies an apply failure.
type Kind string

const (
	KindUnreachable    Kind = "unreachable"
	KindQuery          Kind = "query"
	KindCommitRejected Kind = "commit-rejected"
	KindPartialApply   Kind = "partial-apply"
	KindCanceled       Kind = "canceled"
)

var kindSentinels = map[Kind]error{
	KindUnreachable:    util.ErrUnreachable,
	KindQuery:          util.ErrQuery,
	KindCommitRejected: util.ErrCommitRejected,
	KindPartialApply:   util.ErrPartialApply,
	KindCanceled:       util.ErrCanceled,
}

// ApplyError reports why a device did not converge. For rejections and
// partial applies, Index is the 1-based position of the failing command in
// the diff and Line the command itself.
type ApplyError struct {
	Device string
	Phase  int
	Kind   Kind
	Index  int
	Line   string
	Reason string
	Err    error
}

func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("apply %s (phase %d): %s", e.Device, e.Phase, e.Kind)
	if e.Index > 0 {
		msg += fmt.Sprintf(" at line %d %q", e.Index, e.Line)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind's sentinel and the cause.
func (e *ApplyError) Unwrap() []error {
	out := []error{kindSentinels[e.Kind]}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
