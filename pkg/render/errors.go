package render

import (
	"fmt"

	"github.com/newtron-network/newtphase/pkg/util"
)

// TemplateError reports a failure to render a device's configuration for a
// phase. It unwraps to util.ErrTemplate and, when present, the cause.
type TemplateError struct {
	Device   string
	Phase    int
	Fragment string
	Reason   string
	Err      error
}

func (e *TemplateError) Error() string {
	msg := "render"
	if e.Device != "" {
		msg += fmt.Sprintf(" %s phase %d", e.Device, e.Phase)
	}
	if e.Fragment != "" {
		msg += " fragment " + e.Fragment
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TemplateError) Unwrap() []error {
	if e.Err == nil {
		return []error{util.ErrTemplate}
	}
	return []error{util.ErrTemplate, e.Err}
}
