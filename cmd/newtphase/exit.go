package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/newtron-network/newtphase/pkg/pipeline"
	"github.com/newtron-network/newtphase/pkg/util"
)

const (
	exitOK             = 0
	exitUsage          = 1
	exitValidation     = 2
	exitApply          = 3
	exitRender         = 4
	exitInfrastructure = 5
	exitCanceled       = 6
	exitDependency     = 7
)

// exitError carries the process exit code of a run that completed but did
// not pass. RunE handlers return it instead of calling os.Exit so deferred
// cleanup runs.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var failureCodes = map[pipeline.FailureKind]int{
	pipeline.FailureValidation:     exitValidation,
	pipeline.FailureApply:          exitApply,
	pipeline.FailureRender:         exitRender,
	pipeline.FailureInfrastructure: exitInfrastructure,
	pipeline.FailureCanceled:       exitCanceled,
	pipeline.FailureDependency:     exitDependency,
}

// reportError turns a finished run into nil or an *exitError.
func reportError(rep *pipeline.RunReport) error {
	state := rep.State()
	if state == pipeline.StatePassed || state == pipeline.StatePlanned {
		return nil
	}
	code, ok := failureCodes[rep.Failure()]
	if !ok {
		code = exitInfrastructure
	}
	msg := fmt.Sprintf("run %s %s", rep.RunID, state)
	if f := rep.Failure(); f != pipeline.FailureNone {
		msg += ": " + string(f)
	}
	return &exitError{code: code, msg: msg}
}

// exitCode maps an error returned by a command onto the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	switch {
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, util.ErrInvalidModel):
		return exitUsage
	case errors.Is(err, util.ErrTemplate):
		return exitRender
	case errors.Is(err, util.ErrDependencyNotMet):
		return exitDependency
	case errors.Is(err, util.ErrCanceled), errors.Is(err, context.Canceled):
		return exitCanceled
	case errors.Is(err, util.ErrCommitRejected), errors.Is(err, util.ErrPartialApply):
		return exitApply
	case errors.Is(err, util.ErrUnreachable), errors.Is(err, util.ErrQuery):
		return exitInfrastructure
	}
	return exitUsage
}
