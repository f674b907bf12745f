// Package util provides logging, retry, addressing helpers and the common
// error taxonomy shared by every pipeline stage.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// classify failures with errors.Is.
var (
	ErrInvalidModel     = errors.New("invalid topology model")
	ErrTemplate         = errors.New("template error")
	ErrUnreachable      = errors.New("device unreachable")
	ErrQuery            = errors.New("device query failed")
	ErrCommitRejected   = errors.New("commit rejected")
	ErrPartialApply     = errors.New("partial apply")
	ErrCanceled         = errors.New("canceled")
	ErrDependencyNotMet = errors.New("phase dependency not met")
	ErrAlreadyWritten   = errors.New("record already written")
	ErrDeviceLocked     = errors.New("device locked by another holder")
	ErrNotFound         = errors.New("not found")
)

// ModelError is returned by topology loading. It carries every violation
// found, not only the first.
type ModelError struct {
	Violations []string
}

func (e *ModelError) Error() string {
	if len(e.Violations) == 1 {
		return "invalid topology: " + e.Violations[0]
	}
	return fmt.Sprintf("invalid topology (%d problems):\n  - %s",
		len(e.Violations), strings.Join(e.Violations, "\n  - "))
}

func (e *ModelError) Unwrap() error {
	return ErrInvalidModel
}

// NewModelError creates a model error from messages
func NewModelError(violations ...string) *ModelError {
	return &ModelError{Violations: violations}
}

// ValidationBuilder accumulates model violations
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are violations
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns a *ModelError or nil if nothing was recorded
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ModelError{Violations: v.errors}
}

// DeviceError wraps a transport-level failure for a single device. The
// sentinel (ErrUnreachable or ErrQuery) says which side of the channel failed.
type DeviceError struct {
	Device string
	Op     string
	Kind   error
	Err    error
}

func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the cause.
func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewUnreachableError reports that a session to device could not be opened.
func NewUnreachableError(device, op string, err error) *DeviceError {
	return &DeviceError{Device: device, Op: op, Kind: ErrUnreachable, Err: err}
}

// NewQueryError reports that a fact query against device failed.
func NewQueryError(device, op string, err error) *DeviceError {
	return &DeviceError{Device: device, Op: op, Kind: ErrQuery, Err: err}
}

// DependencyError reports a phase whose prerequisite has not passed.
type DependencyError struct {
	Phase     string
	DependsOn string
	State     string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("phase %s requires phase %s to have passed (state: %s)", e.Phase, e.DependsOn, e.State)
}

func (e *DependencyError) Unwrap() error {
	return ErrDependencyNotMet
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrQuery)
}
