// Package cli provides shared formatting helpers for the newtphase CLI.
package cli

import (
	"os"
	"strings"
	"sync/atomic"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

var colorOn atomic.Bool

func init() {
	// no-color.org
	colorOn.Store(os.Getenv("NO_COLOR") == "")
}

// SetColor turns ANSI output on or off for the whole process.
func SetColor(on bool) { colorOn.Store(on) }

func paint(code, s string) string {
	if !colorOn.Load() {
		return s
	}
	return code + s + ansiReset
}

func Green(s string) string { return paint(ansiGreen, s) }
func Yellow(s string) string { return paint(ansiYellow, s) }
func Red(s string) string { return paint(ansiRed, s) }
func Bold(s string) string { return paint(ansiBold, s) }
func Dim(s string) string { return paint(ansiDim, s) }

// State renders a phase or run state in upper case: green when it ended
// well, yellow when it did not run to an end, red otherwise.
func State(s string) string {
	up := strings.ToUpper(s)
	switch s {
	case "passed", "planned":
		return Green(up)
	case "skipped", "canceled", "running", "pending":
		return Yellow(up)
	}
	return Red(up)
}

// Outcome renders an assertion outcome (pass, fail, error).
func Outcome(s string) string {
	switch s {
	case "pass":
		return Green(s)
	case "fail":
		return Red(s)
	}
	return Yellow(s)
}

// DotPad follows name with a space and dots up to width, leaving names
// that do not fit untouched.
//
//	DotPad("core1", 10) == "core1 ...."
func DotPad(name string, width int) string {
	n := width - len(name) - 1
	if n <= 0 {
		return name
	}
	return name + " " + strings.Repeat(".", n)
}
