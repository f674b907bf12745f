package cli

import (
	"strings"
	"testing"
)

func TestDotPad(t *testing.T) {
	tests := []struct {
		name  string
		width int
		want  string
	}{
		{"core1", 10, "core1 ...."},
		{"x", 5, "x ..."},
		{"", 2, " ."},
		{"", 1, ""},
		{"abcde", 6, "abcde"},
		{"abcdef", 6, "abcdef"},
		{"main-agg1", 4, "main-agg1"},
		{"core1", 0, "core1"},
	}
	for _, tt := range tests {
		if got := DotPad(tt.name, tt.width); got != tt.want {
			t.Errorf("DotPad(%q, %d) = %q, want %q", tt.name, tt.width, got, tt.want)
		}
	}
	if got := DotPad("med-edge2", 24); len(got) != 24 {
		t.Errorf("DotPad pads to %d, want 24", len(got))
	}
}

func TestColors(t *testing.T) {
	SetColor(true)
	defer SetColor(true)

	tests := []struct {
		name string
		fn   func(string) string
		code string
	}{
		{"Green", Green, ansiGreen},
		{"Yellow", Yellow, ansiYellow},
		{"Red", Red, ansiRed},
		{"Bold", Bold, ansiBold},
		{"Dim", Dim, ansiDim},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, want := tt.fn("core1"), tt.code+"core1"+ansiReset; got != want {
				t.Errorf("%s(core1) = %q, want %q", tt.name, got, want)
			}
		})
	}

	SetColor(false)
	for _, tt := range tests {
		if got := tt.fn("core1"); got != "core1" {
			t.Errorf("%s with color off = %q", tt.name, got)
		}
	}
}

func TestState(t *testing.T) {
	SetColor(true)
	tests := []struct {
		state string
		code  string
	}{
		{"passed", ansiGreen},
		{"planned", ansiGreen},
		{"skipped", ansiYellow},
		{"canceled", ansiYellow},
		{"running", ansiYellow},
		{"failed", ansiRed},
		{"applying", ansiRed},
	}
	for _, tt := range tests {
		got := State(tt.state)
		if !strings.HasPrefix(got, tt.code) || !strings.Contains(got, strings.ToUpper(tt.state)) {
			t.Errorf("State(%q) = %q", tt.state, got)
		}
	}

	for outcome, code := range map[string]string{"pass": ansiGreen, "fail": ansiRed, "error": ansiYellow} {
		if got := Outcome(outcome); got != code+outcome+ansiReset {
			t.Errorf("Outcome(%q) = %q", outcome, got)
		}
	}
}
