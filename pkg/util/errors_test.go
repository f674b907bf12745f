package util

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestModelError(t *testing.T) {
	t.Run("single violation", func(t *testing.T) {
		err := NewModelError("link core1-core2: endpoint outside subnet")
		if !strings.Contains(err.Error(), "endpoint outside subnet") {
			t.Errorf("Error message should contain the violation: %s", err)
		}
		if !errors.Is(err, ErrInvalidModel) {
			t.Errorf("ModelError should unwrap to ErrInvalidModel")
		}
	})

	t.Run("multiple violations", func(t *testing.T) {
		err := NewModelError("a", "b", "c")
		msg := err.Error()
		if !strings.Contains(msg, "3 problems") {
			t.Errorf("expected count in message: %s", msg)
		}
		for _, v := range []string{"a", "b", "c"} {
			if !strings.Contains(msg, "- "+v) {
				t.Errorf("missing violation %q in %s", v, msg)
			}
		}
	})
}

func TestValidationBuilder(t *testing.T) {
	var b ValidationBuilder
	b.Add(true, "never recorded")
	if b.HasErrors() {
		t.Fatal("Add(true) should not record")
	}
	if b.Build() != nil {
		t.Fatal("Build() with no errors should be nil")
	}

	b.Add(false, "first").AddErrorf("second %d", 2)
	err := b.Build()
	var me *ModelError
	if !errors.As(err, &me) {
		t.Fatalf("Build() = %T, want *ModelError", err)
	}
	if len(me.Violations) != 2 || me.Violations[1] != "second 2" {
		t.Errorf("Violations = %v", me.Violations)
	}
}

func TestDeviceError(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")

	unreach := NewUnreachableError("core1", "open session", cause)
	if !errors.Is(unreach, ErrUnreachable) {
		t.Error("unreachable error should match ErrUnreachable")
	}
	if !errors.Is(unreach, cause) {
		t.Error("unreachable error should wrap its cause")
	}
	if errors.Is(unreach, ErrQuery) {
		t.Error("unreachable error should not match ErrQuery")
	}
	if !strings.Contains(unreach.Error(), "core1") {
		t.Errorf("message should name the device: %s", unreach)
	}

	q := NewQueryError("core2", "show ip ospf neighbor", nil)
	if !errors.Is(q, ErrQuery) {
		t.Error("query error should match ErrQuery")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unreachable", NewUnreachableError("d", "op", nil), true},
		{"query", NewQueryError("d", "op", nil), true},
		{"wrapped query", fmt.Errorf("validate: %w", NewQueryError("d", "op", nil)), true},
		{"commit rejected", ErrCommitRejected, false},
		{"model", NewModelError("x"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDependencyError(t *testing.T) {
	err := &DependencyError{Phase: "ldp", DependsOn: "ospf", State: "failed"}
	if !errors.Is(err, ErrDependencyNotMet) {
		t.Error("DependencyError should unwrap to ErrDependencyNotMet")
	}
	if !strings.Contains(err.Error(), "ospf") {
		t.Errorf("message should name the prerequisite: %s", err)
	}
}
