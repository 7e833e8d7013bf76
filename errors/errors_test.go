package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestNewIncludesCallerLocation(t *testing.T) {
	err := New("something broke: %d", 42)
	if err == nil {
		t.Fatal("New returned nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "errors_test.go") {
		t.Errorf("expected caller file in message, got %q", msg)
	}
	if !strings.Contains(msg, "something broke: 42") {
		t.Errorf("expected formatted message, got %q", msg)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
	if err := Wrapf(nil, "context %d", 1); err != nil {
		t.Errorf("Wrapf(nil) = %v, want nil", err)
	}
}

func TestWrapPreservesChain(t *testing.T) {
	base := stderrors.New("base failure")
	wrapped := Wrapf(base, "loading %s", "config.yaml")

	if !Is(wrapped, base) {
		t.Error("wrapped error does not match base via Is")
	}
	msg := wrapped.Error()
	if !strings.Contains(msg, "loading config.yaml") {
		t.Errorf("expected context in message, got %q", msg)
	}
	if !strings.Contains(msg, "base failure") {
		t.Errorf("expected base message preserved, got %q", msg)
	}
}

func TestWrapTwice(t *testing.T) {
	base := stderrors.New("disk full")
	mid := Wrap(base, "writing session")
	top := Wrap(mid, "saving")

	if !Is(top, base) {
		t.Error("double-wrapped error lost the chain")
	}
}
