package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "[???:0]"
	}
	return fmt.Sprintf("[%s:%d]", filepath.Base(file), line)
}

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("%s %s", caller(), fmt.Sprintf(format, a...))
}

// Wrap adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrap returns nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", caller(), msg, err)
}

// Wrapf adds formatted context (including file and line number) to an
// existing error. If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
