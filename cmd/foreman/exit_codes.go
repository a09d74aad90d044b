package main

import (
	"errors"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

const (
	exitFailure = 1
	exitUsage   = 2
	exitPolicy  = 3
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError prefers an explicit code, then maps failure modes: user
// mistakes exit 2, policy refusals exit 3.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch ferrors.ModeOf(err) {
	case ferrors.ModeUser:
		return exitUsage
	case ferrors.ModePolicy:
		return exitPolicy
	}
	return exitFailure
}
