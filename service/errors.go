package service

import (
	"errors"
	"fmt"
)

// Error classes. Every failure leaving the service wraps exactly one of
// these so handlers can map class to HTTP status with errors.Is while the
// message stays the client-facing text.
var (
	ErrValidation   = errors.New("validation")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrUpstream     = errors.New("upstream")
)

// Error pairs an error class with a stable client-facing message.
type Error struct {
	Class error
	Msg   string
}

func (e *Error) Error() string { return e.Msg }
func (e *Error) Unwrap() error { return e.Class }

func fail(class error, msg string) error { return &Error{Class: class, Msg: msg} }

func failf(class error, format string, args ...any) error {
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...)}
}
