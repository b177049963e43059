// Package services defines the business logic of command intake: resolving a
// command route, writing the command and its outbox record atomically, and
// recording delivery outcomes reported by the dispatcher.
//
// This file centralizes service-level error values. Translation into HTTP
// status codes is done by the handler layer.
package services

import (
	"errors"
	"fmt"
	"strings"
)

// Intake errors. None of them is retryable.
var (
	// ErrCommandNotFound means no route exists for the command name.
	ErrCommandNotFound = errors.New("command not found")

	// ErrModulesMissing means the tenant lacks a module the command requires.
	ErrModulesMissing = errors.New("tenant is missing required modules")

	// ErrCommandDisabled means the command is administratively disabled.
	ErrCommandDisabled = errors.New("command disabled")

	// ErrInvalidPayload means the payload does not match the command's schema.
	ErrInvalidPayload = errors.New("invalid command payload")

	// ErrInvalidInput means a required intake field (tenant, name) is empty.
	ErrInvalidInput = errors.New("invalid command input")
)

// Error codes carried by CommandError.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeModulesMissing = "MODULES_MISSING"
	CodeDisabled       = "DISABLED"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeInvalidInput   = "INVALID_INPUT"
)

// CommandError describes why a command was rejected at intake. It wraps one of
// the sentinel errors above so callers can use errors.Is.
type CommandError struct {
	Code    string
	Command string
	// Missing lists the modules the tenant lacks (MODULES_MISSING).
	Missing []string
	// Reason is the administrative reason code (DISABLED).
	Reason string
	Detail string

	err error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.err, e.Command)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " (missing: %s)", strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (reason: %s)", e.Reason)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.err }

func errNotFound(name string) *CommandError {
	return &CommandError{Code: CodeNotFound, Command: name, err: ErrCommandNotFound}
}

func errModulesMissing(name string, missing []string) *CommandError {
	return &CommandError{Code: CodeModulesMissing, Command: name, Missing: missing, err: ErrModulesMissing}
}

func errDisabled(name, reason string) *CommandError {
	return &CommandError{Code: CodeDisabled, Command: name, Reason: reason, err: ErrCommandDisabled}
}

func errInvalidPayload(name, detail string) *CommandError {
	return &CommandError{Code: CodeInvalidPayload, Command: name, Detail: detail, err: ErrInvalidPayload}
}

func errInvalidInput(name, detail string) *CommandError {
	return &CommandError{Code: CodeInvalidInput, Command: name, Detail: detail, err: ErrInvalidInput}
}
