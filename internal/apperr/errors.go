// Package apperr carries machine-readable error codes across package
// boundaries so transports can map them without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	CodeSessionNotFound           Code = "SESSION_NOT_FOUND"
	CodeSessionNotActive          Code = "SESSION_NOT_ACTIVE"
	CodeSessionNotWaiting         Code = "SESSION_NOT_WAITING"
	CodeDuplicateSession          Code = "DUPLICATE_SESSION"
	CodeUnknownGameKind           Code = "UNKNOWN_GAME_KIND"
	CodeInvalidParticipantCount   Code = "INVALID_PARTICIPANT_COUNT"
	CodeUnknownParticipant        Code = "UNKNOWN_PARTICIPANT"
	CodeOutOfTurn                 Code = "OUT_OF_TURN"
	CodeInvalidMove               Code = "INVALID_MOVE"
	CodeNoPendingRequest          Code = "NO_PENDING_REQUEST"
	CodeSettlementNotFound        Code = "SETTLEMENT_NOT_FOUND"
	CodeSettlementAlreadyAnchored Code = "SETTLEMENT_ALREADY_ANCHORED"
	CodeSettlementInProgress      Code = "SETTLEMENT_IN_PROGRESS"
	CodeInvalidTimeControl        Code = "INVALID_TIME_CONTROL"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Rejected reports whether err is a rejected-input error: the caller may
// retry with corrected input and no state was changed.
func Rejected(err error) bool {
	switch CodeOf(err) {
	case CodeOutOfTurn, CodeInvalidMove, CodeNoPendingRequest:
		return true
	}
	return false
}
