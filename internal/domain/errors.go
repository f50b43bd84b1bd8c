package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories surfaced to operators.
type ErrorKind string

const (
	KindParse                 ErrorKind = "parse_error"
	KindNotFound              ErrorKind = "not_found"
	KindConfirmationAmbiguous ErrorKind = "confirmation_ambiguous"
	KindEvaluatorTimeout      ErrorKind = "evaluator_timeout"
	KindEvaluatorTransport    ErrorKind = "evaluator_transport"
	KindPersistence           ErrorKind = "persistence"
	KindSessionBusy           ErrorKind = "session_busy"
	KindClaimBusy             ErrorKind = "claim_busy"
)

// Infrastructure reports whether the kind means "system degraded" rather than a business outcome.
func (k ErrorKind) Infrastructure() bool {
	switch k {
	case KindEvaluatorTimeout, KindEvaluatorTransport, KindPersistence:
		return true
	}
	return false
}

// Error carries a kind alongside the underlying cause.
type Error struct {
	Kind  ErrorKind
	Op    string
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Stage != "" {
		msg += fmt.Sprintf(" (stage %s)", e.Stage)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind with a formatted cause.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
