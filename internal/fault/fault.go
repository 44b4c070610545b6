// Package fault defines the typed error taxonomy surfaced by the Marcus core.
//
// Expected outcomes (no ready work, empty listings) are result values, not
// errors. Everything in this package represents a rule violation, a broken
// collaborator, or an exhausted retry budget.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// KindTransient errors are retried internally with backoff and surface
	// only after the retry budget is exhausted.
	KindTransient Kind = "transient"
	// KindIntegration errors mean an external system violated its contract.
	KindIntegration Kind = "integration"
	// KindBusinessLogic errors mean the caller violated a coordination rule.
	KindBusinessLogic Kind = "business_logic"
	// KindConfiguration errors are static setup failures.
	KindConfiguration Kind = "configuration"
	// KindResource errors indicate exhausted capacity.
	KindResource Kind = "resource"
	// KindSecurity errors are authorization failures and are never retried.
	KindSecurity Kind = "security"
)

// Sentinel errors matched with errors.Is. Callers wrap these via New/Wrap so
// every surfaced error also carries a kind, correlation id and remediation.
var (
	ErrTimeout            = errors.New("deadline exceeded")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrRateLimited        = errors.New("rate limited")

	ErrKanban      = errors.New("kanban provider error")
	ErrPersistence = errors.New("persistence error")

	ErrAgentNotFound       = errors.New("agent not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrAssignment          = errors.New("assignment error")
	ErrDependencyViolation = errors.New("dependency violation")
	ErrGraphInvariant      = errors.New("graph invariant violated")

	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidConfig      = errors.New("invalid configuration")

	ErrLeaseTableFull = errors.New("lease table full")

	ErrUnauthorized = errors.New("unauthorized")
)

// Error is the surfaced error value. It wraps a sentinel (or collaborator
// error) and annotates it with the fields surfaced to callers.
type Error struct {
	Kind          Kind
	Op            string // "scheduler.request_next_task" style operation name
	Msg           string
	CorrelationID string
	Remediation   string
	Err           error
}

func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error around a sentinel with a formatted message.
func New(kind Kind, op string, sentinel error, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Msg:  fmt.Sprintf(format, args...),
		Err:  sentinel,
	}
}

// Wrap annotates err with an operation name, preserving kind if err is
// already a fault.Error.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{
			Kind:          fe.Kind,
			Op:            op,
			Msg:           fe.Msg,
			CorrelationID: fe.CorrelationID,
			Remediation:   fe.Remediation,
			Err:           err,
		}
	}
	return &Error{Kind: KindIntegration, Op: op, Err: err}
}

// WithCorrelation returns a copy of err with the correlation id set, when err
// is a fault.Error. Other errors pass through unchanged.
func WithCorrelation(err error, correlationID string) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	cp := *fe
	cp.CorrelationID = correlationID
	return &cp
}

// WithRemediation returns a copy of err carrying a remediation hint.
func WithRemediation(err error, hint string) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	cp := *fe
	cp.Remediation = hint
	return &cp
}

// KindOf reports the kind of err, or "" for untyped errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether err may be retried under a backoff policy.
// Security errors are never retryable regardless of wrapping.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindSecurity || errors.Is(err, ErrUnauthorized) {
		return false
	}
	return KindOf(err) == KindTransient ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrRateLimited)
}
