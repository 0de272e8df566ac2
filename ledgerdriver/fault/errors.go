package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is terminal: the pool was disposed and hands out no more sessions.
	ErrPoolClosed = errors.New("ledger: session pool is closed")

	// ErrPoolExhausted reports that no permit became free within the acquire
	// timeout. The pool never retries it on its own.
	ErrPoolExhausted = errors.New("ledger: session pool exhausted")

	ErrRetriable             = errors.New("ledger: retriable transaction fault")
	ErrTransactionAborted    = errors.New("ledger: transaction aborted")
	ErrTransactionFailed     = errors.New("ledger: transaction failed")
	ErrCancellationRequested = errors.New("ledger: cancellation requested")

	// ErrDigestMismatch is an integrity fault: the digest returned on commit
	// differs from the one computed by the client.
	ErrDigestMismatch = errors.New("ledger: commit digest mismatch")
)

type Kind int

const (
	KindFailed Kind = iota
	KindRetriable
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindRetriable:
		return "retriable"
	case KindAborted:
		return "aborted"
	default:
		return "failed"
	}
}

// Disposition tells the retry engine how to recover before the next attempt.
type Disposition int

const (
	NonRetriable Disposition = iota
	RetrySameSession
	RetryNextSession
	RetryNewSession
)

func (d Disposition) String() string {
	switch d {
	case RetrySameSession:
		return "same-session"
	case RetryNextSession:
		return "next-pooled-session"
	case RetryNewSession:
		return "new-server-session"
	default:
		return "non-retriable"
	}
}

// TransactionError is a classified fault of one transaction attempt.
type TransactionError struct {
	Kind          Kind
	Disposition   Disposition
	TransactionID string
	SessionAlive  bool
	Cause         error
}

func (e *TransactionError) Error() string {
	msg := "ledger: transaction " + e.Kind.String()
	if e.TransactionID != "" {
		msg = fmt.Sprintf("%s (transaction %s)", msg, e.TransactionID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}

func (e *TransactionError) Is(target error) bool {
	switch target {
	case ErrRetriable:
		return e.Kind == KindRetriable
	case ErrTransactionAborted:
		return e.Kind == KindAborted
	case ErrTransactionFailed:
		return e.Kind == KindFailed
	}
	return false
}

func (e *TransactionError) Retriable() bool {
	return e.Kind == KindRetriable && e.Disposition != NonRetriable
}

// CancellationError unwraps to the context error that caused it.
type CancellationError struct {
	SessionAlive bool
	Cause        error
}

func Cancelled(cause error) *CancellationError {
	return &CancellationError{SessionAlive: true, Cause: cause}
}

func (e *CancellationError) Error() string {
	if e.Cause == nil {
		return ErrCancellationRequested.Error()
	}
	return ErrCancellationRequested.Error() + ": " + e.Cause.Error()
}

func (e *CancellationError) Unwrap() error {
	return e.Cause
}

func (e *CancellationError) Is(target error) bool {
	return target == ErrCancellationRequested
}

// Code is the fault code a transport reports for a server-side failure.
type Code int

const (
	CodeUnknown Code = iota
	CodeOccConflict
	CodeInvalidSession
	CodeTransactionExpired
	CodeBadRequest
	CodeCapacityExceeded
	CodeRateExceeded
	CodeInternalFailure
	CodeServiceUnavailable
)

var codeNames = map[Code]string{
	CodeUnknown:            "Unknown",
	CodeOccConflict:        "OccConflict",
	CodeInvalidSession:     "InvalidSession",
	CodeTransactionExpired: "TransactionExpired",
	CodeBadRequest:         "BadRequest",
	CodeCapacityExceeded:   "CapacityExceeded",
	CodeRateExceeded:       "RateExceeded",
	CodeInternalFailure:    "InternalFailure",
	CodeServiceUnavailable: "ServiceUnavailable",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// ServiceError is how a transport reports a fault raised by the ledger service.
type ServiceError struct {
	Code    Code
	Message string
}

func NewServiceError(code Code, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ledger service: %s: %s", e.Code, e.Message)
}
