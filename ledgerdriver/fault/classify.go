package fault

import (
	"context"

	"github.com/pkg/errors"
)

// Classify maps a fault raised while executing transaction txID onto a retry
// disposition and a session-liveness verdict.
//
// tryAbort issues a best-effort abort of the open transaction and reports
// whether it succeeded. It is called at most once and only for faults that
// leave a transaction to clean up. A failed abort never changes the kind of
// the returned error, it only marks the session as not alive.
//
// Every Code must be handled here; a new fault kind means a new case.
func Classify(txID string, err error, tryAbort func() bool) error {
	var te *TransactionError
	if errors.As(err, &te) && te.TransactionID == txID {
		return te
	}

	if isCancellation(err) {
		cause := err
		var ce *CancellationError
		if errors.As(err, &ce) && ce.Cause != nil {
			cause = ce.Cause
		}
		return &CancellationError{SessionAlive: tryAbort(), Cause: cause}
	}

	var se *ServiceError
	if errors.As(err, &se) {
		switch se.Code {
		case CodeOccConflict:
			return retriable(txID, err, true)
		case CodeInvalidSession:
			return &TransactionError{
				Kind:          KindRetriable,
				Disposition:   RetryNewSession,
				TransactionID: txID,
				SessionAlive:  false,
				Cause:         err,
			}
		case CodeCapacityExceeded, CodeRateExceeded, CodeInternalFailure, CodeServiceUnavailable:
			return retriable(txID, err, tryAbort())
		case CodeTransactionExpired, CodeBadRequest, CodeUnknown:
			return failed(txID, err, tryAbort())
		}
	}

	return failed(txID, err, tryAbort())
}

// SessionAlive reports the liveness verdict carried by err. Errors that carry
// no verdict leave the session usable.
func SessionAlive(err error) bool {
	var te *TransactionError
	if errors.As(err, &te) {
		return te.SessionAlive
	}
	var ce *CancellationError
	if errors.As(err, &ce) {
		return ce.SessionAlive
	}
	return true
}

func IsRetriable(err error) bool {
	var te *TransactionError
	return errors.As(err, &te) && te.Retriable()
}

func retriable(txID string, cause error, alive bool) *TransactionError {
	disposition := RetrySameSession
	if !alive {
		disposition = RetryNextSession
	}
	return &TransactionError{
		Kind:          KindRetriable,
		Disposition:   disposition,
		TransactionID: txID,
		SessionAlive:  alive,
		Cause:         cause,
	}
}

func failed(txID string, cause error, alive bool) *TransactionError {
	return &TransactionError{
		Kind:          KindFailed,
		Disposition:   NonRetriable,
		TransactionID: txID,
		SessionAlive:  alive,
		Cause:         cause,
	}
}

func isCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
