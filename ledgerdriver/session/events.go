package session

import (
	"time"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/fault"
)

type SessionCreatedEvent struct {
	SessionID string
}

type SessionReleasedEvent struct {
	SessionID string
	Alive     bool
}

type SessionDiscardedEvent struct {
	SessionID string
	Reason    string
	Err       error
}

type TransactionRetryEvent struct {
	SessionID     string
	TransactionID string
	Attempt       int
	Disposition   fault.Disposition
	Err           error
}

type StatementEndedEvent struct {
	SessionID     string
	TransactionID string
	Statement     string
	Params        []any
	ResponseTime  time.Duration
	Err           error
}
