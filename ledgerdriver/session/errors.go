package session

import "errors"

var (
	ErrTransactionClosed  = errors.New("ledger: transaction is no longer open")
	ErrManagedTransaction = errors.New("ledger: transaction is committed by its executor")
	ErrSessionBusy        = errors.New("ledger: session already runs a transaction")
)
