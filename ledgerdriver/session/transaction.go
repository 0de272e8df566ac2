package session

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/fault"
)

type txState int

const (
	stateOpen txState = iota
	stateCommitting
	stateCommitted
	stateAborting
	stateAborted
	stateFailed
)

var stateNames = [...]string{"open", "committing", "committed", "aborting", "aborted", "failed"}

func (s txState) String() string {
	return stateNames[s]
}

// Transaction is one open transaction attempt on a pooled session.
// Statements run in the order they are issued; a Transaction is not safe for
// concurrent use.
type Transaction struct {
	id       string
	owner    *PooledSession
	digest   Digest
	state    txState
	managed  bool
	abortErr error
	done     []func()
}

func newTransaction(owner *PooledSession, id string, digest Digest, managed bool) *Transaction {
	return &Transaction{
		id:      id,
		owner:   owner,
		digest:  digest,
		state:   stateOpen,
		managed: managed,
	}
}

func (t *Transaction) ID() string {
	return t.id
}

func (t *Transaction) State() string {
	return t.state.String()
}

// Execute runs one statement and returns its lazily paginated result.
func (t *Transaction) Execute(ctx context.Context, statement string, params ...any) (*Result, error) {
	if t.state != stateOpen {
		return nil, ErrTransactionClosed
	}
	if t.digest != nil {
		if err := t.digest.Update(statement, params); err != nil {
			return nil, errors.Wrap(err, "unable to update transaction digest")
		}
	}

	start := time.Now()
	page, err := t.owner.session.ExecuteStatement(ctx, t.id, statement, params)
	t.owner.pool.onStatementEnded.Notify(StatementEndedEvent{
		SessionID:     t.owner.ID(),
		TransactionID: t.id,
		Statement:     statement,
		Params:        params,
		ResponseTime:  time.Since(start),
		Err:           err,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to execute statement")
	}
	return newResult(t, page), nil
}

// Abort aborts the transaction on the server. The returned error matches
// fault.ErrTransactionAborted; a transaction body returns it to end the
// transaction without committing. The executor will not retry an aborted
// transaction.
func (t *Transaction) Abort(ctx context.Context) error {
	switch t.state {
	case stateOpen:
	case stateAborted:
		if t.abortErr != nil {
			return t.abortErr
		}
		return ErrTransactionClosed
	default:
		return ErrTransactionClosed
	}

	t.state = stateAborting
	err := t.owner.session.AbortTransaction(ctx)
	if err != nil {
		err = errors.Wrap(err, "unable to abort transaction")
	}
	t.state = stateAborted
	t.owner.alive = err == nil
	t.abortErr = &fault.TransactionError{
		Kind:          fault.KindAborted,
		Disposition:   fault.NonRetriable,
		TransactionID: t.id,
		SessionAlive:  err == nil,
		Cause:         err,
	}
	t.finish()
	return t.abortErr
}

// Commit commits a transaction obtained from StartTransaction. Transactions
// handed to a TransactionBody are committed by the executor and return
// ErrManagedTransaction here.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.managed {
		return ErrManagedTransaction
	}
	if t.state != stateOpen {
		return ErrTransactionClosed
	}
	err := t.commit(ctx)
	if err != nil {
		err = t.owner.classify(ctx, t, err)
	}
	t.finish()
	return err
}

func (t *Transaction) commit(ctx context.Context) error {
	t.state = stateCommitting

	var expected []byte
	if t.digest != nil {
		expected = t.digest.Sum()
	}
	actual, err := t.owner.session.CommitTransaction(ctx, t.id, expected)
	if err != nil {
		t.state = stateFailed
		return errors.Wrap(err, "failed to commit transaction")
	}
	if expected != nil && !bytes.Equal(expected, actual) {
		t.state = stateFailed
		return errors.Wrapf(fault.ErrDigestMismatch, "transaction %s", t.id)
	}

	t.state = stateCommitted
	return nil
}

func (t *Transaction) fetchPage(ctx context.Context, token string) (Page, error) {
	if t.state != stateOpen {
		return Page{}, ErrTransactionClosed
	}
	page, err := t.owner.session.FetchPage(ctx, token)
	if err != nil {
		return Page{}, errors.Wrap(err, "unable to fetch page")
	}
	return page, nil
}

func (t *Transaction) onDone(callback func()) {
	t.done = append(t.done, callback)
}

func (t *Transaction) finish() {
	done := t.done
	t.done = nil
	for _, callback := range done {
		callback()
	}
}
