package session

import (
	"context"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/option"
)

// Session is one server-side ledger session as exposed by the transport.
// A Session runs at most one transaction at a time and is never shared
// between goroutines by this package.
type Session interface {
	ID() string
	StartTransaction(ctx context.Context) (txID string, err error)
	ExecuteStatement(ctx context.Context, txID string, statement string, params []any) (Page, error)
	FetchPage(ctx context.Context, token string) (Page, error)
	CommitTransaction(ctx context.Context, txID string, expectedDigest []byte) (commitDigest []byte, err error)
	AbortTransaction(ctx context.Context) error
	End(ctx context.Context) error
	IsAlive() bool
}

type SessionFactory func(ctx context.Context) (Session, error)

// Page is one page of statement results. NextToken is Nothing on the last page.
type Page struct {
	Values    []any
	NextToken option.Option[string]
}

// Hasher computes the digest a transaction is expected to commit with.
type Hasher interface {
	Begin(txID string) Digest
}

type Digest interface {
	Update(statement string, params []any) error
	Sum() []byte
}

// TransactionBody is the caller's unit of work. It must not retain tx after
// returning.
type TransactionBody func(ctx context.Context, tx *Transaction) (any, error)
