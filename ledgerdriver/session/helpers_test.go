package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/memledger"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/retry"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/session"
)

func noDelay(maxRetries int) retry.Policy {
	return retry.NewPolicy(maxRetries, retry.ConstantBackoff(0))
}

func newPool(t *testing.T, l *memledger.Ledger, opts ...session.PoolOption) *session.Pool {
	t.Helper()
	defaults := []session.PoolOption{
		session.WithHasher(l.Hasher()),
		session.WithRetryPolicy(noDelay(retry.DefaultMaxRetries)),
	}
	p, err := session.NewPool(l.NewSession, append(defaults, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Dispose(context.Background())
	})
	return p
}

func insert(ctx context.Context, tx *session.Transaction) (any, error) {
	if _, err := tx.Execute(ctx, "INSERT INTO vehicles ?", "VIN-1"); err != nil {
		return nil, err
	}
	return "done", nil
}

// statementSessions records the session id of every statement the pool runs.
func statementSessions(p *session.Pool) *[]string {
	ids := &[]string{}
	p.OnStatementEnded().Attach(func(e session.StatementEndedEvent) {
		*ids = append(*ids, e.SessionID)
	})
	return ids
}
