package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/fault"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/memledger"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/session"
)

func TestExecute_Commit(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	p := newPool(t, l)

	result, err := p.Execute(ctx, insert)
	require.NoError(t, err)
	assert.Equal(t, "done", result)

	assert.Equal(t, 1, l.Calls(memledger.OpStartTransaction))
	assert.Equal(t, 1, l.Calls(memledger.OpExecuteStatement))
	assert.Equal(t, 1, l.Calls(memledger.OpCommitTransaction))
	assert.Equal(t, 0, l.Calls(memledger.OpAbortTransaction))

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Retries)
}

func TestExecute_Typed(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, memledger.New())

	n, err := session.Execute(ctx, p, func(ctx context.Context, tx *session.Transaction) (int, error) {
		res, err := tx.Execute(ctx, "SELECT ?", 1, 2, 3)
		if err != nil {
			return 0, err
		}
		count := 0
		for res.Next(ctx) {
			count++
		}
		return count, res.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestExecute_ExplicitAbort(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	p := newPool(t, l)

	_, err := p.Execute(ctx, func(ctx context.Context, tx *session.Transaction) (any, error) {
		return nil, tx.Abort(ctx)
	})
	assert.ErrorIs(t, err, fault.ErrTransactionAborted)
	assert.Equal(t, 1, l.Calls(memledger.OpAbortTransaction))
	assert.Equal(t, 0, l.Calls(memledger.OpCommitTransaction))
	assert.Equal(t, 1, l.Calls(memledger.OpStartTransaction))
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestExecute_AbortWithoutReturningIt(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	p := newPool(t, l)

	_, err := p.Execute(ctx, func(ctx context.Context, tx *session.Transaction) (any, error) {
		_ = tx.Abort(ctx)
		return "ignored", nil
	})
	assert.ErrorIs(t, err, fault.ErrTransactionAborted)
	assert.Equal(t, 0, l.Calls(memledger.OpCommitTransaction))
}

func TestExecute_FailedAbortKillsSession(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	l.Inject(memledger.OpAbortTransaction, errors.New("connection reset"))
	p := newPool(t, l)

	_, err := p.Execute(ctx, func(ctx context.Context, tx *session.Transaction) (any, error) {
		return nil, tx.Abort(ctx)
	})
	assert.ErrorIs(t, err, fault.ErrTransactionAborted)
	assert.False(t, fault.SessionAlive(err))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 1, stats.Discarded)
}

func TestExecute_BodyErrorFailsAndAborts(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	p := newPool(t, l)
	boom := errors.New("boom")

	_, err := p.Execute(ctx, func(ctx context.Context, tx *session.Transaction) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, fault.ErrTransactionFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, l.Calls(memledger.OpAbortTransaction))
	assert.Equal(t, 1, l.Calls(memledger.OpStartTransaction))
	assert.Equal(t, 0, l.Calls(memledger.OpCommitTransaction))
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestExecute_OccConflictRetriesOnSameSession(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	l.Inject(memledger.OpCommitTransaction, fault.NewServiceError(fault.CodeOccConflict, "digest changed"))
	p := newPool(t, l)

	var retries []session.TransactionRetryEvent
	p.OnTransactionRetry().Attach(func(e session.TransactionRetryEvent) {
		retries = append(retries, e)
	})
	ids := statementSessions(p)

	result, err := p.Execute(ctx, insert)
	require.NoError(t, err)
	assert.Equal(t, "done", result)

	assert.Equal(t, 2, l.Calls(memledger.OpStartTransaction))
	assert.Equal(t, 2, l.Calls(memledger.OpCommitTransaction))
	assert.Equal(t, 0, l.Calls(memledger.OpAbortTransaction))
	require.Len(t, *ids, 2)
	assert.Equal(t, (*ids)[0], (*ids)[1])

	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, fault.RetrySameSession, retries[0].Disposition)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Retries)
}

func TestExecute_InvalidSessionRenewsSession(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	l.Inject(memledger.OpExecuteStatement, fault.NewServiceError(fault.CodeInvalidSession, "expired"))
	p := newPool(t, l)

	var discarded []session.SessionDiscardedEvent
	p.OnSessionDiscarded().Attach(func(e session.SessionDiscardedEvent) {
		discarded = append(discarded, e)
	})
	ids := statementSessions(p)

	_, err := p.Execute(ctx, insert)
	require.NoError(t, err)

	require.Len(t, *ids, 2)
	assert.NotEqual(t, (*ids)[0], (*ids)[1])
	assert.Equal(t, 0, l.Calls(memledger.OpAbortTransaction))
	require.Len(t, discarded, 1)
	assert.Equal(t, (*ids)[0], discarded[0].SessionID)

	_, err = p.Execute(ctx, insert)
	require.NoError(t, err)
	require.Len(t, *ids, 3)
	assert.Equal(t, (*ids)[1], (*ids)[2])

	stats := p.Stats()
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 1, stats.Discarded)
	assert.Equal(t, 1, stats.Idle)
}

func TestExecute_RetriableFaultWithFailedAbortMovesToNextSession(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	l.Inject(memledger.OpExecuteStatement, fault.NewServiceError(fault.CodeCapacityExceeded, "slow down"))
	l.Inject(memledger.OpAbortTransaction, errors.New("connection reset"))
	p := newPool(t, l)

	var retries []session.TransactionRetryEvent
	p.OnTransactionRetry().Attach(func(e session.TransactionRetryEvent) {
		retries = append(retries, e)
	})
	ids := statementSessions(p)

	_, err := p.Execute(ctx, insert)
	require.NoError(t, err)

	require.Len(t, retries, 1)
	assert.Equal(t, fault.RetryNextSession, retries[0].Disposition)
	require.Len(t, *ids, 2)
	assert.NotEqual(t, (*ids)[0], (*ids)[1])

	stats := p.Stats()
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 1, stats.Discarded)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)
}

func TestExecute_RetriableFaultWithCleanAbortKeepsSession(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	l.Inject(memledger.OpExecuteStatement, fault.NewServiceError(fault.CodeServiceUnavailable, "try later"))
	p := newPool(t, l)
	ids := statementSessions(p)

	_, err := p.Execute(ctx, insert)
	require.NoError(t, err)

	assert.Equal(t, 1, l.Calls(memledger.OpAbortTransaction))
	require.Len(t, *ids, 2)
	assert.Equal(t, (*ids)[0], (*ids)[1])
	assert.Equal(t, 1, p.Stats().Created)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	occ := fault.NewServiceError(fault.CodeOccConflict, "digest changed")
	l.Inject(memledger.OpCommitTransaction, occ, occ, occ, occ)
	p := newPool(t, l, session.WithRetryPolicy(noDelay(2)))

	_, err := p.Execute(ctx, insert)
	require.Error(t, err)

	var se *fault.ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, fault.CodeOccConflict, se.Code)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, 3, l.Calls(memledger.OpStartTransaction))
	assert.Equal(t, 2, p.Stats().Retries)
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestExecute_PerCallPolicyAndNotify(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	occ := fault.NewServiceError(fault.CodeOccConflict, "digest changed")
	l.Inject(memledger.OpCommitTransaction, occ, occ)
	p := newPool(t, l)

	var attempts []int
	_, err := p.Execute(ctx, insert,
		session.ExecuteWithPolicy(noDelay(0)),
		session.ExecuteWithRetryNotify(func(ctx context.Context, attempt int) error {
			attempts = append(attempts, attempt)
			return nil
		}),
	)
	require.Error(t, err)
	assert.Empty(t, attempts)
	assert.Equal(t, 1, l.Calls(memledger.OpStartTransaction))

	_, err = p.Execute(ctx, insert,
		session.ExecuteWithRetryNotify(func(ctx context.Context, attempt int) error {
			attempts = append(attempts, attempt)
			return nil
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, attempts)
}

func TestExecute_BadRequestOnStartStillAborts(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	l.Inject(memledger.OpStartTransaction, fault.NewServiceError(fault.CodeBadRequest, "malformed"))
	p := newPool(t, l)

	_, err := p.Execute(ctx, insert)
	assert.ErrorIs(t, err, fault.ErrTransactionFailed)
	assert.True(t, fault.SessionAlive(err))
	assert.Equal(t, 1, l.Calls(memledger.OpAbortTransaction))
	assert.Equal(t, 0, l.Calls(memledger.OpExecuteStatement))
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestExecute_BadRequestOnStartWithFailedAbort(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	l.Inject(memledger.OpStartTransaction, fault.NewServiceError(fault.CodeBadRequest, "malformed"))
	l.Inject(memledger.OpAbortTransaction, errors.New("connection reset"))
	p := newPool(t, l)

	_, err := p.Execute(ctx, insert)
	assert.ErrorIs(t, err, fault.ErrTransactionFailed)
	assert.False(t, fault.SessionAlive(err))
	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, 1, p.Stats().Discarded)
}

func TestExecute_DigestMismatch(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	l.CorruptNextCommit()
	p := newPool(t, l)

	_, err := p.Execute(ctx, insert)
	assert.ErrorIs(t, err, fault.ErrDigestMismatch)
	assert.ErrorIs(t, err, fault.ErrTransactionFailed)
	assert.Equal(t, 1, l.Calls(memledger.OpCommitTransaction))
}

func TestExecute_ResultsArePagedLazily(t *testing.T) {
	ctx := context.Background()
	l := memledger.New(
		memledger.WithPageSize(2),
		memledger.WithResponder(func(string, []any) ([]any, error) {
			return []any{"a", "b", "c", "d", "e"}, nil
		}),
	)
	p := newPool(t, l)

	values, err := session.Execute(ctx, p, func(ctx context.Context, tx *session.Transaction) ([]any, error) {
		res, err := tx.Execute(ctx, "SELECT * FROM vehicles")
		if err != nil {
			return nil, err
		}
		assert.Equal(t, 0, l.Calls(memledger.OpFetchPage))

		var values []any
		for res.Next(ctx) {
			values = append(values, res.Value())
			if len(values) == 2 {
				assert.Equal(t, 0, l.Calls(memledger.OpFetchPage))
			}
		}
		assert.Equal(t, 3, res.Pages())
		return values, res.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, values)
	assert.Equal(t, 2, l.Calls(memledger.OpFetchPage))
}

func TestExecute_CommitIsManagedByExecutor(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	p := newPool(t, l)

	_, err := p.Execute(ctx, func(ctx context.Context, tx *session.Transaction) (any, error) {
		assert.ErrorIs(t, tx.Commit(ctx), session.ErrManagedTransaction)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Calls(memledger.OpCommitTransaction))
}

func TestExecute_CancelledBody(t *testing.T) {
	l := memledger.New()
	p := newPool(t, l)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := p.Execute(ctx, func(ctx context.Context, tx *session.Transaction) (any, error) {
		cancel()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, fault.ErrCancellationRequested)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, l.Calls(memledger.OpAbortTransaction))

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)
}

func TestExecute_PanicAbortsAndReleases(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	p := newPool(t, l)

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = p.Execute(ctx, func(ctx context.Context, tx *session.Transaction) (any, error) {
			panic("boom")
		})
	})
	assert.Equal(t, 1, l.Calls(memledger.OpAbortTransaction))
	assert.Equal(t, 0, p.Stats().InUse)

	_, err := p.Execute(ctx, insert)
	assert.NoError(t, err)
}

func TestPooledSession_Busy(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, memledger.New())

	ps, err := p.GetSession(ctx)
	require.NoError(t, err)
	defer ps.Release()

	tx, err := ps.StartTransaction(ctx)
	require.NoError(t, err)

	_, err = ps.Execute(ctx, insert)
	assert.ErrorIs(t, err, session.ErrSessionBusy)
	_, err = ps.StartTransaction(ctx)
	assert.ErrorIs(t, err, session.ErrSessionBusy)

	require.NoError(t, tx.Commit(ctx))

	_, err = ps.Execute(ctx, insert)
	assert.NoError(t, err)
}

func TestTransaction_ClosedAfterCommit(t *testing.T) {
	ctx := context.Background()
	l := memledger.New(
		memledger.WithPageSize(1),
		memledger.WithResponder(func(string, []any) ([]any, error) {
			return []any{1, 2}, nil
		}),
	)
	p := newPool(t, l)

	tx, err := p.StartTransaction(ctx)
	require.NoError(t, err)
	res, err := tx.Execute(ctx, "SELECT * FROM vehicles")
	require.NoError(t, err)
	require.True(t, res.Next(ctx))
	assert.Equal(t, 1, res.Value())

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, "committed", tx.State())

	assert.False(t, res.Next(ctx))
	assert.ErrorIs(t, res.Err(), session.ErrTransactionClosed)

	_, err = tx.Execute(ctx, "SELECT 1")
	assert.ErrorIs(t, err, session.ErrTransactionClosed)
	assert.ErrorIs(t, tx.Commit(ctx), session.ErrTransactionClosed)
	assert.ErrorIs(t, tx.Abort(ctx), session.ErrTransactionClosed)
}

func TestTransaction_AbortTwice(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	p := newPool(t, l)

	tx, err := p.StartTransaction(ctx)
	require.NoError(t, err)

	first := tx.Abort(ctx)
	assert.ErrorIs(t, first, fault.ErrTransactionAborted)
	assert.Equal(t, "aborted", tx.State())
	assert.Same(t, first, tx.Abort(ctx))
	assert.Equal(t, 1, l.Calls(memledger.OpAbortTransaction))
	assert.Equal(t, 0, p.Stats().InUse)
}
