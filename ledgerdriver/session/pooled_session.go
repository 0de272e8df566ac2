package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/fault"
)

// PooledSession is a Session checked out of a Pool. It runs at most one
// transaction at a time and must be released exactly once per checkout.
type PooledSession struct {
	pool     *Pool
	session  Session
	alive    bool
	released bool
	inFlight sync.Mutex
}

func newPooledSession(pool *Pool, sess Session) *PooledSession {
	return &PooledSession{
		pool:    pool,
		session: sess,
		alive:   true,
	}
}

func (s *PooledSession) ID() string {
	return s.session.ID()
}

// IsAlive combines the verdict of the last transaction attempt with the
// transport's own view of the session.
func (s *PooledSession) IsAlive() bool {
	return s.alive && s.session.IsAlive()
}

// Release hands the session back to its pool. Calling it again before the
// session is checked out anew has no effect.
func (s *PooledSession) Release() {
	s.pool.release(s)
}

// Execute starts a transaction, runs body and commits. Faults are returned
// classified; see fault.Classify.
func (s *PooledSession) Execute(ctx context.Context, body TransactionBody) (result any, err error) {
	if !s.inFlight.TryLock() {
		return nil, ErrSessionBusy
	}
	defer s.inFlight.Unlock()

	tx, err := s.begin(ctx, true)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			if tx.state == stateOpen {
				tx.state = stateAborting
				s.alive = s.tryAbort(ctx)
				tx.state = stateFailed
			}
			panic(r)
		}
	}()

	result, err = body(ctx, tx)
	if tx.abortErr != nil {
		return nil, tx.abortErr
	}
	if err != nil {
		return nil, s.classify(ctx, tx, err)
	}
	if err := tx.commit(ctx); err != nil {
		return nil, s.classify(ctx, tx, err)
	}
	return result, nil
}

// StartTransaction opens a transaction under the caller's control. The
// caller must finish it with Commit or Abort.
func (s *PooledSession) StartTransaction(ctx context.Context) (*Transaction, error) {
	if !s.inFlight.TryLock() {
		return nil, ErrSessionBusy
	}
	tx, err := s.begin(ctx, false)
	if err != nil {
		s.inFlight.Unlock()
		return nil, err
	}
	tx.onDone(s.inFlight.Unlock)
	return tx, nil
}

func (s *PooledSession) begin(ctx context.Context, managed bool) (*Transaction, error) {
	txID, err := s.session.StartTransaction(ctx)
	if err != nil {
		return nil, s.classify(ctx, nil, errors.Wrap(err, "unable to start transaction"))
	}
	var digest Digest
	if s.pool.hasher != nil {
		digest = s.pool.hasher.Begin(txID)
	}
	return newTransaction(s, txID, digest, managed), nil
}

func (s *PooledSession) classify(ctx context.Context, tx *Transaction, err error) error {
	txID := ""
	if tx != nil {
		txID = tx.id
		tx.state = stateFailed
	}
	classified := fault.Classify(txID, err, func() bool {
		return s.tryAbort(ctx)
	})
	s.alive = fault.SessionAlive(classified)
	return classified
}

// tryAbort aborts on a context detached from ctx's cancellation so that a
// cancelled caller still leaves the session clean.
func (s *PooledSession) tryAbort(ctx context.Context) bool {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pool.abortTimeout)
	defer cancel()
	if err := s.session.AbortTransaction(abortCtx); err != nil {
		s.pool.logger.Warn().Err(err).Str("session", s.ID()).Msg("unable to abort transaction")
		return false
	}
	return true
}
