package session

import (
	"context"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/fault"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/retry"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/signals"
)

const (
	DefaultCapacity = 50

	// DefaultAcquireTimeout makes a saturated pool fail fast. Callers that
	// prefer to wait configure a longer timeout.
	DefaultAcquireTimeout = time.Millisecond

	DefaultAbortTimeout = 5 * time.Second
	DefaultEndTimeout   = 5 * time.Second
)

type PoolOption func(*Pool)

func WithCapacity(capacity int) PoolOption {
	return func(p *Pool) { p.capacity = capacity }
}

// WithAcquireTimeout bounds the wait for a free permit. Zero or less makes
// acquisition a pure try-acquire.
func WithAcquireTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.acquireTimeout = d }
}

func WithAbortTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.abortTimeout = d }
}

func WithRetryPolicy(policy retry.Policy) PoolOption {
	return func(p *Pool) { p.policy = policy }
}

// WithHasher enables commit digest verification.
func WithHasher(hasher Hasher) PoolOption {
	return func(p *Pool) { p.hasher = hasher }
}

func WithLogger(logger zerolog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// Pool bounds the number of checked-out sessions to its capacity and reuses
// idle ones. It is safe for concurrent use.
//
// Idle sessions hold no permit; a checked-out session holds exactly one
// until it is released, so in-use + idle never exceeds the capacity.
type Pool struct {
	factory        SessionFactory
	capacity       int
	acquireTimeout time.Duration
	abortTimeout   time.Duration
	policy         retry.Policy
	hasher         Hasher
	logger         zerolog.Logger

	permits *semaphore.Weighted
	idle    chan *PooledSession

	mu     sync.Mutex
	closed bool

	acquired  atomix.Uint32
	released  atomix.Uint32
	created   atomix.Uint32
	discarded atomix.Uint32
	retries   atomix.Uint32

	onSessionCreated   signals.Signal[SessionCreatedEvent]
	onSessionReleased  signals.Signal[SessionReleasedEvent]
	onSessionDiscarded signals.Signal[SessionDiscardedEvent]
	onTransactionRetry signals.Signal[TransactionRetryEvent]
	onStatementEnded   signals.Signal[StatementEndedEvent]
}

func NewPool(factory SessionFactory, opts ...PoolOption) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("ledger: session factory is required")
	}
	p := &Pool{
		factory:            factory,
		capacity:           DefaultCapacity,
		acquireTimeout:     DefaultAcquireTimeout,
		abortTimeout:       DefaultAbortTimeout,
		policy:             retry.DefaultPolicy(),
		logger:             zerolog.Nop(),
		onSessionCreated:   signals.NewSignal[SessionCreatedEvent](),
		onSessionReleased:  signals.NewSignal[SessionReleasedEvent](),
		onSessionDiscarded: signals.NewSignal[SessionDiscardedEvent](),
		onTransactionRetry: signals.NewSignal[TransactionRetryEvent](),
		onStatementEnded:   signals.NewSignal[StatementEndedEvent](),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.capacity <= 0 {
		return nil, errors.Errorf("ledger: pool capacity must be positive, got %d", p.capacity)
	}
	p.permits = semaphore.NewWeighted(int64(p.capacity))
	p.idle = make(chan *PooledSession, p.capacity)
	return p, nil
}

func (p *Pool) OnSessionCreated() signals.Signal[SessionCreatedEvent] {
	return p.onSessionCreated
}

func (p *Pool) OnSessionReleased() signals.Signal[SessionReleasedEvent] {
	return p.onSessionReleased
}

func (p *Pool) OnSessionDiscarded() signals.Signal[SessionDiscardedEvent] {
	return p.onSessionDiscarded
}

func (p *Pool) OnTransactionRetry() signals.Signal[TransactionRetryEvent] {
	return p.onTransactionRetry
}

func (p *Pool) OnStatementEnded() signals.Signal[StatementEndedEvent] {
	return p.onStatementEnded
}

// Execute runs body in a transaction on a pooled session, retrying according
// to the pool's retry policy. The session is released exactly once whatever
// the outcome.
func (p *Pool) Execute(ctx context.Context, body TransactionBody, opts ...ExecuteOption) (any, error) {
	o := executeOptions{policy: p.policy}
	for _, opt := range opts {
		opt(&o)
	}

	ps, err := p.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if ps != nil {
			ps.Release()
		}
	}()

	var lastErr error
	return retry.Execute(ctx, func(ctx context.Context) (any, error) {
		result, err := ps.Execute(ctx, body)
		lastErr = err
		return result, err
	}, o.policy, retry.Hooks{
		NewSession: func(ctx context.Context) error {
			return p.renewSession(ctx, ps)
		},
		NextSession: func(ctx context.Context) error {
			ps.Release()
			ps = nil
			next, err := p.GetSession(ctx)
			if err != nil {
				return err
			}
			ps = next
			return nil
		},
		Notify: func(ctx context.Context, attempt int) error {
			p.retries.Add(1)
			p.notifyRetry(ps, attempt, lastErr)
			if o.notify != nil {
				return o.notify(ctx, attempt)
			}
			return nil
		},
	})
}

// StartTransaction checks out a session and opens a transaction on it. The
// session goes back to the pool when the transaction is committed or aborted.
func (p *Pool) StartTransaction(ctx context.Context) (*Transaction, error) {
	ps, err := p.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := ps.StartTransaction(ctx)
	if err != nil {
		ps.Release()
		return nil, err
	}
	tx.onDone(ps.Release)
	return tx, nil
}

// GetSession checks out a session, creating one when none is idle. It fails
// with fault.ErrPoolClosed after Dispose and with fault.ErrPoolExhausted when
// no permit frees up within the acquire timeout.
func (p *Pool) GetSession(ctx context.Context) (*PooledSession, error) {
	if p.isClosed() {
		return nil, fault.ErrPoolClosed
	}
	if err := p.acquirePermit(ctx); err != nil {
		return nil, err
	}
	ps, err := p.checkout(ctx)
	if err != nil {
		p.permits.Release(1)
		return nil, err
	}
	p.acquired.Add(1)
	return ps, nil
}

// Dispose closes the pool and ends every idle session. Sessions checked out
// at that moment are ended when they are released.
func (p *Pool) Dispose(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var result *multierror.Error
	for {
		select {
		case ps := <-p.idle:
			if err := p.endSession(ctx, ps.session, "pool disposed"); err != nil {
				result = multierror.Append(result, err)
			}
		default:
			return result.ErrorOrNil()
		}
	}
}

type Stats struct {
	Capacity  int
	InUse     int
	Idle      int
	Created   int
	Discarded int
	Retries   int
}

func (p *Pool) Stats() Stats {
	return Stats{
		Capacity:  p.capacity,
		InUse:     max(int(p.acquired.Load())-int(p.released.Load()), 0),
		Idle:      len(p.idle),
		Created:   int(p.created.Load()),
		Discarded: int(p.discarded.Load()),
		Retries:   int(p.retries.Load()),
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) acquirePermit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fault.Cancelled(err)
	}
	if p.acquireTimeout <= 0 {
		if p.permits.TryAcquire(1) {
			return nil
		}
		return errors.Wrapf(fault.ErrPoolExhausted, "all %d sessions are in use", p.capacity)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	if err := p.permits.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fault.Cancelled(ctxErr)
		}
		return errors.Wrapf(fault.ErrPoolExhausted, "no session freed up within %s, all %d are in use", p.acquireTimeout, p.capacity)
	}
	return nil
}

// checkout is called with a permit held.
func (p *Pool) checkout(ctx context.Context) (*PooledSession, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fault.ErrPoolClosed
		}
		var ps *PooledSession
		select {
		case ps = <-p.idle:
			ps.released = false
		default:
		}
		p.mu.Unlock()

		if ps == nil {
			return p.createSession(ctx)
		}
		if ps.IsAlive() {
			return ps, nil
		}
		p.discard(ctx, ps, "idle session is no longer alive")
	}
}

func (p *Pool) createSession(ctx context.Context) (*PooledSession, error) {
	sess, err := p.factory(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fault.Cancelled(ctxErr)
		}
		return nil, errors.Wrap(err, "unable to create session")
	}
	p.created.Add(1)
	p.onSessionCreated.Notify(SessionCreatedEvent{SessionID: sess.ID()})
	return newPooledSession(p, sess), nil
}

// renewSession swaps the server session behind ps for a fresh one. ps keeps
// its permit and the old session is never used again. If no new session can
// be created ps stays dead and is discarded on release.
func (p *Pool) renewSession(ctx context.Context, ps *PooledSession) error {
	if p.isClosed() {
		ps.alive = false
		return fault.ErrPoolClosed
	}
	sess, err := p.factory(ctx)
	if err != nil {
		ps.alive = false
		return err
	}
	old := ps.session
	_ = p.endSession(ctx, old, "session invalidated by server")

	ps.session = sess
	ps.alive = true
	p.created.Add(1)
	p.onSessionCreated.Notify(SessionCreatedEvent{SessionID: sess.ID()})
	p.logger.Debug().Str("old_session", old.ID()).Str("session", sess.ID()).Msg("session renewed")
	return nil
}

func (p *Pool) release(ps *PooledSession) {
	p.mu.Lock()
	if ps.released {
		p.mu.Unlock()
		return
	}
	ps.released = true
	alive := ps.IsAlive()
	requeued := false
	if alive && !p.closed {
		select {
		case p.idle <- ps:
			requeued = true
		default:
		}
	}
	closed := p.closed
	p.mu.Unlock()

	if !requeued {
		reason := "session is no longer alive"
		if closed {
			reason = "pool disposed"
		}
		p.discard(context.Background(), ps, reason)
	}

	p.released.Add(1)
	p.permits.Release(1)
	p.onSessionReleased.Notify(SessionReleasedEvent{SessionID: ps.ID(), Alive: requeued})
}

func (p *Pool) discard(ctx context.Context, ps *PooledSession, reason string) {
	_ = p.endSession(ctx, ps.session, reason)
}

// endSession ends sess on a context detached from ctx's cancellation.
func (p *Pool) endSession(ctx context.Context, sess Session, reason string) error {
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultEndTimeout)
	defer cancel()
	err := sess.End(endCtx)
	if err != nil {
		err = errors.Wrapf(err, "unable to end session %s", sess.ID())
	}
	p.discarded.Add(1)
	p.onSessionDiscarded.Notify(SessionDiscardedEvent{SessionID: sess.ID(), Reason: reason, Err: err})
	return err
}

func (p *Pool) notifyRetry(ps *PooledSession, attempt int, err error) {
	event := TransactionRetryEvent{Attempt: attempt, Err: err}
	var te *fault.TransactionError
	if errors.As(err, &te) {
		event.TransactionID = te.TransactionID
		event.Disposition = te.Disposition
	}
	if ps != nil {
		event.SessionID = ps.ID()
	}
	p.onTransactionRetry.Notify(event)
	p.logger.Warn().
		Err(err).
		Int("attempt", attempt).
		Str("session", event.SessionID).
		Str("transaction", event.TransactionID).
		Stringer("disposition", event.Disposition).
		Msg("retrying transaction")
}
