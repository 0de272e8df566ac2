package memledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/fault"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/option"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/session"
)

const DefaultPageSize = 200

type Op string

const (
	OpCreateSession     Op = "CreateSession"
	OpStartTransaction  Op = "StartTransaction"
	OpExecuteStatement  Op = "ExecuteStatement"
	OpFetchPage         Op = "FetchPage"
	OpCommitTransaction Op = "CommitTransaction"
	OpAbortTransaction  Op = "AbortTransaction"
	OpEnd               Op = "End"
)

// Responder produces the values a statement returns.
type Responder func(statement string, params []any) ([]any, error)

type Option func(*Ledger)

func WithPageSize(n int) Option {
	return func(l *Ledger) { l.pageSize = n }
}

func WithResponder(r Responder) Option {
	return func(l *Ledger) { l.responder = r }
}

// WithLatency delays every call, honouring cancellation while waiting.
func WithLatency(d time.Duration) Option {
	return func(l *Ledger) { l.latency = d }
}

type Ledger struct {
	mu        sync.Mutex
	pageSize  int
	latency   time.Duration
	responder Responder
	hasher    *Hasher
	faults    map[Op][]error
	calls     map[Op]int
	sessions  map[string]*Session
	cursors   map[string][]any
	corrupt   int
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		pageSize:  DefaultPageSize,
		responder: echo,
		hasher:    NewHasher(),
		faults:    make(map[Op][]error),
		calls:     make(map[Op]int),
		sessions:  make(map[string]*Session),
		cursors:   make(map[string][]any),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.pageSize <= 0 {
		l.pageSize = DefaultPageSize
	}
	return l
}

// echo returns the statement parameters as the result values.
func echo(statement string, params []any) ([]any, error) {
	return params, nil
}

// NewSession has the shape of session.SessionFactory.
func (l *Ledger) NewSession(ctx context.Context) (session.Session, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[OpCreateSession]++
	if err := l.popFault(OpCreateSession); err != nil {
		return nil, err
	}
	s := &Session{
		ledger: l,
		id:     uuid.NewString(),
		valid:  true,
		alive:  true,
	}
	l.sessions[s.id] = s
	return s, nil
}

// Inject queues errs to be returned, in order, by the next calls of op on
// any session.
func (l *Ledger) Inject(op Op, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], errs...)
}

func (l *Ledger) Calls(op Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *Ledger) Hasher() *Hasher {
	return l.hasher
}

// CorruptNextCommit makes the next successful commit return a digest that
// differs from the one the transaction produced.
func (l *Ledger) CorruptNextCommit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.corrupt++
}

// Invalidate expires a session on the server side. The client notices on
// its next call.
func (l *Ledger) Invalidate(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sessions[sessionID]; ok {
		s.valid = false
	}
}

// Expire ends a session on the server and lets the client see it at once,
// as a transport does after an idle timeout.
func (l *Ledger) Expire(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sessions[sessionID]; ok {
		s.valid = false
		s.alive = false
	}
}

// OpenSessions counts sessions that have not been ended.
func (l *Ledger) OpenSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Ledger) wait(ctx context.Context) error {
	if l.latency > 0 {
		timer := time.NewTimer(l.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ctx.Err()
}

// l.mu must be held.
func (l *Ledger) popFault(op Op) error {
	queue := l.faults[op]
	if len(queue) == 0 {
		return nil
	}
	l.faults[op] = queue[1:]
	return queue[0]
}

// l.mu must be held.
func (l *Ledger) paginate(values []any) session.Page {
	if len(values) <= l.pageSize {
		return session.Page{Values: values}
	}
	token := ulid.Make().String()
	l.cursors[token] = values[l.pageSize:]
	return session.Page{Values: values[:l.pageSize], NextToken: option.Some(token)}
}

func badRequest(format string, args ...any) error {
	return fault.NewServiceError(fault.CodeBadRequest, format, args...)
}
