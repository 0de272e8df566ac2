package memledger

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/fault"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/session"
)

// Session is one server session of a Ledger. All state is guarded by the
// ledger's mutex.
type Session struct {
	ledger *Ledger
	id     string
	valid  bool
	alive  bool
	txID   string
	digest session.Digest
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) IsAlive() bool {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	return s.alive
}

func (s *Session) StartTransaction(ctx context.Context) (string, error) {
	unlock, err := s.call(ctx, OpStartTransaction)
	if err != nil {
		return "", err
	}
	defer unlock()

	s.txID = ulid.Make().String()
	s.digest = s.ledger.hasher.Begin(s.txID)
	return s.txID, nil
}

func (s *Session) ExecuteStatement(ctx context.Context, txID string, statement string, params []any) (session.Page, error) {
	unlock, err := s.call(ctx, OpExecuteStatement)
	if err != nil {
		return session.Page{}, err
	}
	defer unlock()

	if txID == "" || txID != s.txID {
		return session.Page{}, badRequest("transaction %q is not open on session %s", txID, s.id)
	}
	if err := s.digest.Update(statement, params); err != nil {
		return session.Page{}, err
	}
	values, err := s.ledger.responder(statement, params)
	if err != nil {
		return session.Page{}, err
	}
	return s.ledger.paginate(values), nil
}

func (s *Session) FetchPage(ctx context.Context, token string) (session.Page, error) {
	unlock, err := s.call(ctx, OpFetchPage)
	if err != nil {
		return session.Page{}, err
	}
	defer unlock()

	values, ok := s.ledger.cursors[token]
	if !ok {
		return session.Page{}, badRequest("unknown page token %q", token)
	}
	delete(s.ledger.cursors, token)
	return s.ledger.paginate(values), nil
}

func (s *Session) CommitTransaction(ctx context.Context, txID string, expectedDigest []byte) ([]byte, error) {
	unlock, err := s.call(ctx, OpCommitTransaction)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if txID == "" || txID != s.txID {
		return nil, badRequest("transaction %q is not open on session %s", txID, s.id)
	}
	sum := s.digest.Sum()
	s.txID, s.digest = "", nil
	if s.ledger.corrupt > 0 {
		s.ledger.corrupt--
		sum[0] ^= 0xff
	}
	return sum, nil
}

func (s *Session) AbortTransaction(ctx context.Context) error {
	unlock, err := s.call(ctx, OpAbortTransaction)
	if err != nil {
		return err
	}
	defer unlock()

	s.txID, s.digest = "", nil
	return nil
}

func (s *Session) End(ctx context.Context) error {
	unlock, err := s.call(ctx, OpEnd)
	if err != nil {
		s.ledger.mu.Lock()
		defer s.ledger.mu.Unlock()
	} else {
		defer unlock()
	}
	s.alive = false
	s.txID, s.digest = "", nil
	delete(s.ledger.sessions, s.id)
	return err
}

// call counts op, applies latency and injected faults, and returns with the
// ledger locked on success. Any fault ends the open transaction, as the
// service would.
func (s *Session) call(ctx context.Context, op Op) (func(), error) {
	if err := s.ledger.wait(ctx); err != nil {
		return nil, err
	}

	l := s.ledger
	l.mu.Lock()
	l.calls[op]++

	err := l.popFault(op)
	if err == nil && !s.valid {
		err = fault.NewServiceError(fault.CodeInvalidSession, "session %s is no longer valid", s.id)
	}
	if err == nil && !s.alive {
		err = fault.NewServiceError(fault.CodeInvalidSession, "session %s has ended", s.id)
	}
	if err != nil {
		var se *fault.ServiceError
		if errors.As(err, &se) && se.Code == fault.CodeInvalidSession {
			s.valid = false
			s.alive = false
		}
		if op != OpEnd {
			s.txID, s.digest = "", nil
		}
		l.mu.Unlock()
		return nil, err
	}
	return l.mu.Unlock, nil
}
