package logging

import (
	"github.com/rs/zerolog"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/disposable"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/session"
)

// ObservePool logs the session lifecycle and every statement of p. Disposing
// the result detaches all observers.
func ObservePool(p *session.Pool, logger zerolog.Logger) disposable.Disposable {
	logger = logger.With().Str("component", "pool").Logger()

	return disposable.NewCompositeDisposable(
		p.OnSessionCreated().Attach(func(e session.SessionCreatedEvent) {
			logger.Debug().Str("session", e.SessionID).Msg("session created")
		}),
		p.OnSessionReleased().Attach(func(e session.SessionReleasedEvent) {
			logger.Debug().Str("session", e.SessionID).Bool("requeued", e.Alive).Msg("session released")
		}),
		p.OnSessionDiscarded().Attach(func(e session.SessionDiscardedEvent) {
			event := logger.Info()
			if e.Err != nil {
				event = logger.Warn().Err(e.Err)
			}
			event.Str("session", e.SessionID).Str("reason", e.Reason).Msg("session discarded")
		}),
		p.OnStatementEnded().Attach(func(e session.StatementEndedEvent) {
			event := logger.Debug()
			if e.Err != nil {
				event = logger.Warn().Err(e.Err)
			}
			event.
				Str("session", e.SessionID).
				Str("transaction", e.TransactionID).
				Str("statement", e.Statement).
				Dur("response_time", e.ResponseTime).
				Msg("statement ended")
		}),
	)
}
