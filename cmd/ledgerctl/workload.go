package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/fault"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/memledger"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/session"
)

type report struct {
	committed atomix.Uint32
	exhausted atomix.Uint32
	failed    atomix.Uint32
	elapsed   time.Duration
	stats     session.Stats
}

func (r *report) print(w io.Writer) {
	fmt.Fprintf(w, "committed=%d exhausted=%d failed=%d elapsed=%s\n",
		r.committed.Load(), r.exhausted.Load(), r.failed.Load(), r.elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "sessions: capacity=%d in_use=%d idle=%d created=%d discarded=%d retries=%d\n",
		r.stats.Capacity, r.stats.InUse, r.stats.Idle, r.stats.Created, r.stats.Discarded, r.stats.Retries)
}

// runWorkload inserts one document per transaction and reads it back in the
// same transaction. Pool saturation is counted, not fatal.
func runWorkload(ctx context.Context, p *session.Pool, l *memledger.Ledger, opts options) (*report, error) {
	for range opts.conflicts {
		l.Inject(memledger.OpCommitTransaction, fault.NewServiceError(fault.CodeOccConflict, "document changed"))
	}

	rep := &report{}
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i := range opts.transactions {
		g.Go(func() error {
			err := insertVehicle(ctx, p, fmt.Sprintf("VIN-%05d", i))
			switch {
			case err == nil:
				rep.committed.Add(1)
			case errors.Is(err, fault.ErrPoolExhausted):
				rep.exhausted.Add(1)
			case errors.Is(err, fault.ErrCancellationRequested), errors.Is(err, fault.ErrPoolClosed):
				return err
			default:
				rep.failed.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	rep.elapsed = time.Since(start)
	rep.stats = p.Stats()
	return rep, err
}

func insertVehicle(ctx context.Context, p *session.Pool, vin string) error {
	_, err := session.Execute(ctx, p, func(ctx context.Context, tx *session.Transaction) (int, error) {
		if _, err := tx.Execute(ctx, "INSERT INTO vehicles ?", vin); err != nil {
			return 0, err
		}
		res, err := tx.Execute(ctx, "SELECT * FROM vehicles WHERE vin = ?", vin)
		if err != nil {
			return 0, err
		}
		n := 0
		for res.Next(ctx) {
			n++
		}
		return n, res.Err()
	})
	return err
}
