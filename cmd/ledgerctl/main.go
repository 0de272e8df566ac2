// Command ledgerctl drives a concurrent transaction workload through a
// session pool backed by the in-memory ledger and reports what the pool did.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/dig"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/config"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/logging"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/memledger"
	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/session"
)

type options struct {
	configPath   string
	workers      int
	transactions int
	conflicts    int
	latency      time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	flags := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	flags.IntVar(&opts.workers, "workers", 8, "concurrent callers")
	flags.IntVar(&opts.transactions, "transactions", 100, "transactions to run")
	flags.IntVar(&opts.conflicts, "conflicts", 0, "optimistic-concurrency conflicts to inject on commit")
	flags.DurationVar(&opts.latency, "latency", time.Millisecond, "simulated latency of every ledger call")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if opts.workers <= 0 || opts.transactions < 0 || opts.conflicts < 0 {
		return options{}, errors.New("workers must be positive, transactions and conflicts not negative")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "load .env")
	}

	container := dig.New()
	constructors := []any{
		func() (config.Config, error) {
			return config.Load(opts.configPath)
		},
		func(cfg config.Config) (zerolog.Logger, error) {
			return logging.New(cfg.Log, stderr)
		},
		func() *memledger.Ledger {
			return memledger.New(memledger.WithLatency(opts.latency))
		},
		newPool,
	}
	for _, constructor := range constructors {
		if err := container.Provide(constructor); err != nil {
			return err
		}
	}

	return container.Invoke(func(p *session.Pool, l *memledger.Ledger, logger zerolog.Logger) (err error) {
		sub := logging.ObservePool(p, logger)
		defer sub.Dispose()
		defer func() {
			if disposeErr := p.Dispose(context.WithoutCancel(ctx)); disposeErr != nil && err == nil {
				err = disposeErr
			}
		}()

		rep, err := runWorkload(ctx, p, l, opts)
		if err != nil {
			return err
		}
		rep.print(stdout)
		return nil
	})
}

func newPool(cfg config.Config, l *memledger.Ledger, logger zerolog.Logger) (*session.Pool, error) {
	opts := append(cfg.PoolOptions(),
		session.WithHasher(l.Hasher()),
		session.WithLogger(logger),
	)
	return session.NewPool(l.NewSession, opts...)
}
