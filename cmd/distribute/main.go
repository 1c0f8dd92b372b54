// Command distribute runs one reward distribution without starting the HTTP
// server. It creates the run for a window, or picks up the existing one, and
// executes it.
//
// Usage:
//
//	go run ./cmd/distribute                                  # last complete window
//	go run ./cmd/distribute -start 2024-01-01 -end 2024-01-08 -pool 5000
//	go run ./cmd/distribute -start 2024-01-01 -end 2024-01-08 -dry-run
//	go run ./cmd/distribute -start 2024-01-01 -end 2024-01-08 -retry
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wctlabs/wikirewards/internal/config"
	"github.com/wctlabs/wikirewards/internal/logging"
	"github.com/wctlabs/wikirewards/internal/rewards"
	"github.com/wctlabs/wikirewards/internal/server"
	"github.com/wctlabs/wikirewards/internal/validation"
)

type options struct {
	start, end string
	pool       int64
	minPayout  int64
	dryRun     bool
	retry      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.start, "start", "", "window start (YYYY-MM-DD or RFC 3339); default: last complete window")
	flag.StringVar(&opts.end, "end", "", "window end, exclusive")
	flag.Int64Var(&opts.pool, "pool", 0, "pool size in whole WCT (default REWARD_POOL_TOKENS)")
	flag.Int64Var(&opts.minPayout, "min", -1, "minimum payout in whole WCT (default REWARD_MIN_PAYOUT)")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "print the planned payouts and exit")
	flag.BoolVar(&opts.retry, "retry", false, "retry unpaid contributors of a partial or failed run")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "distribute:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.NewWithFile(cfg.LogLevel, cfg.LogFormat, logging.FileOptions{Path: cfg.LogFile})

	start, end, err := window(opts, cfg.Window)
	if err != nil {
		return err
	}
	pool := cfg.PoolTokens
	if opts.pool > 0 {
		pool = opts.pool
	}
	var minPayout *int64
	if opts.minPayout >= 0 {
		minPayout = &opts.minPayout
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	defer srv.Close()
	svc := srv.Rewards()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.dryRun {
		calc, err := svc.Calculate(ctx, start, end, pool, minPayout)
		if err != nil {
			return err
		}
		return printJSON(calc)
	}

	result, err := distribute(ctx, svc, start, end, pool, minPayout, opts.retry)
	if result != nil {
		if perr := printJSON(result); perr != nil {
			return perr
		}
	}
	return err
}

func distribute(ctx context.Context, svc *rewards.Service, start, end time.Time, pool int64, minPayout *int64, retry bool) (*rewards.Run, error) {
	run, err := svc.CreateRun(ctx, start, end, pool, minPayout)
	if errors.Is(err, rewards.ErrRunExists) {
		run, err = svc.Store().GetRunByWindow(ctx, start, end)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case retry && run.Status.Terminal():
		return svc.Retry(ctx, run.ID)
	case run.Status.Terminal():
		return run, nil
	default:
		return svc.Execute(ctx, run.ID)
	}
}

func window(opts options, length time.Duration) (time.Time, time.Time, error) {
	if opts.start == "" && opts.end == "" {
		start, end := rewards.LastCompleteWindow(time.Now(), length)
		return start, end, nil
	}
	if opts.start == "" || opts.end == "" {
		return time.Time{}, time.Time{}, errors.New("-start and -end must be given together")
	}
	return validation.ParseWindow(opts.start, opts.end)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
