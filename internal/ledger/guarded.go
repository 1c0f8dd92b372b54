package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/wctlabs/wikirewards/internal/circuitbreaker"
	"github.com/wctlabs/wikirewards/internal/metrics"
)

// ErrCircuitOpen means calls were refused because the ledger has been
// unreachable too often. It wraps ErrUnavailable.
var ErrCircuitOpen = fmt.Errorf("%w: circuit open", ErrUnavailable)

// Guarded wraps a Ledger with a circuit breaker. Only ErrUnavailable counts
// as a failure; rejected or underfunded transfers prove the ledger is up.
type Guarded struct {
	Ledger
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps l in a breaker that opens after threshold consecutive
// unavailable calls and retries after cooldown. State changes are logged
// and counted in metrics.
func NewGuarded(l Ledger, threshold int, cooldown time.Duration, logger *slog.Logger) *Guarded {
	breaker := circuitbreaker.New(threshold, cooldown,
		circuitbreaker.WithClassifier(circuitbreaker.FailOn(ErrUnavailable)),
		circuitbreaker.WithTransitionHook(func(from, to circuitbreaker.State) {
			metrics.LedgerCircuitTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
			logger.Warn("ledger circuit state changed", "from", from.String(), "to", to.String())
		}),
	)
	return &Guarded{Ledger: l, breaker: breaker}
}

// State returns the circuit state.
func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State()
}

func (g *Guarded) ResolveAccount(ctx context.Context, wallet string) (string, error) {
	return guard(g, func() (string, error) { return g.Ledger.ResolveAccount(ctx, wallet) })
}

func (g *Guarded) SubmitTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error) {
	return guard(g, func() (string, error) { return g.Ledger.SubmitTransfer(ctx, from, to, amount) })
}

func (g *Guarded) ConfirmTransfer(ctx context.Context, txRef string) (Confirmation, error) {
	return guard(g, func() (Confirmation, error) { return g.Ledger.ConfirmTransfer(ctx, txRef) })
}

func (g *Guarded) InspectTransfer(ctx context.Context, txRef string) (TransferDetails, error) {
	return guard(g, func() (TransferDetails, error) { return g.Ledger.InspectTransfer(ctx, txRef) })
}

func (g *Guarded) Balance(ctx context.Context, account string) (*big.Int, error) {
	return guard(g, func() (*big.Int, error) { return g.Ledger.Balance(ctx, account) })
}

// Close closes the wrapped ledger if it holds a connection.
func (g *Guarded) Close() error {
	if c, ok := g.Ledger.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func guard[T any](g *Guarded, fn func() (T, error)) (T, error) {
	v, err := circuitbreaker.Do(g.breaker, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return v, ErrCircuitOpen
	}
	return v, err
}
