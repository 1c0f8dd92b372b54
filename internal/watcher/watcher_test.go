package watcher

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wctlabs/wikirewards/internal/ledger"
	"github.com/wctlabs/wikirewards/internal/logging"
	"github.com/wctlabs/wikirewards/internal/tokens"
)

func TestCheck_LowAndReplenished(t *testing.T) {
	l := ledger.NewMemory(9, tokens.ToBaseUnits(50, 9))
	w := New(Config{PollInterval: time.Hour, PoolTokens: 100}, l, logging.Discard())
	ctx := context.Background()

	assert.Nil(t, w.Last())

	require.NoError(t, w.Check(ctx))
	st := w.Last()
	require.NotNil(t, st)
	assert.True(t, st.Low)
	assert.Equal(t, 0, st.Balance.Cmp(tokens.ToBaseUnits(50, 9)))

	l.Fund(l.Treasury(), tokens.ToBaseUnits(50, 9))
	require.NoError(t, w.Check(ctx))
	assert.False(t, w.Last().Low, "exactly the pool is enough")
}

func TestCheck_UnavailableKeepsLastStatus(t *testing.T) {
	l := ledger.NewMemory(9, tokens.ToBaseUnits(500, 9))
	w := New(Config{PoolTokens: 100}, l, logging.Discard())
	ctx := context.Background()

	require.NoError(t, w.Check(ctx))
	l.SetUnavailable(true)

	err := w.Check(ctx)
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	require.NotNil(t, w.Last())
	assert.False(t, w.Last().Low)
}

func TestLast_ReturnsCopy(t *testing.T) {
	l := ledger.NewMemory(9, big.NewInt(10))
	w := New(Config{}, l, logging.Discard())
	require.NoError(t, w.Check(context.Background()))

	w.Last().Balance.SetInt64(999)
	assert.Equal(t, int64(10), w.Last().Balance.Int64())
}

func TestStartStop(t *testing.T) {
	l := ledger.NewMemory(9, big.NewInt(0))
	w := New(Config{PollInterval: 10 * time.Millisecond, PoolTokens: 1}, l, logging.Discard())

	w.Start(context.Background())
	require.NotNil(t, w.Last(), "Start checks once before polling")
	assert.True(t, w.Last().Low)

	l.Fund(l.Treasury(), tokens.ToBaseUnits(1, 9))
	assert.Eventually(t, func() bool { return !w.Last().Low }, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	w := New(DefaultConfig(), ledger.NewMemory(9, big.NewInt(0)), logging.Discard())
	w.Stop()
}
