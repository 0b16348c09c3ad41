package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfold/execution-engine/internal/chaos"
	"github.com/quantfold/execution-engine/internal/model"
)

func testPaper(fillDelay time.Duration) *Paper {
	return NewPaper(PaperConfig{FillDelay: fillDelay, Leverage: 10}, zap.NewNop())
}

func buySpec(symbol string, qty, price int64) OrderSpec {
	return OrderSpec{
		Symbol:   symbol,
		Side:     model.SideBuy,
		Type:     model.TypeLimit,
		Quantity: decimal.NewFromInt(qty),
		Price:    decimal.NewFromInt(price),
	}
}

func TestPaperOrderLifecycle(t *testing.T) {
	p := testPaper(30 * time.Millisecond)
	ctx := context.Background()

	id, err := p.PlaceOrder(ctx, buySpec("BTC_USDT", 1, 50000))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := p.GetOrderStatus(ctx, "BTC_USDT", id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, info.Status)

	time.Sleep(40 * time.Millisecond)
	info, err = p.GetOrderStatus(ctx, "BTC_USDT", id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, info.Status)
	assert.True(t, info.FilledQuantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, info.AvgFillPrice.Equal(decimal.NewFromInt(50000)))
}

func TestPaperBuildsNetPosition(t *testing.T) {
	p := testPaper(10 * time.Millisecond)
	ctx := context.Background()

	id1, err := p.PlaceOrder(ctx, buySpec("BTC_USDT", 2, 50000))
	require.NoError(t, err)
	sell := buySpec("BTC_USDT", 1, 51000)
	sell.Side = model.SideSell
	id2, err := p.PlaceOrder(ctx, sell)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = p.GetOrderStatus(ctx, "BTC_USDT", id1)
	require.NoError(t, err)
	_, err = p.GetOrderStatus(ctx, "BTC_USDT", id2)
	require.NoError(t, err)

	positions, err := p.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, model.PositionLong, positions[0].Side)
	assert.True(t, positions[0].Size.Equal(decimal.NewFromInt(1)), "net long 1 after 2 buy 1 sell")
	assert.Positive(t, positions[0].Margin.Cmp(decimal.Zero))
	assert.Positive(t, positions[0].MaintenanceMargin.Cmp(decimal.Zero))
}

func TestPaperCancelBeforeFill(t *testing.T) {
	p := testPaper(time.Second)
	ctx := context.Background()

	id, err := p.PlaceOrder(ctx, buySpec("BTC_USDT", 1, 50000))
	require.NoError(t, err)

	ok, err := p.CancelOrder(ctx, "BTC_USDT", id)
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := p.GetOrderStatus(ctx, "BTC_USDT", id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, info.Status)
}

func TestPaperCancelAfterFillRefused(t *testing.T) {
	p := testPaper(10 * time.Millisecond)
	ctx := context.Background()

	id, err := p.PlaceOrder(ctx, buySpec("BTC_USDT", 1, 50000))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	ok, err := p.CancelOrder(ctx, "BTC_USDT", id)
	require.NoError(t, err)
	assert.False(t, ok, "filled orders cannot be cancelled")
}

func TestPaperStagedPositions(t *testing.T) {
	p := testPaper(time.Second)
	ctx := context.Background()

	p.SetPosition(Position{
		Symbol: "ETH_USDT",
		Side:   model.PositionLong,
		Size:   decimal.NewFromInt(5),
	})
	positions, err := p.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	p.RemovePosition("ETH_USDT")
	positions, err = p.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestChaosClientDeterministicUnderSeed(t *testing.T) {
	run := func() []bool {
		cfg := &chaos.Config{Enabled: true, FailPct: 50, Seed: 7}
		client := WithChaos(testPaper(time.Second), chaos.New(cfg, zap.NewNop()))

		var outcomes []bool
		for i := 0; i < 20; i++ {
			_, err := client.PlaceOrder(context.Background(), buySpec("BTC_USDT", 1, 100))
			outcomes = append(outcomes, err != nil)
		}
		return outcomes
	}

	first := run()
	second := run()
	assert.Equal(t, first, second, "same seed, same fault sequence")

	failures := 0
	for _, failed := range first {
		if failed {
			failures++
		}
	}
	assert.Positive(t, failures, "a 50 percent fail rate produces some failures in 20 calls")
}

func TestChaosFailuresAreTransient(t *testing.T) {
	cfg := &chaos.Config{Enabled: true, FailPct: 100, Seed: 1}
	client := WithChaos(testPaper(time.Second), chaos.New(cfg, zap.NewNop()))

	_, err := client.PlaceOrder(context.Background(), buySpec("BTC_USDT", 1, 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
}
