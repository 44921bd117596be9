package liquidity

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslock-hq/crosslock-resolver/pkg/config"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

var (
	usdc = common.HexToAddress("0x1111111111111111111111111111111111111111")
	weth = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() config.LiquidityConfig {
	return config.LiquidityConfig{
		ReservationTTL:     10 * time.Minute,
		RefreshInterval:    time.Minute,
		SweepInterval:      30 * time.Second,
		RebalanceInterval:  5 * time.Minute,
		LowBalanceFloor:    big.NewInt(100),
		RebalanceThreshold: 0.2,
		RebalanceCooldown:  30 * time.Minute,
		RebalanceMaxMove:   big.NewInt(500),
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	m := NewManager(testConfig(), nil)
	clock := newFakeClock()
	m.now = clock.Now
	m.AddPool(8453, usdc, big.NewInt(1000))
	m.AddPool(42161, usdc, big.NewInt(1000))
	return m, clock
}

func assertConservation(t *testing.T, m *Manager) {
	t.Helper()
	for _, b := range m.Balances() {
		sum := new(big.Int).Add(b.Available, b.Reserved)
		assert.Zero(t, sum.Cmp(b.Total),
			"available %s + reserved %s != total %s on chain %d",
			b.Available, b.Reserved, b.Total, b.ChainID)
	}
}

func TestReserveHoldsFunds(t *testing.T) {
	m, _ := newTestManager(t)

	res, err := m.Reserve("order-1", 8453, usdc, big.NewInt(400), 0)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, res.Status)
	assert.Equal(t, "order-1", res.OrderID)

	balances := m.Balances()
	for _, b := range balances {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(600), b.Available.Int64())
			assert.Equal(t, int64(400), b.Reserved.Int64())
			assert.Equal(t, int64(1000), b.Total.Int64())
		}
	}
	assertConservation(t, m)
}

func TestReserveFailureLeavesPoolUntouched(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.Reserve("order-1", 8453, usdc, big.NewInt(700), 0)
	require.NoError(t, err)

	// Second order needs more than what remains. The failed attempt must
	// not disturb the first hold or the balances.
	_, err = m.Reserve("order-2", 8453, usdc, big.NewInt(700), 0)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	kept, err := m.Reservation(first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, kept.Status)

	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(300), b.Available.Int64())
			assert.Equal(t, int64(700), b.Reserved.Int64())
		}
	}
	assertConservation(t, m)
}

func TestReserveRejectsInvalidAmounts(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Reserve("order-1", 8453, usdc, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = m.Reserve("order-2", 8453, usdc, big.NewInt(-100), 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = m.Reserve("order-3", 8453, usdc, big.NewInt(0), 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(1000), b.Available.Int64())
			assert.Zero(t, b.Reserved.Int64())
		}
	}
	assertConservation(t, m)
}

func TestReserveUnknownPool(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Reserve("order-1", 1, weth, big.NewInt(10), 0)
	assert.ErrorIs(t, err, ErrUnknownPool)
}

func TestReleaseRestoresAvailable(t *testing.T) {
	m, _ := newTestManager(t)

	res, err := m.Reserve("order-1", 8453, usdc, big.NewInt(250), 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(res.ID))

	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(1000), b.Available.Int64())
			assert.Zero(t, b.Reserved.Int64())
		}
	}

	// Releasing again is a no-op, not an error.
	assert.NoError(t, m.Release(res.ID))
	assertConservation(t, m)
}

func TestConsumeShrinksTotal(t *testing.T) {
	m, _ := newTestManager(t)

	res, err := m.Reserve("order-1", 8453, usdc, big.NewInt(250), 0)
	require.NoError(t, err)
	require.NoError(t, m.Consume(res.ID))

	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(750), b.Available.Int64())
			assert.Zero(t, b.Reserved.Int64())
			assert.Equal(t, int64(750), b.Total.Int64())
		}
	}

	// A consumed reservation cannot later be released back.
	assert.NoError(t, m.Release(res.ID))
	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(750), b.Total.Int64())
		}
	}
	assertConservation(t, m)
}

func TestSettleUnknownReservation(t *testing.T) {
	m, _ := newTestManager(t)
	assert.ErrorIs(t, m.Release("rsv-missing"), ErrReservationNotFound)
	assert.ErrorIs(t, m.Consume("rsv-missing"), ErrReservationNotFound)
}

func TestSweepExpiredReclaimsAndEmits(t *testing.T) {
	m, clock := newTestManager(t)

	res, err := m.Reserve("order-1", 8453, usdc, big.NewInt(300), 5*time.Minute)
	require.NoError(t, err)

	// Not yet expired.
	assert.Zero(t, m.SweepExpired())

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, m.SweepExpired())

	swept, err := m.Reservation(res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationExpired, swept.Status)

	select {
	case ev := <-m.Events():
		assert.Equal(t, models.EventReservationExpired, ev.Type)
		assert.Equal(t, "order-1", ev.OrderID)
	default:
		t.Fatal("expected a reservation_expired event")
	}

	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(1000), b.Available.Int64())
		}
	}
	assertConservation(t, m)
}

func TestCheckAvailabilityReportsDeficits(t *testing.T) {
	m, _ := newTestManager(t)

	order := &models.Order{
		ID:           "order-1",
		SourceChain:  8453,
		DestChain:    42161,
		SourceToken:  usdc,
		DestToken:    usdc,
		SourceAmount: big.NewInt(500),
		DestAmount:   big.NewInt(1500),
	}
	report := m.CheckAvailability(order)
	assert.False(t, report.Sufficient)
	assert.Zero(t, report.Source.Deficit.Int64())
	assert.Equal(t, int64(500), report.Dest.Deficit.Int64())

	order.DestAmount = big.NewInt(900)
	report = m.CheckAvailability(order)
	assert.True(t, report.Sufficient)
}

type stubSource struct {
	balance *big.Int
	err     error
}

func (s *stubSource) GetBalance(_ context.Context, _ common.Address) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return new(big.Int).Set(s.balance), nil
}

func TestRefreshBalancesPreservesReserved(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSource(8453, &stubSource{balance: big.NewInt(2000)})

	_, err := m.Reserve("order-1", 8453, usdc, big.NewInt(400), 0)
	require.NoError(t, err)

	m.RefreshBalances(context.Background())

	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(2000), b.Total.Int64())
			assert.Equal(t, int64(400), b.Reserved.Int64())
			assert.Equal(t, int64(1600), b.Available.Int64())
		}
	}
	assertConservation(t, m)
}

func TestRefreshBalancesClampsUnderReport(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSource(8453, &stubSource{balance: big.NewInt(100)})

	_, err := m.Reserve("order-1", 8453, usdc, big.NewInt(400), 0)
	require.NoError(t, err)

	m.RefreshBalances(context.Background())

	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Zero(t, b.Available.Int64())
			assert.Equal(t, int64(400), b.Reserved.Int64())
		}
	}
	assertConservation(t, m)
}

func TestRefreshBalancesEmitsLowLiquidity(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSource(8453, &stubSource{balance: big.NewInt(50)})

	m.RefreshBalances(context.Background())

	select {
	case ev := <-m.Events():
		assert.Equal(t, models.EventLowLiquidity, ev.Type)
		assert.Equal(t, 8453, ev.ChainID)
	default:
		t.Fatal("expected a low_liquidity event")
	}
}

func TestRefreshBalancesSourceError(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetSource(8453, &stubSource{err: errors.New("rpc down")})

	m.RefreshBalances(context.Background())

	// Stale row keeps its last known values.
	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(1000), b.Total.Int64())
		}
	}
}

type stubTransfers struct {
	mu    sync.Mutex
	calls int
	from  int
	to    int
	moved *big.Int
	err   error
}

func (s *stubTransfers) InitiateTransfer(_ context.Context, fromChain, toChain int, _ common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls++
	s.from = fromChain
	s.to = toChain
	s.moved = new(big.Int).Set(amount)
	return nil
}

func TestRebalanceMovesFromSurplusToDeficit(t *testing.T) {
	m := NewManager(testConfig(), nil)
	clock := newFakeClock()
	m.now = clock.Now
	m.AddPool(8453, usdc, big.NewInt(1800))
	m.AddPool(42161, usdc, big.NewInt(200))

	// Pools start inside the rebalance cooldown window.
	clock.Advance(time.Hour)

	transfers := &stubTransfers{}
	m.SetTransferInitiator(transfers)
	m.SetStrategy(&RebalanceStrategy{
		Threshold: 0.2,
		Cooldown:  30 * time.Minute,
		MaxMove:   big.NewInt(500),
	})

	m.RebalanceTick(context.Background())

	require.Equal(t, 1, transfers.calls)
	assert.Equal(t, 8453, transfers.from)
	assert.Equal(t, 42161, transfers.to)
	assert.Equal(t, int64(500), transfers.moved.Int64(), "move capped at MaxMove")

	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(1300), b.Total.Int64())
			assert.Equal(t, 1, b.PendingTransactions)
		}
	}
	assertConservation(t, m)

	// Cooldown blocks an immediate second move.
	m.RebalanceTick(context.Background())
	assert.Equal(t, 1, transfers.calls)
}

func TestRebalanceSkipsBalancedPools(t *testing.T) {
	m := NewManager(testConfig(), nil)
	clock := newFakeClock()
	m.now = clock.Now
	m.AddPool(8453, usdc, big.NewInt(1000))
	m.AddPool(42161, usdc, big.NewInt(1050))
	clock.Advance(time.Hour)

	transfers := &stubTransfers{}
	m.SetTransferInitiator(transfers)
	m.SetStrategy(&RebalanceStrategy{Threshold: 0.2, Cooldown: time.Minute})

	m.RebalanceTick(context.Background())
	assert.Zero(t, transfers.calls)
}

func TestRebalanceFailureKeepsBalances(t *testing.T) {
	m := NewManager(testConfig(), nil)
	clock := newFakeClock()
	m.now = clock.Now
	m.AddPool(8453, usdc, big.NewInt(1800))
	m.AddPool(42161, usdc, big.NewInt(200))
	clock.Advance(time.Hour)

	transfers := &stubTransfers{err: errors.New("bridge unavailable")}
	m.SetTransferInitiator(transfers)
	m.SetStrategy(&RebalanceStrategy{Threshold: 0.2, Cooldown: time.Minute})

	m.RebalanceTick(context.Background())

	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(1800), b.Total.Int64())
			assert.Zero(t, b.PendingTransactions)
		}
	}
}

func TestManualTransfersAlertsWithoutMovingFunds(t *testing.T) {
	m := NewManager(testConfig(), nil)
	clock := newFakeClock()
	m.now = clock.Now
	m.AddPool(8453, usdc, big.NewInt(1800))
	m.AddPool(42161, usdc, big.NewInt(200))
	clock.Advance(time.Hour)

	m.SetTransferInitiator(NewManualTransfers(nil))
	m.SetStrategy(&RebalanceStrategy{Threshold: 0.2, Cooldown: time.Minute})

	m.RebalanceTick(context.Background())

	// The initiator only alerts, so balances stay put and nothing is marked
	// pending. The operator's bridge deposit shows up via RefreshBalances.
	for _, b := range m.Balances() {
		if b.ChainID == 8453 {
			assert.Equal(t, int64(1800), b.Total.Int64())
		}
		assert.Zero(t, b.PendingTransactions)
	}
	assertConservation(t, m)

	err := NewManualTransfers(nil).InitiateTransfer(
		context.Background(), 8453, 42161, usdc, big.NewInt(500))
	assert.ErrorIs(t, err, ErrManualTransferRequired)
}

func TestTransferSettledClearsPending(t *testing.T) {
	m := NewManager(testConfig(), nil)
	clock := newFakeClock()
	m.now = clock.Now
	m.AddPool(8453, usdc, big.NewInt(1800))
	m.AddPool(42161, usdc, big.NewInt(200))
	clock.Advance(time.Hour)

	m.SetTransferInitiator(&stubTransfers{})
	m.SetStrategy(&RebalanceStrategy{Threshold: 0.2, Cooldown: time.Minute})
	m.RebalanceTick(context.Background())

	m.TransferSettled(8453, 42161, usdc)
	for _, b := range m.Balances() {
		assert.Zero(t, b.PendingTransactions)
	}
}
