package executor

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

	"github.com/crosslock-hq/crosslock-resolver/pkg/chainclient"
	"github.com/crosslock-hq/crosslock-resolver/pkg/config"
	"github.com/crosslock-hq/crosslock-resolver/pkg/escrow"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

var (
	factoryID    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	owner        = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	resolverAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	maker        = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	recipient    = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	srcToken     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	dstToken     = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type stubBook struct {
	mu       sync.Mutex
	consumed []string
	released []string
}

func (b *stubBook) Consume(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumed = append(b.consumed, id)
	return nil
}

func (b *stubBook) Release(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, id)
	return nil
}

func (b *stubBook) snapshot() (consumed, released []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.consumed...), append([]string(nil), b.released...)
}

func escrowConfig() config.EscrowConfig {
	return config.EscrowConfig{
		MinTimelock:      30 * time.Minute,
		MaxTimelock:      24 * time.Hour,
		ExclusivePeriod:  10 * time.Minute,
		MinSafetyDeposit: big.NewInt(1),
	}
}

func executorConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		RevealDelay:         time.Millisecond,
		ConfirmPollInterval: time.Millisecond,
		MaxAttempts:         3,
	}
}

func newTestExecutor(t *testing.T) (*Executor, *escrow.MemLedger, *stubBook, *chainclient.MockClient, *chainclient.MockClient) {
	t.Helper()
	ledger := escrow.NewMemLedger()
	factory, err := escrow.NewFactory(factoryID, owner, escrow.Config{
		MinTimelock:      30 * time.Minute,
		MaxTimelock:      24 * time.Hour,
		MinSafetyDeposit: big.NewInt(1),
		ExclusivePeriod:  10 * time.Minute,
		EmergencyDelay:   7 * 24 * time.Hour,
	}, ledger)
	require.NoError(t, err)

	book := &stubBook{}
	e := NewExecutor(executorConfig(), escrowConfig(), factory, resolverAddr, book, nil)
	e.backoffBase = time.Millisecond

	srcClient := chainclient.NewMockClient(8453)
	dstClient := chainclient.NewMockClient(42161)
	e.RegisterClient(srcClient)
	e.RegisterClient(dstClient)

	// The resolver's destination inventory and safety-deposit collateral are
	// seeded up front; the maker's source deposit is credited by the mirror
	// once its transaction confirms, as in production.
	e.SetMirror(ledger)
	ledger.Mint(resolverAddr, dstToken, big.NewInt(1_000_000))
	ledger.Mint(resolverAddr, escrow.NativeAsset, big.NewInt(10))

	return e, ledger, book, srcClient, dstClient
}

func swapOrder() *models.Order {
	return &models.Order{
		ID:           "0x000000000000000000000000000000000000000000000000000000000000beef",
		SourceChain:  8453,
		DestChain:    42161,
		SourceToken:  srcToken,
		DestToken:    dstToken,
		SourceAmount: big.NewInt(101_000),
		DestAmount:   big.NewInt(100_000),
		Maker:        maker,
		Recipient:    recipient,
	}
}

// waitEvent drains the executor's channel until the wanted event type shows
// up or the deadline passes.
func waitEvent(t *testing.T, e *Executor, want models.EventType) models.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestExecuteHappyPath(t *testing.T) {
	e, ledger, book, _, _ := newTestExecutor(t)
	order := swapOrder()

	require.NoError(t, e.Execute(context.Background(), order, "rsv-src", "rsv-dst"))

	ev := waitEvent(t, e, models.EventExecutionCompleted)
	require.NotNil(t, ev.Execution)
	assert.Equal(t, models.PhaseCompleted, ev.Execution.Phase)
	assert.NotEqual(t, common.Hash{}, ev.Execution.SrcTxHash)
	assert.NotEqual(t, common.Hash{}, ev.Execution.RevealTxHash)

	require.True(t, e.Wait(2*time.Second))
	assert.Zero(t, e.ActiveCount())

	// Funds landed: recipient got the destination amount, resolver claimed
	// the source amount, and the mirror credited the maker exactly their
	// confirmed deposit.
	assert.Equal(t, int64(100_000), ledger.Balance(recipient, dstToken).Int64())
	assert.Equal(t, int64(101_000), ledger.Balance(resolverAddr, srcToken).Int64())
	assert.Equal(t, int64(0), ledger.Balance(maker, srcToken).Int64())

	// The destination hold left the pool with the recipient; the source hold
	// never spent pool capital and comes back.
	consumed, released := book.snapshot()
	assert.Equal(t, []string{"rsv-dst"}, consumed)
	assert.Equal(t, []string{"rsv-src"}, released)
}

func TestExecuteEmitsSecretRevealed(t *testing.T) {
	e, _, _, _, _ := newTestExecutor(t)

	require.NoError(t, e.Execute(context.Background(), swapOrder(), "rsv-src", "rsv-dst"))

	ev := waitEvent(t, e, models.EventSecretRevealed)
	assert.Equal(t, 42161, ev.ChainID)
	require.NotNil(t, ev.Execution)
	assert.Equal(t, escrow.HashSecret(ev.Execution.Secret), ev.Execution.SecretHash)
	e.Wait(2 * time.Second)
}

func TestPermanentFailureReleasesReservations(t *testing.T) {
	e, ledger, book, srcClient, _ := newTestExecutor(t)
	srcClient.SubmitErr = errors.New("execution reverted")

	require.NoError(t, e.Execute(context.Background(), swapOrder(), "rsv-src", "rsv-dst"))

	ev := waitEvent(t, e, models.EventExecutionFailed)
	require.NotNil(t, ev.Execution)
	assert.Equal(t, models.PhaseFailed, ev.Execution.Phase)
	assert.Contains(t, ev.Reason, "execution reverted")

	// Both escrows exist unfunded, so two deposit-recovery watchers hold the
	// wait group until shutdown.
	e.CancelAll()
	require.True(t, e.Wait(2*time.Second))

	consumed, released := book.snapshot()
	assert.Empty(t, consumed)
	assert.ElementsMatch(t, []string{"rsv-src", "rsv-dst"}, released)

	// No capital moved.
	assert.Equal(t, int64(1_000_000), ledger.Balance(resolverAddr, dstToken).Int64())
}

func TestDuplicateExecutionRejected(t *testing.T) {
	e, _, _, _, _ := newTestExecutor(t)
	e.cfg.RevealDelay = time.Second

	order := swapOrder()
	require.NoError(t, e.Execute(context.Background(), order, "rsv-src", "rsv-dst"))
	err := e.Execute(context.Background(), order, "rsv-src-2", "rsv-dst-2")
	assert.ErrorIs(t, err, ErrAlreadyExecuting)

	e.CancelAll()
	e.Wait(2 * time.Second)
}

type flakyClient struct {
	*chainclient.MockClient
	mu       sync.Mutex
	failures int
}

func (f *flakyClient) SubmitTransaction(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return common.Hash{}, errors.New("connection refused")
	}
	f.mu.Unlock()
	return f.MockClient.SubmitTransaction(ctx, to, value, data)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	e, _, book, _, _ := newTestExecutor(t)
	e.RegisterClient(&flakyClient{MockClient: chainclient.NewMockClient(8453), failures: 2})

	require.NoError(t, e.Execute(context.Background(), swapOrder(), "rsv-src", "rsv-dst"))

	ev := waitEvent(t, e, models.EventExecutionCompleted)
	assert.GreaterOrEqual(t, ev.Execution.Attempts, 3)
	require.True(t, e.Wait(2*time.Second))

	consumed, _ := book.snapshot()
	assert.Equal(t, []string{"rsv-dst"}, consumed)
}

// haltingClient lets a fixed number of submissions through, then fails
// every later one permanently.
type haltingClient struct {
	*chainclient.MockClient
	mu    sync.Mutex
	allow int
}

func (h *haltingClient) SubmitTransaction(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	h.mu.Lock()
	if h.allow <= 0 {
		h.mu.Unlock()
		return common.Hash{}, errors.New("execution reverted")
	}
	h.allow--
	h.mu.Unlock()
	return h.MockClient.SubmitTransaction(ctx, to, value, data)
}

func TestStuckWhenSourceClaimFails(t *testing.T) {
	e, ledger, book, _, _ := newTestExecutor(t)
	// First submission (the maker's deposit) passes, the claim after the
	// reveal does not.
	e.RegisterClient(&haltingClient{MockClient: chainclient.NewMockClient(8453), allow: 1})

	require.NoError(t, e.Execute(context.Background(), swapOrder(), "rsv-src", "rsv-dst"))

	ev := waitEvent(t, e, models.EventExecutionStuck)
	require.NotNil(t, ev.Execution)
	assert.Equal(t, models.PhaseStuck, ev.Execution.Phase)
	require.True(t, e.Wait(2*time.Second))

	// Destination funds are irrevocably delivered, so that hold is consumed;
	// the source hold is returned.
	consumed, released := book.snapshot()
	assert.Equal(t, []string{"rsv-dst"}, consumed)
	assert.Equal(t, []string{"rsv-src"}, released)
	assert.Equal(t, int64(100_000), ledger.Balance(recipient, dstToken).Int64())
}

func TestCancelSchedulesDestinationRefund(t *testing.T) {
	e, _, book, _, _ := newTestExecutor(t)
	e.cfg.RevealDelay = 30 * time.Second

	require.NoError(t, e.Execute(context.Background(), swapOrder(), "rsv-src", "rsv-dst"))

	// Let the execution fund both legs, then abort during the reveal delay.
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		r, ok := e.active[swapOrder().ID]
		return ok && r.exec.Phase == models.PhaseDestConfirm
	}, 5*time.Second, time.Millisecond)

	e.Cancel(swapOrder().ID)
	ev := waitEvent(t, e, models.EventExecutionFailed)
	assert.Equal(t, models.PhaseFailed, ev.Execution.Phase)

	// The destination hold stays with the refund watcher; only the source
	// hold is released immediately.
	_, released := book.snapshot()
	assert.Equal(t, []string{"rsv-src"}, released)

	e.CancelAll()
	require.True(t, e.Wait(2*time.Second))
}

func TestScheduledRefundFiresAfterTimelock(t *testing.T) {
	e, ledger, book, _, _ := newTestExecutor(t)

	clock := struct {
		mu sync.Mutex
		t  time.Time
	}{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	now := func() time.Time {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return clock.t
	}
	e.now = now
	e.factory.SetClock(now)

	secret := [32]byte{1}
	esc, err := e.factory.CreateEscrowDst(resolverAddr, escrow.CreateParams{
		OrderID:    common.HexToHash("0xbeef"),
		Token:      dstToken,
		Amount:     big.NewInt(5_000),
		Depositor:  resolverAddr,
		Withdrawer: recipient,
		SecretHash: escrow.HashSecret(secret),
		Timelock:   now().Add(time.Hour),
	}, big.NewInt(1))
	require.NoError(t, err)
	require.NoError(t, esc.Deposit(resolverAddr, nil))

	before := ledger.Balance(resolverAddr, dstToken).Int64()

	// Jump past the timelock so the watcher refunds immediately.
	clock.mu.Lock()
	clock.t = clock.t.Add(2 * time.Hour)
	clock.mu.Unlock()

	e.scheduleRefund(swapOrder(), 42161, "rsv-dst", esc)
	require.True(t, e.Wait(2*time.Second))

	assert.Equal(t, before+5_000, ledger.Balance(resolverAddr, dstToken).Int64())
	_, released := book.snapshot()
	assert.Equal(t, []string{"rsv-dst"}, released)
}

func TestFailSchedulesSourceRefund(t *testing.T) {
	// A failure after the maker's leg funded returns the maker's amount at
	// the source timelock; the resolver earns back its safety deposit.
	e, ledger, book, _, _ := newTestExecutor(t)

	clock := struct {
		mu sync.Mutex
		t  time.Time
	}{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	now := func() time.Time {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return clock.t
	}
	e.now = now
	e.factory.SetClock(now)

	order := swapOrder()
	ledger.Mint(maker, srcToken, big.NewInt(200_000))
	esc, err := e.factory.CreateEscrowSrc(resolverAddr, escrow.CreateParams{
		OrderID:    order.OrderHash(),
		Token:      srcToken,
		Amount:     order.SourceAmount,
		Depositor:  maker,
		Withdrawer: resolverAddr,
		SecretHash: escrow.HashSecret([32]byte{9}),
		Timelock:   now().Add(time.Hour),
	}, big.NewInt(1))
	require.NoError(t, err)
	require.NoError(t, esc.Deposit(maker, nil))
	assert.Equal(t, int64(99_000), ledger.Balance(maker, srcToken).Int64())

	// Jump past the timelock so the watcher refunds immediately.
	clock.mu.Lock()
	clock.t = clock.t.Add(2 * time.Hour)
	clock.mu.Unlock()

	exec := &models.SwapExecution{
		OrderID:          order.ID,
		SrcReservationID: "rsv-src",
		DstReservationID: "rsv-dst",
		StartedAt:        now(),
	}
	e.fail(order, exec, esc, nil, errors.New("destination deposit: execution reverted"))

	ev := waitEvent(t, e, models.EventExecutionFailed)
	assert.Equal(t, models.PhaseFailed, ev.Execution.Phase)
	require.True(t, e.Wait(2*time.Second))

	// Maker made whole, resolver's deposit recovered, both holds returned.
	assert.Equal(t, int64(200_000), ledger.Balance(maker, srcToken).Int64())
	assert.Equal(t, int64(10), ledger.Balance(resolverAddr, escrow.NativeAsset).Int64())
	_, released := book.snapshot()
	assert.ElementsMatch(t, []string{"rsv-src", "rsv-dst"}, released)
}
