// Package executor drives accepted orders through the two-sided escrow
// lifecycle: fund the source leg, fund the destination leg, reveal the
// secret on the destination, then claim the source. Each order runs in its
// own goroutine; the executor only reports progress through typed events.
package executor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-hq/crosslock-resolver/pkg/chainclient"
	"github.com/crosslock-hq/crosslock-resolver/pkg/chains"
	"github.com/crosslock-hq/crosslock-resolver/pkg/config"
	"github.com/crosslock-hq/crosslock-resolver/pkg/escrow"
	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/metrics"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

var (
	// ErrAlreadyExecuting is returned when an order is already in flight
	ErrAlreadyExecuting = errors.New("executor: order already executing")
	// ErrNoClient is returned when no chain client is registered for a leg
	ErrNoClient = errors.New("executor: no client for chain")
)

// ReservationBook is the slice of the liquidity manager the executor needs:
// finalizing or returning the holds it was handed with an order.
type ReservationBook interface {
	Consume(reservationID string) error
	Release(reservationID string) error
}

// Mirror credits the local settlement ledger with value observed on chain.
// The maker's funds exist only on the source chain until their deposit
// transaction confirms; the mirror keeps the escrow ledger in step.
type Mirror interface {
	Mint(addr common.Address, token common.Address, amount *big.Int)
}

type running struct {
	exec   *models.SwapExecution
	cancel context.CancelFunc
}

// Executor runs swap executions. One goroutine per order, a shared quit
// channel for refund watchers, and a wait group covering both.
type Executor struct {
	cfg           config.ExecutorConfig
	logger        logger.Logger
	factory       *escrow.Factory
	book          ReservationBook
	mirror        Mirror
	resolver      common.Address
	safetyDeposit *big.Int
	srcTimelock   time.Duration
	dstTimelock   time.Duration
	backoffBase   time.Duration

	mu      sync.Mutex
	clients map[int]chainclient.Client
	active  map[string]*running

	events   chan models.Event
	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
	now      func() time.Time
}

// NewExecutor builds an executor. The destination timelock is derived
// shorter than the source timelock so the resolver can always claim the
// source leg after revealing the secret, before the maker can refund it.
func NewExecutor(cfg config.ExecutorConfig, escrowCfg config.EscrowConfig, factory *escrow.Factory, resolver common.Address, book ReservationBook, log logger.Logger) *Executor {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	srcTimelock := escrowCfg.MaxTimelock
	dstTimelock := escrowCfg.MinTimelock + (escrowCfg.MaxTimelock-escrowCfg.MinTimelock)/2
	return &Executor{
		cfg:           cfg,
		logger:        log,
		factory:       factory,
		book:          book,
		resolver:      resolver,
		safetyDeposit: escrowCfg.MinSafetyDeposit,
		srcTimelock:   srcTimelock,
		dstTimelock:   dstTimelock,
		backoffBase:   10 * time.Second,
		clients:       make(map[int]chainclient.Client),
		active:        make(map[string]*running),
		events:        make(chan models.Event, 64),
		quit:          make(chan struct{}),
		now:           time.Now,
	}
}

// Events exposes execution progress and terminal outcomes.
func (e *Executor) Events() <-chan models.Event {
	return e.events
}

// SetMirror wires the ledger credited with confirmed on-chain deposits.
// Without one the ledger must be seeded externally.
func (e *Executor) SetMirror(m Mirror) {
	e.mirror = m
}

// RegisterClient wires the chain client for one chain.
func (e *Executor) RegisterClient(c chainclient.Client) {
	e.mu.Lock()
	e.clients[c.ChainID()] = c
	e.mu.Unlock()
}

func (e *Executor) client(chainID int) (chainclient.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoClient, chainID)
	}
	return c, nil
}

// Execute starts driving an order. The caller hands over two active
// reservations; the executor owns them until a terminal phase.
func (e *Executor) Execute(ctx context.Context, order *models.Order, srcReservationID, dstReservationID string) error {
	e.mu.Lock()
	if _, exists := e.active[order.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExecuting, order.ID)
	}
	exec := &models.SwapExecution{
		OrderID:          order.ID,
		SrcReservationID: srcReservationID,
		DstReservationID: dstReservationID,
		Phase:            models.PhaseStarted,
		StartedAt:        e.now(),
	}
	orderCtx, cancel := context.WithCancel(ctx)
	e.active[order.ID] = &running{exec: exec, cancel: cancel}
	e.mu.Unlock()

	metrics.ActiveExecutions.Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(orderCtx, order, exec)
	}()
	return nil
}

// run is the per-order lifecycle. Every failure funnels through fail() so
// reservations are settled exactly once.
func (e *Executor) run(ctx context.Context, order *models.Order, exec *models.SwapExecution) {
	defer e.finish(order.ID)

	if _, err := rand.Read(exec.Secret[:]); err != nil {
		e.fail(order, exec, nil, nil, fmt.Errorf("failed to generate secret: %v", err))
		return
	}
	exec.SecretHash = escrow.HashSecret(exec.Secret)

	srcClient, err := e.client(order.SourceChain)
	if err != nil {
		e.fail(order, exec, nil, nil, err)
		return
	}
	dstClient, err := e.client(order.DestChain)
	if err != nil {
		e.fail(order, exec, nil, nil, err)
		return
	}

	now := e.now()
	orderID := order.OrderHash()
	srcEsc, err := e.factory.CreateEscrowSrc(e.resolver, escrow.CreateParams{
		OrderID:    orderID,
		Token:      order.SourceToken,
		Amount:     order.SourceAmount,
		Depositor:  order.Maker,
		Withdrawer: e.resolver,
		SecretHash: exec.SecretHash,
		Timelock:   now.Add(e.srcTimelock),
	}, e.safetyDeposit)
	if err != nil {
		e.fail(order, exec, nil, nil, fmt.Errorf("failed to create source escrow: %w", err))
		return
	}
	dstEsc, err := e.factory.CreateEscrowDst(e.resolver, escrow.CreateParams{
		OrderID:    orderID,
		Token:      order.DestToken,
		Amount:     order.DestAmount,
		Depositor:  e.resolver,
		Withdrawer: order.Recipient,
		SecretHash: exec.SecretHash,
		Timelock:   now.Add(e.dstTimelock),
	}, e.safetyDeposit)
	if err != nil {
		e.fail(order, exec, srcEsc, nil, fmt.Errorf("failed to create destination escrow: %w", err))
		return
	}

	// Source leg: the maker's funds lock first. The resolver commits nothing
	// until this leg is final.
	exec.SrcTxHash, err = e.submitWithRetry(ctx, exec, srcClient, srcEsc.Address(),
		nativeValue(order.SourceToken, order.SourceAmount), nil)
	if err != nil {
		e.fail(order, exec, srcEsc, dstEsc, fmt.Errorf("source deposit: %w", err))
		return
	}
	e.setPhase(exec, models.PhaseSourceSubmit)

	if err := e.awaitConfirmations(ctx, srcClient, order.SourceChain, exec.SrcTxHash); err != nil {
		e.fail(order, exec, srcEsc, dstEsc, fmt.Errorf("source confirmation: %w", err))
		return
	}
	// The confirmed transaction is the on-chain truth; credit the maker's
	// mirrored balance before recording the deposit against the escrow.
	if e.mirror != nil {
		e.mirror.Mint(order.Maker, order.SourceToken, order.SourceAmount)
	}
	if err := srcEsc.Deposit(order.Maker, nativeValue(order.SourceToken, order.SourceAmount)); err != nil {
		e.fail(order, exec, srcEsc, dstEsc, fmt.Errorf("source deposit: %w", err))
		return
	}
	e.setPhase(exec, models.PhaseSourceConfirm)
	e.logger.InfoWithChain(order.SourceChain, "Order %s source leg funded (%s)",
		order.ID, exec.SrcTxHash.Hex())

	// Destination leg: the resolver's capital goes on the line here.
	exec.DstTxHash, err = e.submitWithRetry(ctx, exec, dstClient, dstEsc.Address(),
		nativeValue(order.DestToken, order.DestAmount), nil)
	if err != nil {
		e.fail(order, exec, srcEsc, dstEsc, fmt.Errorf("destination deposit: %w", err))
		return
	}
	e.setPhase(exec, models.PhaseDestSubmit)

	if err := e.awaitConfirmations(ctx, dstClient, order.DestChain, exec.DstTxHash); err != nil {
		e.fail(order, exec, srcEsc, dstEsc, fmt.Errorf("destination confirmation: %w", err))
		return
	}
	if err := dstEsc.Deposit(e.resolver, nativeValue(order.DestToken, order.DestAmount)); err != nil {
		e.fail(order, exec, srcEsc, dstEsc, fmt.Errorf("destination deposit: %w", err))
		return
	}
	e.setPhase(exec, models.PhaseDestConfirm)
	e.logger.InfoWithChain(order.DestChain, "Order %s destination leg funded (%s)",
		order.ID, exec.DstTxHash.Hex())

	// Revealing the secret hands the destination funds to the recipient and
	// simultaneously arms the resolver's source-side claim. The delay gives
	// reorgs time to surface before the point of no return.
	if err := sleepCtx(ctx, e.cfg.RevealDelay); err != nil {
		e.fail(order, exec, srcEsc, dstEsc, fmt.Errorf("reveal delay: %w", err))
		return
	}
	exec.RevealTxHash, err = e.submitWithRetry(ctx, exec, dstClient, dstEsc.Address(), nil, exec.Secret[:])
	if err != nil {
		e.fail(order, exec, srcEsc, dstEsc, fmt.Errorf("secret reveal: %w", err))
		return
	}
	if _, err = dstEsc.Redeem(order.Recipient, exec.Secret); err != nil {
		e.fail(order, exec, srcEsc, dstEsc, fmt.Errorf("destination redeem: %w", err))
		return
	}
	e.setPhase(exec, models.PhaseSecretRevealed)
	e.publish(models.Event{
		Type:      models.EventSecretRevealed,
		OrderID:   order.ID,
		ChainID:   order.DestChain,
		Execution: snapshot(exec),
		At:        e.now(),
	})
	e.logger.NoticeWithChain(order.DestChain, "Order %s secret revealed, claiming source leg", order.ID)

	// Claim the maker's funds on the source chain with the now-public secret.
	if _, err := e.submitWithRetry(ctx, exec, srcClient, srcEsc.Address(), nil, exec.Secret[:]); err != nil {
		e.stuck(order, exec, fmt.Errorf("source claim: %w", err))
		return
	}
	if _, err := srcEsc.Redeem(e.resolver, exec.Secret); err != nil {
		e.stuck(order, exec, fmt.Errorf("source redeem: %w", err))
		return
	}

	e.settleReservations(exec)
	exec.Phase = models.PhaseCompleted
	exec.FinishedAt = e.now()
	elapsed := exec.FinishedAt.Sub(exec.StartedAt)
	metrics.SwapsCompleted.WithLabelValues(fmt.Sprintf("%d", order.SourceChain)).Inc()
	metrics.ExecutionTime.WithLabelValues(fmt.Sprintf("%d", order.SourceChain)).Observe(elapsed.Seconds())
	e.logger.NoticeWithChain(order.SourceChain, "Order %s completed in %v", order.ID, elapsed)
	e.publish(models.Event{
		Type:      models.EventExecutionCompleted,
		OrderID:   order.ID,
		ChainID:   order.SourceChain,
		Order:     order,
		Execution: snapshot(exec),
		At:        exec.FinishedAt,
	})
}

// fail records a terminal failure and recovers every escrow the order
// created but never resolved: funded legs return their amount at the
// timelock, created-only legs return the posted safety deposit.
func (e *Executor) fail(order *models.Order, exec *models.SwapExecution, srcEsc, dstEsc *escrow.Escrow, cause error) {
	exec.Phase = models.PhaseFailed
	exec.Error = cause.Error()
	exec.FinishedAt = e.now()
	metrics.SwapsFailed.WithLabelValues(
		fmt.Sprintf("%d", order.SourceChain), string(models.PhaseFailed)).Inc()
	e.logger.ErrorWithChain(order.SourceChain, "Order %s failed: %v", order.ID, cause)

	if srcEsc != nil && refundable(srcEsc) {
		e.scheduleRefund(order, order.SourceChain, "", srcEsc)
	}
	dstFunded := dstEsc != nil && dstEsc.Details().State == escrow.StateFunded
	if dstEsc != nil && refundable(dstEsc) {
		reservation := ""
		if dstFunded {
			reservation = exec.DstReservationID
		}
		e.scheduleRefund(order, order.DestChain, reservation, dstEsc)
	}

	// The source hold never spent pool capital and comes back now; the
	// destination hold stays with its refund watcher while resolver funds
	// are locked in the escrow.
	if exec.SrcReservationID != "" {
		e.releaseQuietly(exec.SrcReservationID)
	}
	if !dstFunded && exec.DstReservationID != "" {
		e.releaseQuietly(exec.DstReservationID)
	}

	e.publish(models.Event{
		Type:      models.EventExecutionFailed,
		OrderID:   order.ID,
		ChainID:   order.SourceChain,
		Order:     order,
		Execution: snapshot(exec),
		Reason:    exec.Error,
		At:        exec.FinishedAt,
	})
}

// stuck marks an execution that revealed the secret but could not claim the
// source leg. The destination funds are gone for good; the source claim
// remains possible manually until its timelock.
func (e *Executor) stuck(order *models.Order, exec *models.SwapExecution, cause error) {
	exec.Phase = models.PhaseStuck
	exec.Error = cause.Error()
	exec.FinishedAt = e.now()
	metrics.SwapsStuck.WithLabelValues(fmt.Sprintf("%d", order.SourceChain)).Inc()
	e.logger.ErrorWithChain(order.SourceChain,
		"Order %s STUCK after secret reveal, manual source claim required: %v", order.ID, cause)

	if exec.DstReservationID != "" {
		if err := e.book.Consume(exec.DstReservationID); err != nil {
			e.logger.Error("Failed to consume reservation %s: %v", exec.DstReservationID, err)
		}
	}
	if exec.SrcReservationID != "" {
		e.releaseQuietly(exec.SrcReservationID)
	}

	e.publish(models.Event{
		Type:      models.EventExecutionStuck,
		OrderID:   order.ID,
		ChainID:   order.SourceChain,
		Order:     order,
		Execution: snapshot(exec),
		Reason:    exec.Error,
		At:        exec.FinishedAt,
	})
}

// refundable reports whether an escrow still holds value a refund can
// recover.
func refundable(esc *escrow.Escrow) bool {
	switch esc.Details().State {
	case escrow.StateCreated, escrow.StateFunded:
		return true
	}
	return false
}

// scheduleRefund waits out an escrow's timelock and refunds it. The wait
// survives order cancellation but not executor shutdown.
func (e *Executor) scheduleRefund(order *models.Order, chainID int, reservationID string, esc *escrow.Escrow) {
	details := esc.Details()
	delay := details.Timelock.Sub(e.now())
	e.logger.NoticeWithChain(chainID, "Order %s refund scheduled in %v", order.ID, delay)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-e.quit:
				return
			case <-timer.C:
			}
		}
		if err := esc.Refund(e.resolver); err != nil {
			e.logger.ErrorWithChain(chainID, "Order %s refund failed: %v", order.ID, err)
			return
		}
		if reservationID != "" {
			e.releaseQuietly(reservationID)
		}
		e.logger.InfoWithChain(chainID, "Order %s escrow refunded", order.ID)
	}()
}

// settleReservations finalizes both holds after delivery. The source hold is
// released, since no source-chain capital leaves the pool; the destination
// hold is consumed.
func (e *Executor) settleReservations(exec *models.SwapExecution) {
	if exec.SrcReservationID != "" {
		e.releaseQuietly(exec.SrcReservationID)
	}
	if exec.DstReservationID != "" {
		if err := e.book.Consume(exec.DstReservationID); err != nil {
			e.logger.Error("Failed to consume reservation %s: %v", exec.DstReservationID, err)
		}
	}
}

// publish sends an event, dropping it when the consumer has fallen behind.
func (e *Executor) publish(ev models.Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Error("Executor event channel full, dropping %s event", ev.Type)
	}
}

func (e *Executor) releaseQuietly(reservationID string) {
	if err := e.book.Release(reservationID); err != nil {
		e.logger.Error("Failed to release reservation %s: %v", reservationID, err)
	}
}

// submitWithRetry broadcasts a transaction with bounded retries on
// transient error classes.
func (e *Executor) submitWithRetry(ctx context.Context, exec *models.SwapExecution, client chainclient.Client, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.RetryCount.WithLabelValues(fmt.Sprintf("%d", client.ChainID())).Inc()
			if err := sleepCtx(ctx, CalculateBackoff(attempt-1, e.backoffBase)); err != nil {
				return common.Hash{}, err
			}
		}
		exec.Attempts++

		hash, err := client.SubmitTransaction(ctx, to, value, data)
		if err == nil {
			return hash, nil
		}
		lastErr = err

		retryable, errorType := ClassifyError(err)
		if !retryable {
			e.logger.ErrorWithChain(client.ChainID(), "Permanent %s error: %v", errorType, err)
			return common.Hash{}, err
		}
		e.logger.DebugWithChain(client.ChainID(), "Transient %s error (attempt %d/%d): %v",
			errorType, attempt+1, e.cfg.MaxAttempts, err)
	}
	return common.Hash{}, fmt.Errorf("max attempts reached: %w", lastErr)
}

// awaitConfirmations polls until the transaction reaches the chain's
// finality depth.
func (e *Executor) awaitConfirmations(ctx context.Context, client chainclient.Client, chainID int, txHash common.Hash) error {
	required := chains.DefaultConfirmations[chainID]
	if required == 0 {
		required = 1
	}

	errored := 0
	for {
		depth, err := client.GetConfirmations(ctx, txHash)
		if err != nil {
			if retryable, _ := ClassifyError(err); !retryable {
				return err
			}
			errored++
			if errored >= e.cfg.MaxAttempts {
				return fmt.Errorf("max attempts reached: %w", err)
			}
		} else if depth >= required {
			return nil
		}

		if err := sleepCtx(ctx, e.cfg.ConfirmPollInterval); err != nil {
			return err
		}
	}
}

func (e *Executor) setPhase(exec *models.SwapExecution, phase models.ExecutionPhase) {
	e.mu.Lock()
	exec.Phase = phase
	e.mu.Unlock()
}

// finish removes a terminal execution from the active set.
func (e *Executor) finish(orderID string) {
	e.mu.Lock()
	delete(e.active, orderID)
	e.mu.Unlock()
	metrics.ActiveExecutions.Dec()
}

// ActiveCount returns the number of executions in flight.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Cancel aborts a single in-flight execution.
func (e *Executor) Cancel(orderID string) {
	e.mu.Lock()
	r, ok := e.active[orderID]
	e.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// CancelAll aborts every in-flight execution and wakes refund watchers.
func (e *Executor) CancelAll() {
	e.quitOnce.Do(func() { close(e.quit) })
	e.mu.Lock()
	for _, r := range e.active {
		r.cancel()
	}
	e.mu.Unlock()
}

// Wait blocks until all executions and refund watchers finish, or the
// timeout passes. Reports whether the drain completed.
func (e *Executor) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// nativeValue returns the transaction value for a leg: the amount itself for
// the native asset, nil for token transfers.
func nativeValue(token common.Address, amount *big.Int) *big.Int {
	if token == escrow.NativeAsset {
		return new(big.Int).Set(amount)
	}
	return nil
}

func snapshot(exec *models.SwapExecution) *models.SwapExecution {
	cp := *exec
	return &cp
}
