// Package resolver wires auction discovery, risk gating, liquidity
// reservation and swap execution into one service. All component events
// funnel through a single dispatch loop, so cross-component state changes
// are serialized without shared locks.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crosslock-hq/crosslock-resolver/pkg/auction"
	"github.com/crosslock-hq/crosslock-resolver/pkg/config"
	"github.com/crosslock-hq/crosslock-resolver/pkg/executor"
	"github.com/crosslock-hq/crosslock-resolver/pkg/liquidity"
	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/metrics"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
	"github.com/crosslock-hq/crosslock-resolver/pkg/risk"
)

// State is the service lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateDegraded     State = "degraded"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// ErrNotRunnable is returned when Start is called on a misassembled service.
var ErrNotRunnable = errors.New("resolver: service missing components")

// registryCap bounds the completed and failed registries.
const registryCap = 256

// snapshotInterval is how often the dispatch loop logs an aggregate snapshot.
const snapshotInterval = 30 * time.Second

// Service is the top-level orchestrator.
type Service struct {
	cfg       *config.Config
	logger    logger.Logger
	liquidity *liquidity.Manager
	executor  *executor.Executor
	auction   *auction.Participant
	risk      *risk.Manager

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	orders      map[string]*models.Order
	completed   []*models.SwapExecution
	failed      []*models.SwapExecution
	profit      decimal.Decimal
	totalExecNs int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService assembles the resolver from its components.
func NewService(cfg *config.Config, lm *liquidity.Manager, ex *executor.Executor, ap *auction.Participant, rm *risk.Manager, log logger.Logger) *Service {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Service{
		cfg:       cfg,
		logger:    log,
		liquidity: lm,
		executor:  ex,
		auction:   ap,
		risk:      rm,
		state:     StateInitializing,
		orders:    make(map[string]*models.Order),
		profit:    decimal.Zero,
		done:      make(chan struct{}),
	}
}

// Start brings the components up in dependency order: balances first, then
// execution, then order discovery. Any startup failure leaves the service in
// the error state.
func (s *Service) Start(ctx context.Context) error {
	if s.liquidity == nil || s.executor == nil || s.auction == nil || s.risk == nil {
		s.setState(StateError)
		return ErrNotRunnable
	}

	s.logger.Info("Resolver starting")
	s.setState(StateInitializing)
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	// A fresh balance view before anything can reserve against it.
	s.liquidity.RefreshBalances(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.liquidity.Start(runCtx)
	go s.dispatch(runCtx)
	s.auction.Start(runCtx)

	s.setState(StateRunning)
	s.logger.Notice("Resolver running as %s", s.cfg.ResolverAddress)
	return nil
}

// Stop shuts down gracefully: no new bids, drain in-flight swaps up to the
// configured timeout, then force-cancel whatever remains.
func (s *Service) Stop() {
	s.setState(StateStopping)
	s.logger.Notice("Resolver stopping, draining %d active swaps", s.executor.ActiveCount())

	s.auction.Stop()

	if !s.executor.Wait(s.cfg.DrainTimeout) {
		s.logger.Error("Drain timeout after %v, force-cancelling %d swaps",
			s.cfg.DrainTimeout, s.executor.ActiveCount())
		s.executor.CancelAll()
		s.executor.Wait(5 * time.Second)
	}

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.setState(StateStopped)
	s.logger.Notice("Resolver stopped")
}

// dispatch is the single consumer of every component event channel.
func (s *Service) dispatch(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.auction.Events():
			s.handleAuctionEvent(ctx, ev)
		case ev := <-s.executor.Events():
			s.handleExecutorEvent(ev)
		case ev := <-s.liquidity.Events():
			s.handleLiquidityEvent(ev)
		case ev := <-s.risk.Events():
			s.handleRiskEvent(ev)
		case <-ticker.C:
			snap := s.Snapshot()
			s.logger.Debug("Snapshot: %d active, %d completed, %d failed, success %.1f%%, profit %s",
				snap.ActiveSwaps, snap.CompletedSwaps, snap.FailedSwaps,
				snap.SuccessRate*100, snap.RollingProfit)
		}
	}
}

func (s *Service) handleAuctionEvent(ctx context.Context, ev models.Event) {
	switch ev.Type {
	case models.EventAuctionWon:
		s.handleAuctionWon(ctx, ev)
	case models.EventAuctionLost:
		s.logger.DebugWithChain(ev.ChainID, "Auction lost for order %s", ev.OrderID)
	case models.EventOrderDiscovered:
		s.logger.DebugWithChain(ev.ChainID, "Order %s discovered", ev.OrderID)
	}
}

// handleAuctionWon is the commit point: risk approval, then both liquidity
// legs, then handoff to the executor. Every partial step rolls back.
func (s *Service) handleAuctionWon(ctx context.Context, ev models.Event) {
	order := ev.Order
	if order == nil {
		return
	}

	verdict := s.risk.ApproveOrder(order, ev.Analysis)
	if !verdict.Approved {
		s.logger.NoticeWithChain(order.SourceChain, "Won order %s dropped: %s",
			order.ID, verdict.Reason)
		return
	}

	srcRes, err := s.liquidity.Reserve(order.ID, order.SourceChain, order.SourceToken,
		order.SourceAmount, 0)
	if err != nil {
		s.logger.ErrorWithChain(order.SourceChain, "Order %s source reservation failed: %v",
			order.ID, err)
		return
	}
	dstRes, err := s.liquidity.Reserve(order.ID, order.DestChain, order.DestToken,
		order.DestAmount, 0)
	if err != nil {
		s.releaseQuietly(srcRes.ID)
		s.logger.ErrorWithChain(order.DestChain, "Order %s destination reservation failed: %v",
			order.ID, err)
		return
	}

	s.risk.AddExposure(order)
	s.mu.Lock()
	s.orders[order.ID] = order
	s.mu.Unlock()

	if err := s.executor.Execute(ctx, order, srcRes.ID, dstRes.ID); err != nil {
		s.releaseQuietly(srcRes.ID)
		s.releaseQuietly(dstRes.ID)
		s.risk.ReleaseExposure(order)
		s.mu.Lock()
		delete(s.orders, order.ID)
		s.mu.Unlock()
		s.logger.ErrorWithChain(order.SourceChain, "Order %s execution handoff failed: %v",
			order.ID, err)
		return
	}
	s.logger.InfoWithChain(order.SourceChain, "Order %s handed to executor", order.ID)
}

func (s *Service) handleExecutorEvent(ev models.Event) {
	switch ev.Type {
	case models.EventExecutionCompleted:
		s.recordCompleted(ev)
	case models.EventExecutionFailed:
		s.recordFailed(ev, "execution")
	case models.EventExecutionStuck:
		s.recordFailed(ev, "stuck_execution")
	case models.EventSecretRevealed:
		s.logger.DebugWithChain(ev.ChainID, "Order %s secret revealed", ev.OrderID)
	}
}

func (s *Service) recordCompleted(ev models.Event) {
	order := s.takeOrder(ev.OrderID)
	if order != nil {
		s.risk.ReleaseExposure(order)
	}

	s.mu.Lock()
	s.completed = appendBounded(s.completed, ev.Execution)
	if ev.Execution != nil {
		s.totalExecNs += int64(ev.Execution.FinishedAt.Sub(ev.Execution.StartedAt))
	}
	if order != nil {
		// Spread in raw token units, meaningful only when source and dest
		// tokens share a scale. Same assumption the margin scoring makes;
		// the per-token breakdown lives in the ProfitRealized labels.
		gain := decimal.NewFromBigInt(order.SourceAmount, 0).
			Sub(decimal.NewFromBigInt(order.DestAmount, 0))
		s.profit = s.profit.Add(gain)
		gainFlt, _ := gain.Float64()
		metrics.ProfitRealized.WithLabelValues(
			fmt.Sprintf("%d", order.SourceChain), order.SourceToken.Hex()).Add(gainFlt)
	}
	// A successful swap clears a degraded state.
	if s.state == StateDegraded {
		s.state = StateRunning
	}
	s.mu.Unlock()
}

func (s *Service) recordFailed(ev models.Event, condition string) {
	order := s.takeOrder(ev.OrderID)
	if order != nil {
		s.risk.ReleaseExposure(order)
	}

	s.mu.Lock()
	s.failed = appendBounded(s.failed, ev.Execution)
	s.mu.Unlock()

	s.risk.RecordFailure(condition)
}

func (s *Service) handleLiquidityEvent(ev models.Event) {
	switch ev.Type {
	case models.EventReservationExpired:
		s.logger.NoticeWithChain(ev.ChainID, "Reservation for order %s expired unredeemed", ev.OrderID)
	case models.EventLowLiquidity:
		s.logger.NoticeWithChain(ev.ChainID, "Low liquidity: %s", ev.Reason)
	case models.EventRebalanceStarted, models.EventRebalanceCompleted:
		s.logger.InfoWithChain(ev.ChainID, "Rebalance: %s", ev.Reason)
	}
}

func (s *Service) handleRiskEvent(ev models.Event) {
	switch ev.Type {
	case models.EventCircuitTripped:
		s.logger.Error("Circuit tripped: %s", ev.Reason)
		s.setState(StateDegraded)
	case models.EventEmergencyStop:
		s.logger.Error("Emergency stop: %s", ev.Reason)
		s.setState(StateDegraded)
	}
}

// takeOrder removes and returns an active order by id.
func (s *Service) takeOrder(orderID string) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.orders[orderID]
	delete(s.orders, orderID)
	return order
}

func (s *Service) releaseQuietly(reservationID string) {
	if err := s.liquidity.Release(reservationID); err != nil {
		s.logger.Error("Failed to release reservation %s: %v", reservationID, err)
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(state State) {
	s.mu.Lock()
	if s.state != state {
		s.logger.Info("Resolver state: %s -> %s", s.state, state)
		s.state = state
	}
	s.mu.Unlock()
}

// Snapshot aggregates the service's health counters.
func (s *Service) Snapshot() models.HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := len(s.completed)
	failed := len(s.failed)
	total := completed + failed
	successRate := 0.0
	avgSec := 0.0
	if total > 0 {
		successRate = float64(completed) / float64(total)
	}
	if completed > 0 {
		avgSec = (time.Duration(s.totalExecNs) / time.Duration(completed)).Seconds()
	}

	uptime := time.Duration(0)
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt)
	}

	return models.HealthSnapshot{
		Uptime:          uptime,
		State:           string(s.state),
		ActiveSwaps:     s.executor.ActiveCount(),
		CompletedSwaps:  completed,
		FailedSwaps:     failed,
		SuccessRate:     successRate,
		RollingProfit:   s.profit.String(),
		AvgExecutionSec: avgSec,
		TakenAt:         time.Now(),
	}
}

// Balances passes through the liquidity view for the status endpoint.
func (s *Service) Balances() []models.Balance {
	return s.liquidity.Balances()
}

// RiskSummary passes through the risk view for the status endpoint.
func (s *Service) RiskSummary() map[string]string {
	return s.risk.Snapshot()
}

func appendBounded(list []*models.SwapExecution, exec *models.SwapExecution) []*models.SwapExecution {
	if exec == nil {
		return list
	}
	if len(list) >= registryCap {
		list = list[1:]
	}
	return append(list, exec)
}
