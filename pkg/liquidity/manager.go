// Package liquidity tracks the resolver's balances across chains, issues
// time-boxed reservations against them, and keeps liquidity distributed via
// a rebalancing strategy.
//
// The Balance and Reservation tables are the only cross-order shared mutable
// state in the system; every mutation goes through Reserve, Release, Consume
// or the periodic sweeps, under a per-pool lock.
package liquidity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-hq/crosslock-resolver/pkg/config"
	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/metrics"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

var (
	// ErrInsufficientLiquidity is returned when a reservation exceeds the
	// available balance. Nothing is partially reserved.
	ErrInsufficientLiquidity = errors.New("liquidity: insufficient available balance")
	// ErrUnknownPool is returned for a (chain, token) pair with no balance row
	ErrUnknownPool = errors.New("liquidity: unknown chain/token pool")
	// ErrReservationNotFound is returned for an unknown reservation id
	ErrReservationNotFound = errors.New("liquidity: reservation not found")
	// ErrInvalidAmount is returned for nil or non-positive reservation amounts
	ErrInvalidAmount = errors.New("liquidity: invalid reservation amount")
)

// BalanceSource polls a chain's authoritative balance for the resolver.
type BalanceSource interface {
	GetBalance(ctx context.Context, token common.Address) (*big.Int, error)
}

// TransferInitiator moves funds between chains for rebalancing. The actual
// bridging is outside this core.
type TransferInitiator interface {
	InitiateTransfer(ctx context.Context, fromChain, toChain int, token common.Address, amount *big.Int) error
}

type poolKey struct {
	chainID int
	token   common.Address
}

// pool is one balance row. Its mutex linearizes every mutation so no two
// reservation operations observe a stale available value.
type pool struct {
	mu            sync.Mutex
	available     *big.Int
	reserved      *big.Int
	total         *big.Int
	lastUpdated   time.Time
	pending       int
	lastRebalance time.Time
}

// Manager owns the balance and reservation tables.
type Manager struct {
	cfg    config.LiquidityConfig
	logger logger.Logger

	mu           sync.Mutex
	pools        map[poolKey]*pool
	reservations map[string]*models.Reservation
	sources      map[int]BalanceSource

	transfers TransferInitiator
	strategy  *RebalanceStrategy

	events chan models.Event
	seq    atomic.Uint64
	now    func() time.Time
}

// NewManager creates a liquidity manager with no pools registered.
func NewManager(cfg config.LiquidityConfig, log logger.Logger) *Manager {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Manager{
		cfg:          cfg,
		logger:       log,
		pools:        make(map[poolKey]*pool),
		reservations: make(map[string]*models.Reservation),
		sources:      make(map[int]BalanceSource),
		events:       make(chan models.Event, 64),
		now:          time.Now,
	}
}

// Events exposes the manager's event channel: reservation expiries,
// low-liquidity alerts and rebalance notifications.
func (m *Manager) Events() <-chan models.Event {
	return m.events
}

// SetSource registers the authoritative balance source for a chain.
func (m *Manager) SetSource(chainID int, src BalanceSource) {
	m.mu.Lock()
	m.sources[chainID] = src
	m.mu.Unlock()
}

// SetTransferInitiator wires the cross-chain transfer backend used by
// rebalancing.
func (m *Manager) SetTransferInitiator(t TransferInitiator) {
	m.transfers = t
}

// SetStrategy installs the rebalancing strategy. Without one, rebalancing
// ticks are no-ops.
func (m *Manager) SetStrategy(s *RebalanceStrategy) {
	m.strategy = s
}

// AddPool registers a (chain, token) balance row with an initial total.
func (m *Manager) AddPool(chainID int, token common.Address, total *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[poolKey{chainID, token}] = &pool{
		available:   new(big.Int).Set(total),
		reserved:    new(big.Int),
		total:       new(big.Int).Set(total),
		lastUpdated: m.now(),
	}
}

func (m *Manager) pool(chainID int, token common.Address) (*pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolKey{chainID, token}]
	return p, ok
}

// CheckAvailability computes both legs' required versus available amounts.
// Insufficiency is reported as a structured deficit, never just a boolean.
func (m *Manager) CheckAvailability(order *models.Order) *models.AvailabilityReport {
	report := &models.AvailabilityReport{
		OrderID: order.ID,
		Source:  m.legReport(order.SourceChain, order.SourceToken, order.SourceAmount),
		Dest:    m.legReport(order.DestChain, order.DestToken, order.DestAmount),
	}
	report.Sufficient = report.Source.Deficit.Sign() == 0 && report.Dest.Deficit.Sign() == 0
	return report
}

func (m *Manager) legReport(chainID int, token common.Address, required *big.Int) models.LegReport {
	report := models.LegReport{
		ChainID:   chainID,
		Token:     token,
		Required:  new(big.Int).Set(required),
		Available: new(big.Int),
		Deficit:   new(big.Int).Set(required),
	}
	p, ok := m.pool(chainID, token)
	if !ok {
		return report
	}
	p.mu.Lock()
	report.Available.Set(p.available)
	p.mu.Unlock()

	report.Deficit.Sub(report.Required, report.Available)
	if report.Deficit.Sign() < 0 {
		report.Deficit.SetInt64(0)
	}
	return report
}

// Reserve atomically checks availability and holds amount for an order leg.
// A failed reservation leaves the pool untouched.
func (m *Manager) Reserve(orderID string, chainID int, token common.Address, amount *big.Int, ttl time.Duration) (*models.Reservation, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if ttl <= 0 {
		ttl = m.cfg.ReservationTTL
	}
	p, ok := m.pool(chainID, token)
	if !ok {
		return nil, fmt.Errorf("%w: chain %d token %s", ErrUnknownPool, chainID, token.Hex())
	}

	p.mu.Lock()
	if p.available.Cmp(amount) < 0 {
		available := new(big.Int).Set(p.available)
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: need %s, have %s on chain %d",
			ErrInsufficientLiquidity, amount.String(), available.String(), chainID)
	}
	p.available.Sub(p.available, amount)
	p.reserved.Add(p.reserved, amount)
	p.mu.Unlock()

	now := m.now()
	res := &models.Reservation{
		ID:        fmt.Sprintf("rsv-%s-%d-%d", orderID, chainID, m.seq.Add(1)),
		OrderID:   orderID,
		ChainID:   chainID,
		Token:     token,
		Amount:    new(big.Int).Set(amount),
		ExpiresAt: now.Add(ttl),
		Status:    models.ReservationActive,
		CreatedAt: now,
	}

	m.mu.Lock()
	m.reservations[res.ID] = res
	m.mu.Unlock()

	metrics.ActiveReservations.Inc()
	m.logger.DebugWithChain(chainID, "Reserved %s for order %s (reservation %s)",
		amount.String(), orderID, res.ID)
	return m.snapshot(res), nil
}

// Release cancels a reservation and restores the held amount to available.
// Releasing a non-active reservation is a no-op.
func (m *Manager) Release(reservationID string) error {
	return m.settle(reservationID, models.ReservationReleased)
}

// Consume finalizes a reservation whose funds left the pool: reserved and
// total both shrink. Consuming a non-active reservation is a no-op.
func (m *Manager) Consume(reservationID string) error {
	return m.settle(reservationID, models.ReservationConsumed)
}

// settle transitions an active reservation to exactly one terminal status.
func (m *Manager) settle(reservationID string, status models.ReservationStatus) error {
	m.mu.Lock()
	res, ok := m.reservations[reservationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	if res.Status != models.ReservationActive {
		m.mu.Unlock()
		return nil
	}
	res.Status = status
	p := m.pools[poolKey{res.ChainID, res.Token}]
	m.mu.Unlock()

	p.mu.Lock()
	p.reserved.Sub(p.reserved, res.Amount)
	switch status {
	case models.ReservationConsumed:
		p.total.Sub(p.total, res.Amount)
	default:
		p.available.Add(p.available, res.Amount)
	}
	p.mu.Unlock()

	metrics.ActiveReservations.Dec()
	m.logger.DebugWithChain(res.ChainID, "Reservation %s for order %s: %s",
		res.ID, res.OrderID, status)
	return nil
}

// SweepExpired reclaims every active reservation past its expiry and emits an
// expiry event per reservation. Returns the number reclaimed.
func (m *Manager) SweepExpired() int {
	now := m.now()

	m.mu.Lock()
	var expired []*models.Reservation
	for _, res := range m.reservations {
		if res.Status == models.ReservationActive && now.After(res.ExpiresAt) {
			expired = append(expired, res)
		}
	}
	m.mu.Unlock()

	for _, res := range expired {
		if err := m.settle(res.ID, models.ReservationExpired); err != nil {
			continue
		}
		metrics.ExpiredReservations.Inc()
		m.publish(models.Event{
			Type:        models.EventReservationExpired,
			OrderID:     res.OrderID,
			ChainID:     res.ChainID,
			Token:       res.Token,
			Reservation: m.snapshot(res),
			At:          now,
		})
	}
	if len(expired) > 0 {
		m.logger.Info("Reservation sweep reclaimed %d expired reservations", len(expired))
	}
	return len(expired)
}

// RefreshBalances polls each chain's authoritative balance and reconciles the
// balance rows. Reserved amounts are preserved; available is recomputed so
// the conservation invariant holds.
func (m *Manager) RefreshBalances(ctx context.Context) {
	m.mu.Lock()
	type entry struct {
		key poolKey
		p   *pool
		src BalanceSource
	}
	var entries []entry
	for key, p := range m.pools {
		src, ok := m.sources[key.chainID]
		if !ok {
			continue
		}
		entries = append(entries, entry{key, p, src})
	}
	m.mu.Unlock()

	for _, e := range entries {
		total, err := e.src.GetBalance(ctx, e.key.token)
		if err != nil {
			m.logger.ErrorWithChain(e.key.chainID, "Balance refresh failed for token %s: %v",
				e.key.token.Hex(), err)
			continue
		}

		e.p.mu.Lock()
		e.p.total.Set(total)
		e.p.available.Sub(total, e.p.reserved)
		if e.p.available.Sign() < 0 {
			// Chain reports less than we hold in reservations; freeze new
			// reservations until holds unwind.
			e.p.available.SetInt64(0)
			e.p.total.Set(e.p.reserved)
		}
		e.p.lastUpdated = m.now()
		available := new(big.Int).Set(e.p.available)
		e.p.mu.Unlock()

		availFlt, _ := new(big.Float).SetInt(available).Float64()
		metrics.AvailableLiquidity.WithLabelValues(
			fmt.Sprintf("%d", e.key.chainID), e.key.token.Hex()).Set(availFlt)

		if m.cfg.LowBalanceFloor != nil && available.Cmp(m.cfg.LowBalanceFloor) < 0 {
			m.logger.NoticeWithChain(e.key.chainID, "Low liquidity: %s available for token %s",
				available.String(), e.key.token.Hex())
			m.publish(models.Event{
				Type:    models.EventLowLiquidity,
				ChainID: e.key.chainID,
				Token:   e.key.token,
				Reason:  fmt.Sprintf("available %s below floor %s", available.String(), m.cfg.LowBalanceFloor.String()),
				At:      m.now(),
			})
		}
	}
}

// Balances returns a snapshot of every balance row.
func (m *Manager) Balances() []models.Balance {
	m.mu.Lock()
	type entry struct {
		key poolKey
		p   *pool
	}
	entries := make([]entry, 0, len(m.pools))
	for key, p := range m.pools {
		entries = append(entries, entry{key, p})
	}
	m.mu.Unlock()

	out := make([]models.Balance, 0, len(entries))
	for _, e := range entries {
		e.p.mu.Lock()
		out = append(out, models.Balance{
			ChainID:             e.key.chainID,
			Token:               e.key.token,
			Available:           new(big.Int).Set(e.p.available),
			Reserved:            new(big.Int).Set(e.p.reserved),
			Total:               new(big.Int).Set(e.p.total),
			LastUpdated:         e.p.lastUpdated,
			PendingTransactions: e.p.pending,
		})
		e.p.mu.Unlock()
	}
	return out
}

// Reservation returns a snapshot of a reservation by id.
func (m *Manager) Reservation(id string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReservationNotFound, id)
	}
	return m.snapshot(res), nil
}

// snapshot copies a reservation so callers never alias the live record.
func (m *Manager) snapshot(res *models.Reservation) *models.Reservation {
	cp := *res
	cp.Amount = new(big.Int).Set(res.Amount)
	return &cp
}

// publish sends an event, dropping it when the consumer has fallen behind.
func (m *Manager) publish(ev models.Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Error("Liquidity event channel full, dropping %s event", ev.Type)
	}
}

// Start runs the periodic balance refresh, reservation sweep and rebalance
// checks until the context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go m.runTicker(ctx, "balance refresh", m.cfg.RefreshInterval, func() {
		m.RefreshBalances(ctx)
	})
	go m.runTicker(ctx, "reservation sweep", m.cfg.SweepInterval, func() {
		m.SweepExpired()
	})
	go m.runTicker(ctx, "rebalance check", m.cfg.RebalanceInterval, func() {
		m.RebalanceTick(ctx)
	})
}

func (m *Manager) runTicker(ctx context.Context, name string, interval time.Duration, fn func()) {
	m.logger.Debug("Liquidity %s loop started (every %v)", name, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Liquidity %s loop shutting down", name)
			return
		case <-ticker.C:
			fn()
		}
	}
}
