// Package risk gates every order before capital is committed. Approval is a
// pure check; exposure accounting is mutated separately by the resolver as
// executions start and finish, so a rejected order never perturbs state.
package risk

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-hq/crosslock-resolver/pkg/circuitbreaker"
	"github.com/crosslock-hq/crosslock-resolver/pkg/config"
	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/metrics"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

// Verdict is the outcome of an approval check. Reason is empty when approved.
type Verdict struct {
	Approved bool
	Reason   string
}

// Manager enforces exposure ceilings, counterparty denylists and the
// emergency stop. Chain exposure is keyed by destination chain: that is
// where the resolver's capital sits until the secret is revealed.
type Manager struct {
	cfg      config.RiskConfig
	logger   logger.Logger
	breakers *circuitbreaker.Keyed

	mu            sync.Mutex
	chainExposure map[int]*big.Int
	tokenExposure map[common.Address]*big.Int
	dailyVolume   *big.Int
	volumeDay     time.Time
	denylist      map[common.Address]bool
	allowlist     map[common.Address]bool
	emergency     bool

	events chan models.Event
	now    func() time.Time
}

// NewManager builds a risk manager. Breakers may be nil when circuit
// breaking is handled elsewhere.
func NewManager(cfg config.RiskConfig, breakers *circuitbreaker.Keyed, log logger.Logger) *Manager {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	denylist := make(map[common.Address]bool, len(cfg.Denylist))
	for _, entry := range cfg.Denylist {
		denylist[common.HexToAddress(strings.TrimSpace(entry))] = true
	}
	allowlist := make(map[common.Address]bool, len(cfg.Allowlist))
	for _, entry := range cfg.Allowlist {
		allowlist[common.HexToAddress(strings.TrimSpace(entry))] = true
	}
	return &Manager{
		cfg:           cfg,
		logger:        log,
		breakers:      breakers,
		chainExposure: make(map[int]*big.Int),
		tokenExposure: make(map[common.Address]*big.Int),
		dailyVolume:   new(big.Int),
		denylist:      denylist,
		allowlist:     allowlist,
		events:        make(chan models.Event, 16),
		now:           time.Now,
	}
}

// Events exposes emergency stop and circuit trip notifications.
func (m *Manager) Events() <-chan models.Event {
	return m.events
}

// ApproveOrder runs every gate in a fixed order and returns the first
// failure. Reasons are stable strings fit for operator dashboards.
func (m *Manager) ApproveOrder(order *models.Order, analysis *models.Analysis) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollVolumeDay()

	reject := func(reason string) Verdict {
		metrics.OrdersRejected.WithLabelValues(reason).Inc()
		m.logger.NoticeWithChain(order.SourceChain, "Order %s rejected: %s", order.ID, reason)
		return Verdict{Reason: reason}
	}

	if m.emergency {
		return reject("risk: emergency stop active")
	}
	if m.breakers != nil && m.breakers.AnyOpen() {
		return reject("risk: circuit breaker open")
	}
	if m.denylist[order.Maker] {
		return reject("risk: maker denylisted")
	}
	if m.denylist[order.Recipient] {
		return reject("risk: recipient denylisted")
	}
	// An empty allowlist admits every maker.
	if len(m.allowlist) > 0 && !m.allowlist[order.Maker] {
		return reject("risk: maker not allowlisted")
	}
	if m.cfg.MaxOrderSize != nil && order.DestAmount.Cmp(m.cfg.MaxOrderSize) > 0 {
		return reject("risk: order size above ceiling")
	}
	if m.cfg.MaxChainExposure != nil {
		next := new(big.Int).Add(m.exposureLocked(m.chainExposure, order.DestChain), order.DestAmount)
		if next.Cmp(m.cfg.MaxChainExposure) > 0 {
			return reject("risk: chain exposure ceiling reached")
		}
	}
	if m.cfg.MaxTokenExposure != nil {
		next := new(big.Int).Add(m.tokenExposureLocked(order.DestToken), order.DestAmount)
		if next.Cmp(m.cfg.MaxTokenExposure) > 0 {
			return reject("risk: token exposure ceiling reached")
		}
	}
	if m.cfg.MaxDailyVolume != nil {
		next := new(big.Int).Add(m.dailyVolume, order.DestAmount)
		if next.Cmp(m.cfg.MaxDailyVolume) > 0 {
			return reject("risk: daily volume ceiling reached")
		}
	}
	if analysis != nil {
		if analysis.Confidence < m.cfg.MinConfidence {
			return reject("risk: confidence below minimum")
		}
		if analysis.RiskScore > m.cfg.MaxRiskScore {
			return reject("risk: risk score above maximum")
		}
	}
	return Verdict{Approved: true}
}

// AddExposure records committed capital for an order that entered execution.
// Daily volume counts every commitment and is never decremented.
func (m *Manager) AddExposure(order *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollVolumeDay()
	m.exposureLocked(m.chainExposure, order.DestChain).Add(
		m.exposureLocked(m.chainExposure, order.DestChain), order.DestAmount)
	m.tokenExposureLocked(order.DestToken).Add(
		m.tokenExposureLocked(order.DestToken), order.DestAmount)
	m.dailyVolume.Add(m.dailyVolume, order.DestAmount)
}

// ReleaseExposure returns committed capital after an execution reaches a
// terminal state, success or failure alike.
func (m *Manager) ReleaseExposure(order *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.exposureLocked(m.chainExposure, order.DestChain)
	chain.Sub(chain, order.DestAmount)
	if chain.Sign() < 0 {
		chain.SetInt64(0)
	}
	token := m.tokenExposureLocked(order.DestToken)
	token.Sub(token, order.DestAmount)
	if token.Sign() < 0 {
		token.SetInt64(0)
	}
}

// RecordFailure feeds the named breaker and publishes a trip event when the
// failure crosses the threshold.
func (m *Manager) RecordFailure(condition string) {
	if m.breakers == nil {
		return
	}
	if m.breakers.Get(condition).RecordFailure() {
		metrics.CircuitTrips.WithLabelValues(condition).Inc()
		m.publish(models.Event{
			Type:   models.EventCircuitTripped,
			Reason: condition,
			At:     m.now(),
		})
	}
}

// EmergencyStop halts all new approvals until cleared by an operator.
func (m *Manager) EmergencyStop(reason string) {
	m.mu.Lock()
	already := m.emergency
	m.emergency = true
	m.mu.Unlock()
	if already {
		return
	}
	m.logger.Error("EMERGENCY STOP: %s", reason)
	m.publish(models.Event{
		Type:   models.EventEmergencyStop,
		Reason: reason,
		At:     m.now(),
	})
}

// ClearEmergencyStop re-enables approvals.
func (m *Manager) ClearEmergencyStop() {
	m.mu.Lock()
	m.emergency = false
	m.mu.Unlock()
	m.logger.Notice("Emergency stop cleared")
}

// Stopped reports whether the emergency stop is active.
func (m *Manager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency
}

// Exposure returns the current committed amount for a destination chain.
func (m *Manager) Exposure(chainID int) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.exposureLocked(m.chainExposure, chainID))
}

// TokenExposure returns the current committed amount for a token.
func (m *Manager) TokenExposure(token common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.tokenExposureLocked(token))
}

// DailyVolume returns today's committed volume (UTC day).
func (m *Manager) DailyVolume() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollVolumeDay()
	return new(big.Int).Set(m.dailyVolume)
}

// rollVolumeDay resets the daily counter on UTC midnight. Caller holds mu.
func (m *Manager) rollVolumeDay() {
	today := m.now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(m.volumeDay) {
		m.volumeDay = today
		m.dailyVolume.SetInt64(0)
	}
}

func (m *Manager) exposureLocked(table map[int]*big.Int, key int) *big.Int {
	if table[key] == nil {
		table[key] = new(big.Int)
	}
	return table[key]
}

func (m *Manager) tokenExposureLocked(token common.Address) *big.Int {
	if m.tokenExposure[token] == nil {
		m.tokenExposure[token] = new(big.Int)
	}
	return m.tokenExposure[token]
}

func (m *Manager) publish(ev models.Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Error("Risk event channel full, dropping %s event", ev.Type)
	}
}

// Snapshot summarizes risk state for the status endpoint.
func (m *Manager) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollVolumeDay()
	out := map[string]string{
		"daily_volume":   m.dailyVolume.String(),
		"emergency_stop": fmt.Sprintf("%t", m.emergency),
	}
	for chainID, amount := range m.chainExposure {
		out[fmt.Sprintf("chain_%d_exposure", chainID)] = amount.String()
	}
	return out
}
