package liquidity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/metrics"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

// RebalanceStrategy decides when liquidity should move between chains.
// TargetShare maps chain id to the fraction of a token's cross-chain total
// that chain should hold; chains absent from the map split the remainder
// evenly. A transfer is triggered only when a chain's share deviates from
// its target by more than Threshold.
type RebalanceStrategy struct {
	TargetShare map[int]float64
	Threshold   float64
	Cooldown    time.Duration
	MaxMove     *big.Int
}

// RebalanceTick evaluates every token's cross-chain distribution once and
// initiates at most one transfer per token. Transfers are asynchronous; the
// manager learns the outcome through the next balance refresh.
func (m *Manager) RebalanceTick(ctx context.Context) {
	if m.strategy == nil || m.transfers == nil {
		return
	}

	m.mu.Lock()
	byToken := make(map[common.Address][]poolKey)
	for key := range m.pools {
		byToken[key.token] = append(byToken[key.token], key)
	}
	m.mu.Unlock()

	for token, keys := range byToken {
		if len(keys) < 2 {
			continue
		}
		m.rebalanceToken(ctx, token, keys)
	}
}

func (m *Manager) rebalanceToken(ctx context.Context, token common.Address, keys []poolKey) {
	now := m.now()
	grand := new(big.Int)
	totals := make(map[int]*big.Int, len(keys))
	eligible := make(map[int]bool, len(keys))
	for _, key := range keys {
		p, ok := m.pool(key.chainID, token)
		if !ok {
			continue
		}
		p.mu.Lock()
		totals[key.chainID] = new(big.Int).Set(p.total)
		eligible[key.chainID] = p.pending == 0 && now.Sub(p.lastRebalance) >= m.strategy.Cooldown
		p.mu.Unlock()
		grand.Add(grand, totals[key.chainID])
	}
	if grand.Sign() == 0 {
		return
	}

	grandFlt, _ := new(big.Float).SetInt(grand).Float64()

	// Find the chain furthest above target and the one furthest below.
	var donor, recipient int
	var maxSurplus, maxDeficit float64
	for chainID, total := range totals {
		totalFlt, _ := new(big.Float).SetInt(total).Float64()
		deviation := totalFlt/grandFlt - m.targetShare(chainID, len(totals))
		if deviation > maxSurplus {
			maxSurplus, donor = deviation, chainID
		}
		if -deviation > maxDeficit {
			maxDeficit, recipient = -deviation, chainID
		}
	}
	if maxSurplus < m.strategy.Threshold && maxDeficit < m.strategy.Threshold {
		return
	}
	if donor == recipient || donor == 0 || recipient == 0 {
		return
	}
	if !eligible[donor] || !eligible[recipient] {
		return
	}

	// Move half the imbalance so one transfer never overshoots the target,
	// capped by MaxMove and by what the donor can actually spare.
	move := new(big.Float).Mul(big.NewFloat((maxSurplus+maxDeficit)/2), big.NewFloat(grandFlt))
	amount, _ := move.Int(nil)
	if m.strategy.MaxMove != nil && amount.Cmp(m.strategy.MaxMove) > 0 {
		amount.Set(m.strategy.MaxMove)
	}
	donorPool, _ := m.pool(donor, token)
	donorPool.mu.Lock()
	if amount.Cmp(donorPool.available) > 0 {
		amount.Set(donorPool.available)
	}
	donorPool.mu.Unlock()
	if amount.Sign() <= 0 {
		return
	}

	m.logger.NoticeWithChain(donor, "Rebalancing %s of token %s to chain %d (surplus %.1f%%, deficit %.1f%%)",
		amount.String(), token.Hex(), recipient, maxSurplus*100, maxDeficit*100)
	m.publish(models.Event{
		Type:    models.EventRebalanceStarted,
		ChainID: donor,
		Token:   token,
		Reason:  fmt.Sprintf("moving %s to chain %d", amount.String(), recipient),
		At:      now,
	})

	if err := m.transfers.InitiateTransfer(ctx, donor, recipient, token, amount); err != nil {
		m.logger.ErrorWithChain(donor, "Rebalance transfer to chain %d failed: %v", recipient, err)
		return
	}

	// Debit the donor immediately so a second tick cannot double-spend the
	// surplus; the recipient side is credited by its balance refresh once
	// the transfer lands.
	donorPool.mu.Lock()
	donorPool.available.Sub(donorPool.available, amount)
	donorPool.total.Sub(donorPool.total, amount)
	donorPool.pending++
	donorPool.lastRebalance = now
	donorPool.mu.Unlock()

	recipientPool, _ := m.pool(recipient, token)
	recipientPool.mu.Lock()
	recipientPool.pending++
	recipientPool.lastRebalance = now
	recipientPool.mu.Unlock()

	metrics.Rebalances.WithLabelValues(
		fmt.Sprintf("%d", donor), fmt.Sprintf("%d", recipient)).Inc()
	m.publish(models.Event{
		Type:    models.EventRebalanceCompleted,
		ChainID: recipient,
		Token:   token,
		Reason:  fmt.Sprintf("transfer of %s from chain %d initiated", amount.String(), donor),
		At:      m.now(),
	})
}

// TransferSettled clears the pending marker after a rebalance transfer is
// observed on both chains.
func (m *Manager) TransferSettled(fromChain, toChain int, token common.Address) {
	for _, chainID := range []int{fromChain, toChain} {
		p, ok := m.pool(chainID, token)
		if !ok {
			continue
		}
		p.mu.Lock()
		if p.pending > 0 {
			p.pending--
		}
		p.mu.Unlock()
	}
}

// ErrManualTransferRequired signals that a rebalance move needs an operator
// to bridge funds by hand.
var ErrManualTransferRequired = errors.New("liquidity: manual transfer required")

// ManualTransfers is a TransferInitiator for deployments without an automated
// bridge. It announces the move an operator should make and returns
// ErrManualTransferRequired, which leaves the pool balances untouched until
// the next refresh observes the funds arriving.
type ManualTransfers struct {
	logger logger.Logger
}

// NewManualTransfers creates a transfer initiator that only alerts operators.
func NewManualTransfers(log logger.Logger) *ManualTransfers {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &ManualTransfers{logger: log}
}

func (t *ManualTransfers) InitiateTransfer(_ context.Context, fromChain, toChain int, token common.Address, amount *big.Int) error {
	t.logger.NoticeWithChain(fromChain, "Manual rebalance needed: move %s of token %s to chain %d",
		amount.String(), token.Hex(), toChain)
	return ErrManualTransferRequired
}

func (m *Manager) targetShare(chainID, chains int) float64 {
	if share, ok := m.strategy.TargetShare[chainID]; ok {
		return share
	}
	assigned := 0.0
	named := 0
	for _, share := range m.strategy.TargetShare {
		assigned += share
		named++
	}
	if chains <= named {
		return 0
	}
	return (1 - assigned) / float64(chains-named)
}
