// Package strategy decides which discovered orders are worth bidding on.
// All profitability arithmetic uses decimals, never floats, so margins near
// the threshold are judged exactly.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/crosslock-hq/crosslock-resolver/pkg/chains"
	"github.com/crosslock-hq/crosslock-resolver/pkg/config"
	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

// Engine scores orders for profitability and execution risk.
type Engine struct {
	minMargin      decimal.Decimal
	baseConfidence float64
	logger         logger.Logger
	now            func() time.Time
}

// NewEngine builds a strategy engine from config. A malformed MinMargin
// falls back to zero, which accepts any non-negative spread.
func NewEngine(cfg config.StrategyConfig, log logger.Logger) *Engine {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	minMargin, err := decimal.NewFromString(cfg.MinMargin)
	if err != nil {
		log.Error("Invalid MIN_MARGIN %q, defaulting to 0: %v", cfg.MinMargin, err)
		minMargin = decimal.Zero
	}
	return &Engine{
		minMargin:      minMargin,
		baseConfidence: cfg.BaseConfidence,
		logger:         log,
		now:            time.Now,
	}
}

// Analyze scores an order. The spread is what the maker pays minus what the
// resolver must deliver; the margin relates it to the delivered amount,
// which is the capital the resolver puts at risk on the destination chain.
func (e *Engine) Analyze(order *models.Order) *models.Analysis {
	analysis := &models.Analysis{OrderID: order.ID}

	received := decimal.NewFromBigInt(order.SourceAmount, 0)
	delivered := decimal.NewFromBigInt(order.DestAmount, 0)
	if delivered.IsZero() {
		analysis.ExpectedProfit = "0"
		return analysis
	}

	profit := received.Sub(delivered)
	margin := profit.Div(delivered)
	analysis.ExpectedProfit = profit.String()
	analysis.Margin, _ = margin.Float64()
	analysis.Confidence = e.confidence(order)
	analysis.RiskScore = e.riskScore(order)
	analysis.Profitable = margin.GreaterThanOrEqual(e.minMargin)

	if !analysis.Profitable {
		e.logger.DebugWithChain(order.SourceChain,
			"Order %s rejected: margin %s below minimum %s",
			order.ID, margin.StringFixed(6), e.minMargin.String())
	}
	return analysis
}

// confidence starts from the configured base and decays as the auction
// deadline approaches, since late wins leave less time to confirm both legs.
func (e *Engine) confidence(order *models.Order) float64 {
	confidence := e.baseConfidence
	if !chains.IsSupported(order.SourceChain) || !chains.IsSupported(order.DestChain) {
		return 0
	}
	if !order.AuctionEnd.IsZero() {
		remaining := order.AuctionEnd.Sub(e.now())
		switch {
		case remaining <= 0:
			return 0
		case remaining < 30*time.Second:
			confidence *= 0.5
		case remaining < 2*time.Minute:
			confidence *= 0.8
		}
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// riskScore penalizes slow-confirming legs and cross-token swaps, which add
// price exposure on top of settlement risk.
func (e *Engine) riskScore(order *models.Order) float64 {
	score := 0.1
	for _, chainID := range []int{order.SourceChain, order.DestChain} {
		if chains.DefaultConfirmations[chainID] >= 12 {
			score += 0.2
		}
	}
	if order.SourceToken != order.DestToken {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}
