package auction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-hq/crosslock-resolver/pkg/chains"
	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/metrics"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

// Analyzer scores an order; the strategy engine satisfies this.
type Analyzer interface {
	Analyze(order *models.Order) *models.Analysis
}

// Participant polls the order feed, filters for profitable orders and bids.
// One bid per order, ever: lost auctions are not retried.
type Participant struct {
	feed     Feed
	analyzer Analyzer
	resolver string
	interval time.Duration
	logger   logger.Logger

	mu   sync.Mutex
	seen map[string]bool

	events   chan models.Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewParticipant creates an auction participant bidding as resolver.
func NewParticipant(feed Feed, analyzer Analyzer, resolver string, interval time.Duration, log logger.Logger) *Participant {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Participant{
		feed:     feed,
		analyzer: analyzer,
		resolver: resolver,
		interval: interval,
		logger:   log,
		seen:     make(map[string]bool),
		events:   make(chan models.Event, 64),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Events exposes discovery and won/lost notifications.
func (p *Participant) Events() <-chan models.Event {
	return p.events
}

// Start launches the polling loop. The first poll happens immediately.
func (p *Participant) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logger.Info("Auction participant started (polling every %v)", p.interval)
		p.Poll(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.Poll(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight poll to return.
func (p *Participant) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.logger.Info("Auction participant stopped")
}

// Poll fetches the open order set once and bids on every fresh order the
// strategy approves.
func (p *Participant) Poll(ctx context.Context) {
	orders, err := p.feed.FetchOpenOrders(ctx)
	if err != nil {
		p.logger.Error("Failed to fetch open orders: %v", err)
		return
	}

	for _, order := range orders {
		if !p.markSeen(order.ID) {
			continue
		}
		if err := validateOrder(order); err != nil {
			metrics.OrdersRejected.WithLabelValues("invalid").Inc()
			p.logger.Error("Rejecting malformed order %q: %v", order.ID, err)
			continue
		}
		p.publish(models.Event{
			Type:    models.EventOrderDiscovered,
			OrderID: order.ID,
			ChainID: order.SourceChain,
			Order:   order,
			At:      p.now(),
		})
		p.consider(ctx, order)
	}
}

func (p *Participant) consider(ctx context.Context, order *models.Order) {
	if !order.AuctionEnd.IsZero() && p.now().After(order.AuctionEnd) {
		p.logger.DebugWithChain(order.SourceChain, "Order %s auction already closed", order.ID)
		return
	}

	analysis := p.analyzer.Analyze(order)
	if !analysis.Profitable {
		metrics.OrdersRejected.WithLabelValues("unprofitable").Inc()
		return
	}

	won, err := p.feed.PlaceBid(ctx, order.ID, p.resolver)
	if err != nil {
		p.logger.ErrorWithChain(order.SourceChain, "Failed to bid on order %s: %v", order.ID, err)
		return
	}
	metrics.BidsPlaced.WithLabelValues(fmt.Sprintf("%d", order.SourceChain)).Inc()

	if !won {
		p.logger.DebugWithChain(order.SourceChain, "Lost auction for order %s", order.ID)
		p.publish(models.Event{
			Type:     models.EventAuctionLost,
			OrderID:  order.ID,
			ChainID:  order.SourceChain,
			Order:    order,
			Analysis: analysis,
			At:       p.now(),
		})
		return
	}

	metrics.AuctionsWon.WithLabelValues(fmt.Sprintf("%d", order.SourceChain)).Inc()
	p.logger.NoticeWithChain(order.SourceChain, "Won auction for order %s (margin %.4f)",
		order.ID, analysis.Margin)
	p.publish(models.Event{
		Type:     models.EventAuctionWon,
		OrderID:  order.ID,
		ChainID:  order.SourceChain,
		Order:    order,
		Analysis: analysis,
		At:       p.now(),
	})
}

// validateOrder rejects orders the feed should never hand out. The feed is an
// external surface, so every field the pipeline dereferences is checked here.
func validateOrder(o *models.Order) error {
	if o.ID == "" {
		return fmt.Errorf("empty order id")
	}
	if o.SourceAmount == nil || o.SourceAmount.Sign() <= 0 {
		return fmt.Errorf("non-positive source amount")
	}
	if o.DestAmount == nil || o.DestAmount.Sign() <= 0 {
		return fmt.Errorf("non-positive dest amount")
	}
	if o.Maker == (common.Address{}) {
		return fmt.Errorf("zero maker address")
	}
	if o.Recipient == (common.Address{}) {
		return fmt.Errorf("zero recipient address")
	}
	if !chains.IsSupported(o.SourceChain) {
		return fmt.Errorf("unsupported source chain %d", o.SourceChain)
	}
	if !chains.IsSupported(o.DestChain) {
		return fmt.Errorf("unsupported dest chain %d", o.DestChain)
	}
	return nil
}

// markSeen records an order id, returning false when it was already known.
func (p *Participant) markSeen(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[orderID] {
		return false
	}
	p.seen[orderID] = true
	return true
}

func (p *Participant) publish(ev models.Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Error("Auction event channel full, dropping %s event", ev.Type)
	}
}
