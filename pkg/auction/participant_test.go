package auction

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

type stubFeed struct {
	mu       sync.Mutex
	orders   []*models.Order
	fetchErr error
	bidErr   error
	accept   bool
	bids     []string
}

func (f *stubFeed) FetchOpenOrders(_ context.Context) ([]*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.orders, nil
}

func (f *stubFeed) PlaceBid(_ context.Context, orderID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bidErr != nil {
		return false, f.bidErr
	}
	f.bids = append(f.bids, orderID)
	return f.accept, nil
}

func (f *stubFeed) bidCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bids)
}

type stubAnalyzer struct {
	profitable bool
}

func (a *stubAnalyzer) Analyze(order *models.Order) *models.Analysis {
	return &models.Analysis{
		OrderID:    order.ID,
		Profitable: a.profitable,
		Confidence: 0.9,
	}
}

func openOrder(id string) *models.Order {
	return &models.Order{
		ID:           id,
		SourceChain:  8453,
		DestChain:    42161,
		SourceAmount: big.NewInt(1_010_000),
		DestAmount:   big.NewInt(1_000_000),
		Maker:        common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		Recipient:    common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		AuctionEnd:   time.Now().Add(time.Hour),
	}
}

func collectEvents(p *Participant) map[models.EventType]int {
	counts := make(map[models.EventType]int)
	for {
		select {
		case ev := <-p.Events():
			counts[ev.Type]++
		default:
			return counts
		}
	}
}

func TestPollBidsOnProfitableOrders(t *testing.T) {
	feed := &stubFeed{orders: []*models.Order{openOrder("o-1"), openOrder("o-2")}, accept: true}
	p := NewParticipant(feed, &stubAnalyzer{profitable: true}, "0xresolver", time.Minute, nil)

	p.Poll(context.Background())

	assert.Equal(t, 2, feed.bidCount())
	counts := collectEvents(p)
	assert.Equal(t, 2, counts[models.EventOrderDiscovered])
	assert.Equal(t, 2, counts[models.EventAuctionWon])
}

func TestPollSkipsUnprofitableOrders(t *testing.T) {
	feed := &stubFeed{orders: []*models.Order{openOrder("o-1")}, accept: true}
	p := NewParticipant(feed, &stubAnalyzer{profitable: false}, "0xresolver", time.Minute, nil)

	p.Poll(context.Background())

	assert.Zero(t, feed.bidCount())
	counts := collectEvents(p)
	assert.Equal(t, 1, counts[models.EventOrderDiscovered])
	assert.Zero(t, counts[models.EventAuctionWon])
}

func TestPollNeverRebidsSeenOrders(t *testing.T) {
	feed := &stubFeed{orders: []*models.Order{openOrder("o-1")}, accept: true}
	p := NewParticipant(feed, &stubAnalyzer{profitable: true}, "0xresolver", time.Minute, nil)

	p.Poll(context.Background())
	p.Poll(context.Background())

	assert.Equal(t, 1, feed.bidCount())
}

func TestPollEmitsLostAuctions(t *testing.T) {
	feed := &stubFeed{orders: []*models.Order{openOrder("o-1")}, accept: false}
	p := NewParticipant(feed, &stubAnalyzer{profitable: true}, "0xresolver", time.Minute, nil)

	p.Poll(context.Background())

	counts := collectEvents(p)
	assert.Equal(t, 1, counts[models.EventAuctionLost])
	assert.Zero(t, counts[models.EventAuctionWon])
}

func TestPollRejectsMalformedOrders(t *testing.T) {
	missingAmount := openOrder("o-bad-amount")
	missingAmount.SourceAmount = nil
	negative := openOrder("o-negative")
	negative.DestAmount = big.NewInt(-5)
	noMaker := openOrder("o-no-maker")
	noMaker.Maker = common.Address{}
	badChain := openOrder("o-bad-chain")
	badChain.DestChain = 999

	feed := &stubFeed{
		orders: []*models.Order{missingAmount, negative, noMaker, badChain, openOrder("o-good")},
		accept: true,
	}
	p := NewParticipant(feed, &stubAnalyzer{profitable: true}, "0xresolver", time.Minute, nil)

	p.Poll(context.Background())

	// Only the well-formed order reaches the strategy and the feed.
	assert.Equal(t, 1, feed.bidCount())
	counts := collectEvents(p)
	assert.Equal(t, 1, counts[models.EventOrderDiscovered])
	assert.Equal(t, 1, counts[models.EventAuctionWon])
}

func TestPollSkipsClosedAuctions(t *testing.T) {
	order := openOrder("o-1")
	order.AuctionEnd = time.Now().Add(-time.Minute)
	feed := &stubFeed{orders: []*models.Order{order}, accept: true}
	p := NewParticipant(feed, &stubAnalyzer{profitable: true}, "0xresolver", time.Minute, nil)

	p.Poll(context.Background())

	assert.Zero(t, feed.bidCount())
}

func TestPollSurvivesFeedErrors(t *testing.T) {
	feed := &stubFeed{fetchErr: errors.New("api down")}
	p := NewParticipant(feed, &stubAnalyzer{profitable: true}, "0xresolver", time.Minute, nil)

	p.Poll(context.Background())
	assert.Empty(t, collectEvents(p))

	// Feed recovers; the same participant keeps working.
	feed.mu.Lock()
	feed.fetchErr = nil
	feed.orders = []*models.Order{openOrder("o-1")}
	feed.accept = true
	feed.mu.Unlock()

	p.Poll(context.Background())
	assert.Equal(t, 1, feed.bidCount())
}

func TestStartAndStop(t *testing.T) {
	feed := &stubFeed{orders: []*models.Order{openOrder("o-1")}, accept: true}
	p := NewParticipant(feed, &stubAnalyzer{profitable: true}, "0xresolver", 10*time.Millisecond, nil)

	p.Start(context.Background())
	require.Eventually(t, func() bool { return feed.bidCount() == 1 },
		2*time.Second, time.Millisecond)
	p.Stop()
}

func TestHTTPFeedFetchAndBid(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode(APIResponse{
			Orders:     []*models.Order{openOrder("o-1")},
			TotalCount: 1,
		})
	})
	mux.HandleFunc("/api/v1/orders/o-1/bids", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var bid bidRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&bid))
		assert.Equal(t, "0xresolver", bid.Resolver)
		_ = json.NewEncoder(w).Encode(bidResponse{Accepted: true})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	feed := NewHTTPFeed(server.URL, nil)
	orders, err := feed.FetchOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o-1", orders[0].ID)
	assert.Equal(t, int64(1_000_000), orders[0].DestAmount.Int64())

	won, err := feed.PlaceBid(context.Background(), "o-1", "0xresolver")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestHTTPFeedBareArrayResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]*models.Order{openOrder("o-1"), openOrder("o-2")})
	}))
	defer server.Close()

	feed := NewHTTPFeed(server.URL, nil)
	orders, err := feed.FetchOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestHTTPFeedErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	feed := NewHTTPFeed(server.URL, nil)
	_, err := feed.FetchOpenOrders(context.Background())
	assert.Error(t, err)
}
