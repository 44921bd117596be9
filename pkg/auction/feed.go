// Package auction discovers open orders from the order-flow API, scores them
// through the strategy engine and places bids.
package auction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/models"
)

// Feed is the order-flow surface the participant polls and bids through.
type Feed interface {
	// FetchOpenOrders returns orders whose auctions are still accepting bids
	FetchOpenOrders(ctx context.Context) ([]*models.Order, error)
	// PlaceBid submits a bid and reports whether it won the auction
	PlaceBid(ctx context.Context, orderID, resolver string) (bool, error)
}

// APIResponse represents the structure of the API response
type APIResponse struct {
	Orders     []*models.Order `json:"orders,omitempty"`
	Data       []*models.Order `json:"data,omitempty"`    // Some APIs use "data" as the key
	Results    []*models.Order `json:"results,omitempty"` // Some APIs use "results" as the key
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalCount int             `json:"total_count"`
	TotalPages int             `json:"total_pages"`
}

type bidRequest struct {
	OrderID  string `json:"order_id"`
	Resolver string `json:"resolver"`
}

type bidResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// HTTPFeed talks to the order discovery API over HTTP.
type HTTPFeed struct {
	endpoint   string
	httpClient *http.Client
	logger     logger.Logger
}

// NewHTTPFeed creates a feed client for an API endpoint.
func NewHTTPFeed(endpoint string, log logger.Logger) *HTTPFeed {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &HTTPFeed{
		endpoint:   endpoint,
		httpClient: createHTTPClient(),
		logger:     log,
	}
}

// FetchOpenOrders gets open orders from the API.
func (f *HTTPFeed) FetchOpenOrders(ctx context.Context) ([]*models.Order, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.endpoint+"/api/v1/orders?status=open", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build orders request: %v", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %v", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			f.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	// Try the wrapper struct first, then a bare array.
	var apiResp APIResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		var orders []*models.Order
		if err := json.Unmarshal(bodyBytes, &orders); err != nil {
			return nil, fmt.Errorf("failed to decode orders: %v, body: %s", err, string(bodyBytes))
		}
		return orders, nil
	}

	switch {
	case len(apiResp.Orders) > 0:
		return apiResp.Orders, nil
	case len(apiResp.Data) > 0:
		return apiResp.Data, nil
	case len(apiResp.Results) > 0:
		return apiResp.Results, nil
	}
	f.logger.Debug("No open orders found (page %d/%d, total count: %d)",
		apiResp.Page, apiResp.TotalPages, apiResp.TotalCount)
	return []*models.Order{}, nil
}

// PlaceBid submits a bid for an order.
func (f *HTTPFeed) PlaceBid(ctx context.Context, orderID, resolver string) (bool, error) {
	payload, err := json.Marshal(bidRequest{OrderID: orderID, Resolver: resolver})
	if err != nil {
		return false, fmt.Errorf("failed to encode bid: %v", err)
	}

	url := fmt.Sprintf("%s/api/v1/orders/%s/bids", f.endpoint, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to build bid request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to place bid: %v", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			f.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read bid response: %v", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return false, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var result bidResponse
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return false, fmt.Errorf("failed to decode bid response: %v, body: %s", err, string(bodyBytes))
	}
	if !result.Accepted && result.Reason != "" {
		f.logger.Debug("Bid on order %s lost: %s", orderID, result.Reason)
	}
	return result.Accepted, nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
