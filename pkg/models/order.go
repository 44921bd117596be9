package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Order represents a swap order discovered on the auction feed. The maker
// locks SourceAmount of SourceToken on the source chain and expects
// DestAmount of DestToken delivered to Recipient on the destination chain.
type Order struct {
	ID           string         `json:"id"`
	SourceChain  int            `json:"source_chain"`
	DestChain    int            `json:"dest_chain"`
	SourceToken  common.Address `json:"source_token"`
	DestToken    common.Address `json:"dest_token"`
	SourceAmount *big.Int       `json:"source_amount"`
	DestAmount   *big.Int       `json:"dest_amount"`
	Maker        common.Address `json:"maker"`
	Recipient    common.Address `json:"recipient"`
	AuctionEnd   time.Time      `json:"auction_end"`
	CreatedAt    time.Time      `json:"created_at"`
}

// OrderHash returns the order ID as a 32-byte hash, the form the escrow
// factory keys escrows by.
func (o *Order) OrderHash() common.Hash {
	return common.HexToHash(o.ID)
}

// Analysis is the strategy engine's verdict on an order.
type Analysis struct {
	OrderID        string
	Profitable     bool
	ExpectedProfit string  // decimal string in destination token units
	Margin         float64 // profit relative to the amount at risk
	Confidence     float64 // 0..1
	RiskScore      float64 // 0..1, higher is riskier
}
