package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ReservationStatus is the lifecycle state of a liquidity reservation.
type ReservationStatus string

const (
	// ReservationActive means the hold is in force
	ReservationActive ReservationStatus = "active"
	// ReservationExpired means the sweep reclaimed the hold past its expiry
	ReservationExpired ReservationStatus = "expired"
	// ReservationReleased means the hold was cancelled and funds returned to available
	ReservationReleased ReservationStatus = "released"
	// ReservationConsumed means the funds left the pool on successful execution
	ReservationConsumed ReservationStatus = "consumed"
)

// Reservation is a time-boxed hold against available liquidity for one order leg.
type Reservation struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	ChainID   int               `json:"chain_id"`
	Token     common.Address    `json:"token"`
	Amount    *big.Int          `json:"amount"`
	ExpiresAt time.Time         `json:"expires_at"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// Balance tracks the liquidity pool for one (chain, token) pair.
// Invariant: Available + Reserved == Total.
type Balance struct {
	ChainID             int            `json:"chain_id"`
	Token               common.Address `json:"token"`
	Available           *big.Int       `json:"available"`
	Reserved            *big.Int       `json:"reserved"`
	Total               *big.Int       `json:"total"`
	LastUpdated         time.Time      `json:"last_updated"`
	PendingTransactions int            `json:"pending_transactions"`
}

// LegReport is the availability verdict for a single order leg.
type LegReport struct {
	ChainID   int            `json:"chain_id"`
	Token     common.Address `json:"token"`
	Required  *big.Int       `json:"required"`
	Available *big.Int       `json:"available"`
	Deficit   *big.Int       `json:"deficit"` // zero when sufficient
}

// AvailabilityReport describes whether both legs of an order can be funded
// and, when not, by how much each leg falls short.
type AvailabilityReport struct {
	OrderID    string    `json:"order_id"`
	Sufficient bool      `json:"sufficient"`
	Source     LegReport `json:"source"`
	Dest       LegReport `json:"dest"`
}
