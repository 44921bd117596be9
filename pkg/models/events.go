package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names the kinds of events components publish. The resolver
// consumes all component channels through a single dispatch loop.
type EventType string

const (
	EventOrderDiscovered    EventType = "order_discovered"
	EventAuctionWon         EventType = "auction_won"
	EventAuctionLost        EventType = "auction_lost"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionStuck     EventType = "execution_stuck"
	EventSecretRevealed     EventType = "secret_revealed"
	EventReservationExpired EventType = "reservation_expired"
	EventLowLiquidity       EventType = "low_liquidity"
	EventRebalanceStarted   EventType = "rebalance_started"
	EventRebalanceCompleted EventType = "rebalance_completed"
	EventCircuitTripped     EventType = "circuit_tripped"
	EventEmergencyStop      EventType = "emergency_stop"
)

// Event is the tagged payload published on component channels. Only the
// fields relevant to the Type are populated.
type Event struct {
	Type        EventType
	OrderID     string
	ChainID     int
	Token       common.Address
	Order       *Order
	Analysis    *Analysis
	Execution   *SwapExecution
	Reservation *Reservation
	Reason      string
	At          time.Time
}
