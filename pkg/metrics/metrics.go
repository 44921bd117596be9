package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	SwapsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_swaps_completed_total",
		Help: "The total number of completed swaps by source chain",
	}, []string{"chain_id"})

	SwapsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_swaps_failed_total",
		Help: "The total number of failed swaps by source chain and failure phase",
	}, []string{"chain_id", "phase"})

	SwapsStuck = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_swaps_stuck_total",
		Help: "The total number of swaps stuck awaiting timelock refund",
	}, []string{"chain_id"})

	ExecutionTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "resolver_execution_seconds",
		Help:    "Time taken to execute swaps end to end",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // Start at 1s with 12 buckets doubling in size
	}, []string{"chain_id"})

	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resolver_active_executions",
		Help: "The number of swap executions currently in flight",
	})

	ActiveReservations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resolver_active_reservations",
		Help: "The number of active liquidity reservations",
	})

	ExpiredReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resolver_expired_reservations_total",
		Help: "The total number of reservations reclaimed by the expiry sweep",
	})

	AvailableLiquidity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resolver_available_liquidity",
		Help: "Available liquidity per chain and token in base units",
	}, []string{"chain_id", "token"})

	Rebalances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_rebalances_total",
		Help: "The total number of rebalance transfers initiated",
	}, []string{"from_chain", "to_chain"})

	BidsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_bids_placed_total",
		Help: "The total number of auction bids placed by source chain",
	}, []string{"chain_id"})

	AuctionsWon = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_auctions_won_total",
		Help: "The total number of auctions won by source chain",
	}, []string{"chain_id"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_orders_rejected_total",
		Help: "The total number of orders rejected before bidding",
	}, []string{"reason"})

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_retry_count_total",
		Help: "The total number of retried swap transactions by chain",
	}, []string{"chain_id"})

	CircuitTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_circuit_trips_total",
		Help: "The total number of circuit breaker trips by condition",
	}, []string{"condition"})

	ProfitRealized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_profit_realized_total",
		Help: "Cumulative realized profit in source token base units",
	}, []string{"chain_id", "token"})

	GasPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resolver_gas_price_gwei",
		Help: "Current gas price in gwei",
	}, []string{"chain_id"})
)
