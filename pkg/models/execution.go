package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ExecutionPhase marks how far an execution has progressed.
type ExecutionPhase string

const (
	PhaseStarted        ExecutionPhase = "started"
	PhaseSourceSubmit   ExecutionPhase = "source_submitted"
	PhaseSourceConfirm  ExecutionPhase = "source_confirmed"
	PhaseDestSubmit     ExecutionPhase = "dest_submitted"
	PhaseDestConfirm    ExecutionPhase = "dest_confirmed"
	PhaseSecretRevealed ExecutionPhase = "secret_revealed"
	PhaseCompleted      ExecutionPhase = "completed"
	PhaseFailed         ExecutionPhase = "failed"
	PhaseStuck          ExecutionPhase = "stuck"
)

// SwapExecution is the mutable record of one order being driven through the
// two-sided escrow lifecycle. It is owned exclusively by the executor while
// active; the resolver moves it to the completed or failed registry on a
// terminal event.
type SwapExecution struct {
	OrderID          string         `json:"order_id"`
	SrcReservationID string         `json:"src_reservation_id"`
	DstReservationID string         `json:"dst_reservation_id"`
	Secret           [32]byte       `json:"-"`
	SecretHash       common.Hash    `json:"secret_hash"`
	Phase            ExecutionPhase `json:"phase"`
	SrcTxHash        common.Hash    `json:"src_tx_hash"`
	DstTxHash        common.Hash    `json:"dst_tx_hash"`
	RevealTxHash     common.Hash    `json:"reveal_tx_hash"`
	Attempts         int            `json:"attempts"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Error            string         `json:"error,omitempty"`
}

// Terminal reports whether the execution reached a final phase.
func (e *SwapExecution) Terminal() bool {
	switch e.Phase {
	case PhaseCompleted, PhaseFailed, PhaseStuck:
		return true
	}
	return false
}

// HealthSnapshot is the periodic aggregate the resolver pushes to the
// health/metrics sink.
type HealthSnapshot struct {
	Uptime          time.Duration `json:"uptime"`
	State           string        `json:"state"`
	ActiveSwaps     int           `json:"active_swaps"`
	CompletedSwaps  int           `json:"completed_swaps"`
	FailedSwaps     int           `json:"failed_swaps"`
	SuccessRate     float64       `json:"success_rate"`
	RollingProfit   string        `json:"rolling_profit"`
	AvgExecutionSec float64       `json:"avg_execution_sec"`
	TakenAt         time.Time     `json:"taken_at"`
}
