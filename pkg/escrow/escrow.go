// Package escrow implements the hash-timelocked value lock at the heart of
// the swap protocol and the factory that creates and tracks instances.
//
// One escrow guards one leg of one order on one chain. Funds move only
// through the state machine: Created -> Funded -> {Redeemed | Refunded |
// Recovered}, and every terminal state is retained for audit.
package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Role distinguishes the source-chain leg from the destination-chain leg.
// The role governs who deposits and withdraws and how the safety deposit is
// split on keeper-triggered completion.
type Role int

const (
	// RoleSource is the leg holding the maker's deposit on the source chain
	RoleSource Role = iota
	// RoleDest is the leg holding the resolver's deposit on the destination chain
	RoleDest
)

func (r Role) String() string {
	if r == RoleSource {
		return "src"
	}
	return "dst"
}

// State is the escrow lifecycle state.
type State int

const (
	StateCreated State = iota
	StateFunded
	StateRedeemed
	StateRefunded
	StateRecovered
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateFunded:
		return "funded"
	case StateRedeemed:
		return "redeemed"
	case StateRefunded:
		return "refunded"
	case StateRecovered:
		return "recovered"
	}
	return "unknown"
}

// Stable rejection reasons. Tests and log scrapers match on these strings.
var (
	ErrAlreadyResolved     = errors.New("escrow: already redeemed or refunded")
	ErrAlreadyFunded       = errors.New("escrow: already funded")
	ErrNotFunded           = errors.New("escrow: not funded")
	ErrOnlyDepositor       = errors.New("escrow: only depositor may deposit")
	ErrOnlyWithdrawer      = errors.New("escrow: only withdrawer may redeem")
	ErrValueMismatch       = errors.New("escrow: deposited value must equal escrow amount")
	ErrInvalidSecret       = errors.New("escrow: invalid secret")
	ErrBeforeTimelock      = errors.New("escrow: timelock has not passed")
	ErrPastTimelock        = errors.New("escrow: timelock has passed")
	ErrExclusivePeriod     = errors.New("escrow: exclusive period has not elapsed")
	ErrEmergencyNotReached = errors.New("escrow: emergency recovery period has not been reached")
	ErrTransitionInFlight  = errors.New("escrow: transition already in flight")
)

// HashSecret is the single commitment function used system-wide. Source and
// destination escrows for the same order always verify secrets against the
// same function.
func HashSecret(secret [32]byte) common.Hash {
	return crypto.Keccak256Hash(secret[:])
}

// Redemption is emitted when a secret is revealed. Propagating the contained
// secret to the counterpart chain is what makes the swap atomic.
type Redemption struct {
	OrderID common.Hash
	Secret  [32]byte
	Caller  common.Address
	At      time.Time
}

// Details is a read-only snapshot of an escrow.
type Details struct {
	OrderID       common.Hash
	Address       common.Address
	Role          Role
	Token         common.Address
	Amount        *big.Int
	Depositor     common.Address
	Withdrawer    common.Address
	SecretHash    common.Hash
	Timelock      time.Time
	SafetyDeposit *big.Int
	State         State
	IsRedeemed    bool
	IsRefunded    bool
}

// Escrow is one hash-timelocked value lock. All value-moving transitions
// commit their state flip before touching the ledger and reject reentrant
// calls via the in-flight flag.
type Escrow struct {
	orderID       common.Hash
	address       common.Address
	role          Role
	token         common.Address
	amount        *big.Int
	depositor     common.Address
	withdrawer    common.Address
	secretHash    common.Hash
	timelock      time.Time
	safetyDeposit *big.Int

	exclusivePeriod time.Duration
	emergencyDelay  time.Duration

	mu         sync.Mutex
	inFlight   bool
	state      State
	isRedeemed bool
	isRefunded bool

	ledger Ledger
	now    func() time.Time
}

// begin marks a transition in flight, rejecting nested or concurrent entry.
func (e *Escrow) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return ErrTransitionInFlight
	}
	e.inFlight = true
	return nil
}

func (e *Escrow) end() {
	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()
}

// Address returns the escrow's deterministic handle.
func (e *Escrow) Address() common.Address { return e.address }

// OrderID returns the order this escrow belongs to.
func (e *Escrow) OrderID() common.Hash { return e.orderID }

// Role returns whether this is the source or destination leg.
func (e *Escrow) Role() Role { return e.role }

// publicBoundary is the instant the exclusive window ends and any keeper may
// trigger withdrawal.
func (e *Escrow) publicBoundary() time.Time {
	return e.timelock.Add(-e.exclusivePeriod)
}

// Deposit moves the escrow amount into custody. Only the depositor may fund,
// only once, and for native-asset escrows the attached value must exactly
// equal the escrow amount (the safety deposit was already posted at creation).
func (e *Escrow) Deposit(caller common.Address, value *big.Int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if e.isRedeemed || e.isRefunded {
		return ErrAlreadyResolved
	}
	if e.state != StateCreated {
		return ErrAlreadyFunded
	}
	if caller != e.depositor {
		return ErrOnlyDepositor
	}
	if e.token == NativeAsset {
		if value == nil || value.Cmp(e.amount) != 0 {
			return ErrValueMismatch
		}
	} else if value != nil && value.Sign() != 0 {
		return ErrValueMismatch
	}

	if err := e.ledger.Transfer(e.depositor, e.address, e.token, e.amount); err != nil {
		return fmt.Errorf("escrow: deposit transfer: %w", err)
	}
	e.mu.Lock()
	e.state = StateFunded
	e.mu.Unlock()
	return nil
}

// Redeem pays the escrow amount to the withdrawer in exchange for the secret.
// Only the withdrawer may self-redeem; third parties use PublicWithdraw once
// the exclusive window has elapsed. The caller earns the full safety deposit.
func (e *Escrow) Redeem(caller common.Address, secret [32]byte) (*Redemption, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	if e.isRedeemed || e.isRefunded {
		return nil, ErrAlreadyResolved
	}
	if e.state != StateFunded {
		return nil, ErrNotFunded
	}
	now := e.now()
	if !now.Before(e.timelock) {
		return nil, ErrPastTimelock
	}
	if caller != e.withdrawer {
		return nil, ErrOnlyWithdrawer
	}
	if HashSecret(secret) != e.secretHash {
		return nil, ErrInvalidSecret
	}

	// Commit before any value transfer.
	e.mu.Lock()
	e.isRedeemed = true
	e.state = StateRedeemed
	e.mu.Unlock()

	if err := e.payout(e.withdrawer, caller, e.safetyDeposit, nil); err != nil {
		return nil, err
	}
	return &Redemption{OrderID: e.orderID, Secret: secret, Caller: caller, At: now}, nil
}

// PublicWithdraw lets any keeper complete a pending redemption once the
// exclusive window has elapsed. The token amount always goes to the
// withdrawer; the safety-deposit split depends on the escrow role: the source
// leg pays the entire deposit to the caller, the destination leg splits it
// 50/50 between withdrawer and caller.
func (e *Escrow) PublicWithdraw(caller common.Address, secret [32]byte) (*Redemption, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	if e.isRedeemed || e.isRefunded {
		return nil, ErrAlreadyResolved
	}
	if e.state != StateFunded {
		return nil, ErrNotFunded
	}
	now := e.now()
	if !now.Before(e.timelock) {
		return nil, ErrPastTimelock
	}
	if now.Before(e.publicBoundary()) {
		return nil, ErrExclusivePeriod
	}
	if HashSecret(secret) != e.secretHash {
		return nil, ErrInvalidSecret
	}

	e.mu.Lock()
	e.isRedeemed = true
	e.state = StateRedeemed
	e.mu.Unlock()

	withdrawerCut, callerCut := e.depositSplit(caller)
	if err := e.payout(e.withdrawer, caller, callerCut, withdrawerCut); err != nil {
		return nil, err
	}
	return &Redemption{OrderID: e.orderID, Secret: secret, Caller: caller, At: now}, nil
}

// Refund returns the escrow amount to the depositor once the timelock has
// passed without redemption. The caller earns the full safety deposit. A
// created, never-funded escrow refunds only the safety deposit, so posted
// collateral is not stranded until the emergency window.
func (e *Escrow) Refund(caller common.Address) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if e.isRedeemed || e.isRefunded {
		return ErrAlreadyResolved
	}
	if e.state != StateFunded && e.state != StateCreated {
		return ErrNotFunded
	}
	if e.now().Before(e.timelock) {
		return ErrBeforeTimelock
	}

	e.mu.Lock()
	funded := e.state == StateFunded
	e.isRefunded = true
	e.state = StateRefunded
	e.mu.Unlock()

	if funded {
		if err := e.ledger.Transfer(e.address, e.depositor, e.token, e.amount); err != nil {
			return fmt.Errorf("escrow: refund transfer: %w", err)
		}
	}
	if err := e.ledger.Transfer(e.address, caller, NativeAsset, e.safetyDeposit); err != nil {
		return fmt.Errorf("escrow: refund deposit payout: %w", err)
	}
	return nil
}

// EmergencyRecover unsticks an escrow neither party acted on. Valid only
// seven days past the timelock. Funds return to the depositor and the safety
// deposit follows the same role-dependent split as PublicWithdraw.
func (e *Escrow) EmergencyRecover(caller common.Address) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if e.isRedeemed || e.isRefunded {
		return ErrAlreadyResolved
	}
	if e.now().Before(e.timelock.Add(e.emergencyDelay)) {
		return ErrEmergencyNotReached
	}

	funded := e.state == StateFunded

	e.mu.Lock()
	e.isRefunded = true
	e.state = StateRecovered
	e.mu.Unlock()

	if funded {
		if err := e.ledger.Transfer(e.address, e.depositor, e.token, e.amount); err != nil {
			return fmt.Errorf("escrow: recovery transfer: %w", err)
		}
	}
	withdrawerCut, callerCut := e.depositSplit(caller)
	if withdrawerCut != nil && withdrawerCut.Sign() > 0 {
		if err := e.ledger.Transfer(e.address, e.withdrawer, NativeAsset, withdrawerCut); err != nil {
			return fmt.Errorf("escrow: recovery deposit payout: %w", err)
		}
	}
	if callerCut.Sign() > 0 {
		if err := e.ledger.Transfer(e.address, caller, NativeAsset, callerCut); err != nil {
			return fmt.Errorf("escrow: recovery deposit payout: %w", err)
		}
	}
	return nil
}

// depositSplit returns the withdrawer and caller shares of the safety deposit
// for a keeper-triggered completion. The source leg pays everything to the
// caller; the destination leg splits evenly, odd unit to the caller.
func (e *Escrow) depositSplit(caller common.Address) (withdrawerCut, callerCut *big.Int) {
	if e.role == RoleSource {
		return nil, new(big.Int).Set(e.safetyDeposit)
	}
	withdrawerCut = new(big.Int).Rsh(e.safetyDeposit, 1)
	callerCut = new(big.Int).Sub(e.safetyDeposit, withdrawerCut)
	return withdrawerCut, callerCut
}

// payout moves the escrow amount to the withdrawer and distributes the safety
// deposit. withdrawerCut may be nil when the whole deposit goes to the caller.
func (e *Escrow) payout(to, caller common.Address, callerCut, withdrawerCut *big.Int) error {
	if err := e.ledger.Transfer(e.address, to, e.token, e.amount); err != nil {
		return fmt.Errorf("escrow: redeem transfer: %w", err)
	}
	if withdrawerCut != nil && withdrawerCut.Sign() > 0 {
		if err := e.ledger.Transfer(e.address, e.withdrawer, NativeAsset, withdrawerCut); err != nil {
			return fmt.Errorf("escrow: deposit payout: %w", err)
		}
	}
	if callerCut != nil && callerCut.Sign() > 0 {
		if err := e.ledger.Transfer(e.address, caller, NativeAsset, callerCut); err != nil {
			return fmt.Errorf("escrow: deposit payout: %w", err)
		}
	}
	return nil
}

// CanRedeem reports whether a redeem with this secret would currently succeed
// for the withdrawer. Read-only.
func (e *Escrow) CanRedeem(secret [32]byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateFunded &&
		!e.isRedeemed && !e.isRefunded &&
		e.now().Before(e.timelock) &&
		HashSecret(secret) == e.secretHash
}

// CanRefund reports whether a refund would currently succeed. Read-only.
func (e *Escrow) CanRefund() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateFunded &&
		!e.isRedeemed && !e.isRefunded &&
		!e.now().Before(e.timelock)
}

// Details returns a snapshot of the escrow's immutable parameters and
// current state.
func (e *Escrow) Details() Details {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Details{
		OrderID:       e.orderID,
		Address:       e.address,
		Role:          e.role,
		Token:         e.token,
		Amount:        new(big.Int).Set(e.amount),
		Depositor:     e.depositor,
		Withdrawer:    e.withdrawer,
		SecretHash:    e.secretHash,
		Timelock:      e.timelock,
		SafetyDeposit: new(big.Int).Set(e.safetyDeposit),
		State:         e.state,
		IsRedeemed:    e.isRedeemed,
		IsRefunded:    e.isRefunded,
	}
}
