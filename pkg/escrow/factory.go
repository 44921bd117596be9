package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Factory parameter bounds and defaults.
const (
	// DefaultMinTimelock is the shortest allowed escrow lifetime
	DefaultMinTimelock = 30 * time.Minute
	// DefaultMaxTimelock is the longest allowed escrow lifetime
	DefaultMaxTimelock = 24 * time.Hour
	// DefaultExclusivePeriod is how long before the timelock the public
	// window opens
	DefaultExclusivePeriod = 10 * time.Minute
	// DefaultEmergencyDelay is how long past the timelock emergency
	// recovery becomes available
	DefaultEmergencyDelay = 7 * 24 * time.Hour
)

var (
	ErrZeroOrderID         = errors.New("validation: order id must not be zero")
	ErrZeroAddress         = errors.New("validation: address must not be zero")
	ErrZeroSecretHash      = errors.New("validation: secret hash must not be zero")
	ErrZeroAmount          = errors.New("validation: amount must be positive")
	ErrTimelockTooShort    = errors.New("validation: timelock too short")
	ErrTimelockTooLong     = errors.New("validation: timelock too long")
	ErrSafetyDepositTooLow = errors.New("validation: safety deposit below minimum")
	ErrDuplicateOrder      = errors.New("factory: escrow already exists for order")
	ErrEscrowNotFound      = errors.New("factory: escrow not found")
	ErrFactoryPaused       = errors.New("factory: paused")
	ErrOnlyOwner           = errors.New("factory: only owner")
	ErrBatchLengthMismatch = errors.New("factory: batch arrays length mismatch")
	ErrBatchDepositTotal   = errors.New("factory: aggregate safety deposit does not match batch")
	ErrInvalidConfig       = errors.New("factory: invalid configuration")
)

// Config holds the factory-wide parameter bounds.
type Config struct {
	MinTimelock      time.Duration
	MaxTimelock      time.Duration
	MinSafetyDeposit *big.Int
	ExclusivePeriod  time.Duration
	EmergencyDelay   time.Duration
}

// DefaultConfig returns the factory bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		MinTimelock:      DefaultMinTimelock,
		MaxTimelock:      DefaultMaxTimelock,
		MinSafetyDeposit: big.NewInt(1),
		ExclusivePeriod:  DefaultExclusivePeriod,
		EmergencyDelay:   DefaultEmergencyDelay,
	}
}

// CreateParams are the caller-supplied parameters for one escrow.
type CreateParams struct {
	OrderID    common.Hash
	Token      common.Address
	Amount     *big.Int
	Depositor  common.Address
	Withdrawer common.Address
	SecretHash common.Hash
	Timelock   time.Time
}

// BatchItem is one entry of a batched creation.
type BatchItem struct {
	CreateParams
	IsSource      bool
	SafetyDeposit *big.Int
}

// Stats summarizes the factory's registry.
type Stats struct {
	TotalEscrows     int
	SourceEscrows    int
	DestEscrows      int
	FundedEscrows    int
	RedeemedEscrows  int
	RefundedEscrows  int
	RecoveredEscrows int
	TotalValueLocked *big.Int
}

type escrowKey struct {
	orderID common.Hash
	role    Role
}

// Factory creates escrows at deterministic addresses, tracks every instance
// ever created, and enforces the global parameter bounds.
type Factory struct {
	id     common.Address
	owner  common.Address
	ledger Ledger

	mu      sync.Mutex
	cfg     Config
	paused  bool
	escrows map[escrowKey]*Escrow

	now func() time.Time
}

// NewFactory constructs a factory identified by id and owned by owner. The
// identity feeds the deterministic address derivation, so two factories with
// different identities never collide.
func NewFactory(id, owner common.Address, cfg Config, ledger Ledger) (*Factory, error) {
	if id == (common.Address{}) || owner == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Factory{
		id:      id,
		owner:   owner,
		ledger:  ledger,
		cfg:     cfg,
		escrows: make(map[escrowKey]*Escrow),
		now:     time.Now,
	}, nil
}

// SetClock overrides the factory's time source. Escrows capture the clock at
// creation, so existing instances keep the source they were built with.
func (f *Factory) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

func validateConfig(cfg Config) error {
	if cfg.MinTimelock <= 0 || cfg.MaxTimelock <= cfg.MinTimelock {
		return fmt.Errorf("%w: timelock range", ErrInvalidConfig)
	}
	if cfg.MinSafetyDeposit == nil || cfg.MinSafetyDeposit.Sign() <= 0 {
		return fmt.Errorf("%w: min safety deposit", ErrInvalidConfig)
	}
	if cfg.ExclusivePeriod <= 0 || cfg.ExclusivePeriod >= cfg.MinTimelock {
		return fmt.Errorf("%w: exclusive period", ErrInvalidConfig)
	}
	if cfg.EmergencyDelay <= 0 {
		return fmt.Errorf("%w: emergency delay", ErrInvalidConfig)
	}
	return nil
}

// ID returns the factory identity used for address derivation.
func (f *Factory) ID() common.Address { return f.id }

// SrcAddress returns the deterministic address of the source-side escrow for
// an order, whether or not it exists yet.
func (f *Factory) SrcAddress(orderID common.Hash) common.Address {
	return DeriveAddress(f.id, orderID, RoleSource)
}

// DstAddress returns the deterministic address of the destination-side escrow
// for an order, whether or not it exists yet.
func (f *Factory) DstAddress(orderID common.Hash) common.Address {
	return DeriveAddress(f.id, orderID, RoleDest)
}

// CreateEscrowSrc creates the source-side escrow for an order. The creator
// posts the safety deposit with the call.
func (f *Factory) CreateEscrowSrc(creator common.Address, p CreateParams, safetyDeposit *big.Int) (*Escrow, error) {
	return f.create(creator, p, RoleSource, safetyDeposit)
}

// CreateEscrowDst creates the destination-side escrow for an order. The
// creator posts the safety deposit with the call.
func (f *Factory) CreateEscrowDst(creator common.Address, p CreateParams, safetyDeposit *big.Int) (*Escrow, error) {
	return f.create(creator, p, RoleDest, safetyDeposit)
}

func (f *Factory) create(creator common.Address, p CreateParams, role Role, safetyDeposit *big.Int) (*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.paused {
		return nil, ErrFactoryPaused
	}
	if err := f.validateParams(p, safetyDeposit); err != nil {
		return nil, err
	}
	key := escrowKey{orderID: p.OrderID, role: role}
	if _, exists := f.escrows[key]; exists {
		return nil, ErrDuplicateOrder
	}

	esc, err := f.instantiate(creator, p, role, safetyDeposit)
	if err != nil {
		return nil, err
	}
	f.escrows[key] = esc
	return esc, nil
}

// instantiate builds the escrow and moves the posted safety deposit into its
// account. Caller must hold f.mu and have validated the parameters.
func (f *Factory) instantiate(creator common.Address, p CreateParams, role Role, safetyDeposit *big.Int) (*Escrow, error) {
	addr := DeriveAddress(f.id, p.OrderID, role)
	esc := &Escrow{
		orderID:         p.OrderID,
		address:         addr,
		role:            role,
		token:           p.Token,
		amount:          new(big.Int).Set(p.Amount),
		depositor:       p.Depositor,
		withdrawer:      p.Withdrawer,
		secretHash:      p.SecretHash,
		timelock:        p.Timelock,
		safetyDeposit:   new(big.Int).Set(safetyDeposit),
		exclusivePeriod: f.cfg.ExclusivePeriod,
		emergencyDelay:  f.cfg.EmergencyDelay,
		state:           StateCreated,
		ledger:          f.ledger,
		now:             f.now,
	}
	if err := f.ledger.Transfer(creator, addr, NativeAsset, safetyDeposit); err != nil {
		return nil, fmt.Errorf("factory: safety deposit: %w", err)
	}
	return esc, nil
}

func (f *Factory) validateParams(p CreateParams, safetyDeposit *big.Int) error {
	if p.OrderID == (common.Hash{}) {
		return ErrZeroOrderID
	}
	if p.Depositor == (common.Address{}) || p.Withdrawer == (common.Address{}) {
		return ErrZeroAddress
	}
	if p.SecretHash == (common.Hash{}) {
		return ErrZeroSecretHash
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	now := f.now()
	if p.Timelock.Before(now.Add(f.cfg.MinTimelock)) {
		return ErrTimelockTooShort
	}
	if p.Timelock.After(now.Add(f.cfg.MaxTimelock)) {
		return ErrTimelockTooLong
	}
	if safetyDeposit == nil || safetyDeposit.Cmp(f.cfg.MinSafetyDeposit) < 0 {
		return ErrSafetyDepositTooLow
	}
	return nil
}

// BatchCreateEscrows creates several escrows atomically: either every item
// passes validation and all escrows come into existence, or none do. The
// creator posts a single aggregate safety deposit that must equal the sum of
// the per-item deposits.
func (f *Factory) BatchCreateEscrows(creator common.Address, items []BatchItem, totalDeposit *big.Int) ([]*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.paused {
		return nil, ErrFactoryPaused
	}
	if len(items) == 0 {
		return nil, ErrBatchLengthMismatch
	}

	sum := new(big.Int)
	seen := make(map[escrowKey]bool, len(items))
	for _, item := range items {
		if err := f.validateParams(item.CreateParams, item.SafetyDeposit); err != nil {
			return nil, err
		}
		key := escrowKey{orderID: item.OrderID, role: roleOf(item.IsSource)}
		if seen[key] {
			return nil, ErrDuplicateOrder
		}
		if _, exists := f.escrows[key]; exists {
			return nil, ErrDuplicateOrder
		}
		seen[key] = true
		sum.Add(sum, item.SafetyDeposit)
	}
	if totalDeposit == nil || totalDeposit.Cmp(sum) != 0 {
		return nil, ErrBatchDepositTotal
	}

	// Instantiate without registering so a mid-batch failure leaves no
	// trace: deposits already moved are returned and no order id is burned.
	created := make([]*Escrow, 0, len(items))
	for _, item := range items {
		esc, err := f.instantiate(creator, item.CreateParams, roleOf(item.IsSource), item.SafetyDeposit)
		if err != nil {
			for _, made := range created {
				// The escrow account holds exactly the deposit just moved in.
				_ = f.ledger.Transfer(made.address, creator, NativeAsset, made.safetyDeposit)
			}
			return nil, err
		}
		created = append(created, esc)
	}
	for _, esc := range created {
		f.escrows[escrowKey{orderID: esc.orderID, role: esc.role}] = esc
	}
	return created, nil
}

func roleOf(isSource bool) Role {
	if isSource {
		return RoleSource
	}
	return RoleDest
}

// Escrow returns the live escrow for (orderID, role).
func (f *Factory) Escrow(orderID common.Hash, role Role) (*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	esc, ok := f.escrows[escrowKey{orderID: orderID, role: role}]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

// EscrowDetails returns snapshots of whichever legs exist for an order.
func (f *Factory) EscrowDetails(orderID common.Hash) (src, dst *Details, err error) {
	f.mu.Lock()
	srcEsc := f.escrows[escrowKey{orderID: orderID, role: RoleSource}]
	dstEsc := f.escrows[escrowKey{orderID: orderID, role: RoleDest}]
	f.mu.Unlock()

	if srcEsc == nil && dstEsc == nil {
		return nil, nil, ErrEscrowNotFound
	}
	if srcEsc != nil {
		d := srcEsc.Details()
		src = &d
	}
	if dstEsc != nil {
		d := dstEsc.Details()
		dst = &d
	}
	return src, dst, nil
}

// Stats summarizes every escrow the factory ever created.
func (f *Factory) Stats() Stats {
	f.mu.Lock()
	escrows := make([]*Escrow, 0, len(f.escrows))
	for _, esc := range f.escrows {
		escrows = append(escrows, esc)
	}
	f.mu.Unlock()

	stats := Stats{TotalValueLocked: new(big.Int)}
	for _, esc := range escrows {
		d := esc.Details()
		stats.TotalEscrows++
		if d.Role == RoleSource {
			stats.SourceEscrows++
		} else {
			stats.DestEscrows++
		}
		switch d.State {
		case StateFunded:
			stats.FundedEscrows++
			stats.TotalValueLocked.Add(stats.TotalValueLocked, d.Amount)
		case StateRedeemed:
			stats.RedeemedEscrows++
		case StateRefunded:
			stats.RefundedEscrows++
		case StateRecovered:
			stats.RecoveredEscrows++
		}
	}
	return stats
}

// UpdateConfig replaces the factory parameter bounds. Owner only. Escrows
// already created keep the bounds they were created under.
func (f *Factory) UpdateConfig(caller common.Address, minSafetyDeposit *big.Int, maxTimelock, minTimelock time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if caller != f.owner {
		return ErrOnlyOwner
	}
	cfg := f.cfg
	cfg.MinSafetyDeposit = minSafetyDeposit
	cfg.MaxTimelock = maxTimelock
	cfg.MinTimelock = minTimelock
	if err := validateConfig(cfg); err != nil {
		return err
	}
	f.cfg = cfg
	return nil
}

// SetPaused toggles acceptance of new escrow creations. Owner only. Existing
// escrows keep operating; pausing never strands funds.
func (f *Factory) SetPaused(caller common.Address, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if caller != f.owner {
		return ErrOnlyOwner
	}
	f.paused = paused
	return nil
}

// Paused reports whether new creations are rejected.
func (f *Factory) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// EmergencyWithdraw sweeps native balance stuck on the factory account itself
// to the owner. Owner only. Escrow balances are untouched.
func (f *Factory) EmergencyWithdraw(caller common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if caller != f.owner {
		return nil, ErrOnlyOwner
	}
	stuck := f.ledger.Balance(f.id, NativeAsset)
	if stuck.Sign() <= 0 {
		return new(big.Int), nil
	}
	if err := f.ledger.Transfer(f.id, f.owner, NativeAsset, stuck); err != nil {
		return nil, fmt.Errorf("factory: emergency withdraw: %w", err)
	}
	return stuck, nil
}
