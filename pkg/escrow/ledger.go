package escrow

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAsset is the sentinel token address denoting a chain's native asset.
var NativeAsset = common.Address{}

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the payer's funds
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInvalidTransfer is returned for zero or negative transfer amounts
	ErrInvalidTransfer = errors.New("ledger: invalid transfer amount")
)

// Ledger abstracts value custody so the escrow state machine never touches a
// chain client directly. Escrow accounts are addressed like any other account.
type Ledger interface {
	// Transfer moves amount of token from one account to another.
	Transfer(from, to common.Address, token common.Address, amount *big.Int) error
	// Balance returns the current balance of an account for a token.
	Balance(addr common.Address, token common.Address) *big.Int
}

// MemLedger is an in-memory Ledger used by the factory's local escrow
// registry and by tests.
type MemLedger struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int
}

var _ Ledger = (*MemLedger)(nil)

func NewMemLedger() *MemLedger {
	return &MemLedger{
		balances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Mint credits an account out of thin air. Test and bootstrap helper.
func (l *MemLedger) Mint(addr common.Address, token common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(addr, token, amount)
}

func (l *MemLedger) Transfer(from, to common.Address, token common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidTransfer
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fromBal := l.balance(from, token)
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	fromBal.Sub(fromBal, amount)
	l.credit(to, token, amount)
	return nil
}

func (l *MemLedger) Balance(addr common.Address, token common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(addr, token))
}

// balance returns the live balance entry, creating it on first touch.
// Caller must hold l.mu.
func (l *MemLedger) balance(addr common.Address, token common.Address) *big.Int {
	tokens, ok := l.balances[addr]
	if !ok {
		tokens = make(map[common.Address]*big.Int)
		l.balances[addr] = tokens
	}
	bal, ok := tokens[token]
	if !ok {
		bal = new(big.Int)
		tokens[token] = bal
	}
	return bal
}

// credit adds to an account balance. Caller must hold l.mu.
func (l *MemLedger) credit(addr common.Address, token common.Address, amount *big.Int) {
	bal := l.balance(addr, token)
	bal.Add(bal, amount)
}
