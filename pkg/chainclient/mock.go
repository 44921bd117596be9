package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SubmittedTx records one SubmitTransaction call on the mock.
type SubmittedTx struct {
	Hash  common.Hash
	To    common.Address
	Value *big.Int
	Data  []byte
}

// MockClient is an in-memory Client for tests. Submitted transactions get
// deterministic hashes and start at the configured confirmation depth.
type MockClient struct {
	chainID int

	mu            sync.Mutex
	seq           int
	Submitted     []SubmittedTx
	confirmations map[common.Hash]uint64
	balances      map[common.Address]*big.Int
	SubmitErr     error
	ConfirmErr    error
	BalanceErr    error
	DefaultDepth  uint64
}

// NewMockClient creates a mock for one chain with every transaction
// instantly at depth 64.
func NewMockClient(chainID int) *MockClient {
	return &MockClient{
		chainID:       chainID,
		confirmations: make(map[common.Hash]uint64),
		balances:      make(map[common.Address]*big.Int),
		DefaultDepth:  64,
	}
}

func (m *MockClient) ChainID() int { return m.chainID }
func (m *MockClient) Close()       {}

func (m *MockClient) SubmitTransaction(_ context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return common.Hash{}, m.SubmitErr
	}
	m.seq++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("mock-tx-%d-%d", m.chainID, m.seq)))
	if value != nil {
		value = new(big.Int).Set(value)
	}
	m.Submitted = append(m.Submitted, SubmittedTx{Hash: hash, To: to, Value: value, Data: data})
	m.confirmations[hash] = m.DefaultDepth
	return hash, nil
}

func (m *MockClient) GetConfirmations(_ context.Context, txHash common.Hash) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConfirmErr != nil {
		return 0, m.ConfirmErr
	}
	return m.confirmations[txHash], nil
}

func (m *MockClient) GetBalance(_ context.Context, token common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	balance, ok := m.balances[token]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(balance), nil
}

// SetConfirmations pins a transaction at a confirmation depth.
func (m *MockClient) SetConfirmations(txHash common.Hash, depth uint64) {
	m.mu.Lock()
	m.confirmations[txHash] = depth
	m.mu.Unlock()
}

// SetBalance sets the reported balance for a token.
func (m *MockClient) SetBalance(token common.Address, balance *big.Int) {
	m.mu.Lock()
	m.balances[token] = new(big.Int).Set(balance)
	m.mu.Unlock()
}
