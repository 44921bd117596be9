// Package chainclient wraps per-chain RPC connections behind a small
// interface so the executor and liquidity manager never touch ethclient
// directly and tests can substitute a mock.
package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crosslock-hq/crosslock-resolver/pkg/config"
	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/metrics"
)

// balanceOfSelector is the 4-byte selector of balanceOf(address)
var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// Client is the chain access surface the rest of the resolver depends on.
type Client interface {
	// SubmitTransaction signs and broadcasts a transaction and returns its hash
	SubmitTransaction(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error)
	// GetConfirmations returns how many blocks have passed since the
	// transaction was mined, zero while it is still pending
	GetConfirmations(ctx context.Context, txHash common.Hash) (uint64, error)
	// GetBalance returns the resolver's balance of a token, native when the
	// token address is zero
	GetBalance(ctx context.Context, token common.Address) (*big.Int, error)
	// ChainID returns the chain this client is connected to
	ChainID() int
	// Close releases the underlying connection
	Close()
}

// EVMClient is the ethclient-backed implementation for one chain.
type EVMClient struct {
	chainID       int
	confirmations uint64
	gasMultiplier float64
	client        *ethclient.Client
	auth          *bind.TransactOpts
	address       common.Address
	nonces        *nonceTracker
	logger        logger.Logger
}

// Connect dials the chain's RPC endpoint and prepares a signer from the
// private key.
func Connect(cfg config.ChainConfig, privateKeyHex string, log logger.Logger) (*EVMClient, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain %d: %v", cfg.ChainID, err)
	}

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID from RPC: %v", err)
	}
	if chainID.Int64() != int64(cfg.ChainID) {
		client.Close()
		return nil, fmt.Errorf("RPC endpoint reports chain %s, expected %d", chainID, cfg.ChainID)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create transactor: %v", err)
	}

	return &EVMClient{
		chainID:       cfg.ChainID,
		confirmations: cfg.Confirmations,
		gasMultiplier: 1.1, // 10% buffer over the suggested gas price
		client:        client,
		auth:          auth,
		address:       auth.From,
		nonces:        newNonceTracker(),
		logger:        log,
	}, nil
}

// ChainID returns the chain this client is connected to.
func (c *EVMClient) ChainID() int {
	return c.chainID
}

// RequiredConfirmations returns the finality depth configured for this chain.
func (c *EVMClient) RequiredConfirmations() uint64 {
	return c.confirmations
}

// Address returns the resolver's signing address.
func (c *EVMClient) Address() common.Address {
	return c.address
}

// SubmitTransaction signs and broadcasts a transaction. Failed submissions
// release the allocated nonce for reuse.
func (c *EVMClient) SubmitTransaction(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	nonce, err := c.nonces.next(ctx, c.client, c.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to allocate nonce: %v", err)
	}

	gasPrice, err := c.suggestGasPrice(ctx)
	if err != nil {
		c.nonces.release(nonce)
		return common.Hash{}, err
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		c.nonces.release(nonce)
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %v", err)
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signedTx, err := c.auth.Signer(c.address, tx)
	if err != nil {
		c.nonces.release(nonce)
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %v", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		c.nonces.release(nonce)
		return common.Hash{}, fmt.Errorf("failed to send transaction: %v", err)
	}

	c.nonces.track(signedTx.Hash(), nonce)
	c.logger.DebugWithChain(c.chainID, "Submitted transaction %s (nonce %d, gas %d)",
		signedTx.Hash().Hex(), nonce, gasLimit)
	return signedTx.Hash(), nil
}

// GetConfirmations returns the confirmation depth of a mined transaction.
// A pending or unknown transaction reports zero confirmations.
func (c *EVMClient) GetConfirmations(ctx context.Context, txHash common.Hash) (uint64, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err == ethereum.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get receipt: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, fmt.Errorf("transaction %s reverted", txHash.Hex())
	}
	c.nonces.confirm(txHash)

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %v", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return head - mined + 1, nil
}

// GetBalance returns the resolver's balance of a token. The zero address
// selects the chain's native asset.
func (c *EVMClient) GetBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if token == (common.Address{}) {
		balance, err := c.client.BalanceAt(timeoutCtx, c.address, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get native balance: %v", err)
		}
		return balance, nil
	}

	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(c.address.Bytes(), 32)...)
	result, err := c.client.CallContract(timeoutCtx, ethereum.CallMsg{
		To:   &token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf on %s: %v", token.Hex(), err)
	}
	return new(big.Int).SetBytes(result), nil
}

// Close releases the RPC connection.
func (c *EVMClient) Close() {
	c.client.Close()
}

// suggestGasPrice fetches the network gas price and applies the buffer.
func (c *EVMClient) suggestGasPrice(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gasPrice, err := c.client.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %v", err)
	}

	buffered := new(big.Float).Mul(
		new(big.Float).SetInt(gasPrice),
		big.NewFloat(c.gasMultiplier),
	)
	finalGasPrice := new(big.Int)
	buffered.Int(finalGasPrice)

	gwei, _ := new(big.Float).Quo(buffered, big.NewFloat(1e9)).Float64()
	metrics.GasPrice.WithLabelValues(fmt.Sprintf("%d", c.chainID)).Set(gwei)
	return finalGasPrice, nil
}
