package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/upon-ly/qr-claimd/internal/metrics"
)

const (
	approveGasFallback = uint64(60_000)
	airdropGasFallback = uint64(160_000)
)

type Config struct {
	RPCURL       string
	ChainID      int64
	PollInterval time.Duration
}

// Client talks to a single EVM chain over one shared RPC connection. The raw
// rpc.Client is kept alongside the typed ethclient for provider-specific
// methods that ethclient does not expose.
type Client struct {
	rpc          *rpc.Client
	eth          *ethclient.Client
	chainID      *big.Int
	signer       types.Signer
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &Client{
		rpc:          rpcClient,
		eth:          ethclient.NewClient(rpcClient),
		chainID:      chainID,
		signer:       types.LatestSignerForChainID(chainID),
		pollInterval: pollInterval,
		logger:       logger.With("component", "evm"),
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint256(ctx, token, "balanceOf", owner)
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint256(ctx, token, "allowance", owner, spender)
}

func (c *Client) callUint256(ctx context.Context, contract common.Address, method string, args ...any) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
	}
	out, err := erc20ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	val, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, out[0])
	}
	return val, nil
}

// tokenBalanceEntry mirrors one element of the alchemy_getTokenBalances
// response. Balances arrive hex-encoded; a per-token error is reported
// inline rather than failing the whole call.
type tokenBalanceEntry struct {
	ContractAddress string  `json:"contractAddress"`
	TokenBalance    string  `json:"tokenBalance"`
	Error           *string `json:"error"`
}

type tokenBalancesResult struct {
	Address       string              `json:"address"`
	TokenBalances []tokenBalanceEntry `json:"tokenBalances"`
}

func (c *Client) HasOtherTokenHoldings(ctx context.Context, owner, exclude common.Address) (bool, error) {
	var res tokenBalancesResult
	err := c.rpc.CallContext(ctx, &res, "alchemy_getTokenBalances", owner, "erc20")
	if err != nil {
		return false, fmt.Errorf("token balances %s: %w", owner.Hex(), err)
	}

	excludeHex := strings.ToLower(exclude.Hex())
	for _, entry := range res.TokenBalances {
		if entry.Error != nil {
			continue
		}
		if strings.ToLower(entry.ContractAddress) == excludeHex {
			continue
		}
		if positiveHex(entry.TokenBalance) {
			return true, nil
		}
	}
	return false, nil
}

func positiveHex(hexBalance string) bool {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexBalance), "0x")
	if trimmed == "" {
		return false
	}
	val, ok := new(big.Int).SetString(trimmed, 16)
	return ok && val.Sign() > 0
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	metrics.ChainGasPriceWei.WithLabelValues(strconv.FormatInt(c.chainID.Int64(), 10)).Set(float64(price.Int64()))
	return price, nil
}

func (c *Client) Approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack approve: %w", err)
	}
	return c.sendTx(ctx, key, token, data, gasPrice, approveGasFallback, "approve")
}

func (c *Client) Airdrop(ctx context.Context, key *ecdsa.PrivateKey, contract, token, to common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	data, err := airdropABI.Pack("airdropERC20",
		token, []common.Address{to}, []*big.Int{amount}, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack airdropERC20: %w", err)
	}
	return c.sendTx(ctx, key, contract, data, gasPrice, airdropGasFallback, "airdrop")
}

func (c *Client) sendTx(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte, gasPrice *big.Int, gasFallback uint64, kind string) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	// Nonce at the latest block, deliberately not the pending pool: a stuck
	// pending tx should surface as a nonce conflict and be retried with
	// escalated gas rather than silently queue behind it.
	nonce, err := c.eth.NonceAt(ctx, from, nil)
	if err != nil {
		metrics.ChainTxErrorsTotal.WithLabelValues(kind, string(Classify(err).Class)).Inc()
		return common.Hash{}, fmt.Errorf("%s nonce %s: %w", kind, from.Hex(), err)
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		Data:     data,
		GasPrice: gasPrice,
	})
	if err != nil {
		// The send path surfaces the real failure; an estimation error is
		// usually provider flakiness, so fall back to a fixed limit.
		c.logger.Warn("gas estimate failed, using fallback",
			"kind", kind, "fallback", gasFallback, "error", err)
		gasLimit = gasFallback
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signed, err := types.SignTx(tx, c.signer, key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s tx: %w", kind, err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		metrics.ChainTxErrorsTotal.WithLabelValues(kind, string(Classify(err).Class)).Inc()
		return common.Hash{}, fmt.Errorf("send %s tx: %w", kind, err)
	}

	metrics.ChainTxSentTotal.WithLabelValues(kind).Inc()
	c.logger.Info("transaction sent",
		"kind", kind, "tx_hash", signed.Hash().Hex(), "from", from.Hex(),
		"nonce", nonce, "gas_price", gasPrice.String(), "gas_limit", gasLimit)
	return signed.Hash(), nil
}

// WaitForReceipt polls for the receipt until ctx expires. Status 0 receipts
// come back with a terminal error: the transfer consumed its gas and will
// never succeed on resubmission of the same call.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, Terminal(fmt.Errorf("transaction reverted on chain: %s", txHash.Hex()))
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Warn("receipt poll failed", "tx_hash", txHash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			// Unmarked on purpose: Classify maps a deadline to transient and
			// an outright cancel to terminal.
			return nil, fmt.Errorf("waiting for receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
