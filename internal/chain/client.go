package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client abstracts the EVM surface the claim pipeline needs so the processor
// and funding monitor can be tested against mocks.
type Client interface {
	// NativeBalance returns the wallet's native (gas) balance in wei.
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)

	// TokenBalance returns the ERC-20 balance of owner in base units.
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// Allowance returns the ERC-20 allowance owner has granted to spender.
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)

	// HasOtherTokenHoldings reports whether owner holds a positive balance of
	// any ERC-20 besides exclude. Used for wallet-value reward tiering.
	HasOtherTokenHoldings(ctx context.Context, owner, exclude common.Address) (bool, error)

	// SuggestGasPrice returns the node's current gas price suggestion.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// Approve grants the spender an ERC-20 allowance from the key's address.
	Approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount, gasPrice *big.Int) (common.Hash, error)

	// Airdrop transfers amount of token to a single recipient through the
	// airdrop contract (arrays of length one on the batch entrypoint).
	Airdrop(ctx context.Context, key *ecdsa.PrivateKey, contract, token, to common.Address, amount, gasPrice *big.Int) (common.Hash, error)

	// WaitForReceipt polls until the transaction is mined or ctx expires.
	// A mined receipt with status 0 is returned alongside a terminal error.
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}
