package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// erc20ABI is the parsed ABI for the subset of ERC-20 the claim pipeline
// touches: balance and allowance reads plus approvals.
var erc20ABI abi.ABI

// airdropABI is the parsed ABI for the disbursement contract. Claims always
// pass single-element recipient/amount arrays; the batch entrypoint is shared
// with offline bulk distributions.
var airdropABI abi.ABI

func init() {
	const erc20ABIJSON = `
	[
		{
			"inputs": [
				{ "internalType": "address", "name": "owner", "type": "address" }
			],
			"name": "balanceOf",
			"outputs": [
				{ "internalType": "uint256", "name": "", "type": "uint256" }
			],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{ "internalType": "address", "name": "owner", "type": "address" },
				{ "internalType": "address", "name": "spender", "type": "address" }
			],
			"name": "allowance",
			"outputs": [
				{ "internalType": "uint256", "name": "", "type": "uint256" }
			],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{ "internalType": "address", "name": "spender", "type": "address" },
				{ "internalType": "uint256", "name": "value", "type": "uint256" }
			],
			"name": "approve",
			"outputs": [
				{ "internalType": "bool", "name": "", "type": "bool" }
			],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`

	const airdropABIJSON = `
	[
		{
			"inputs": [
				{ "internalType": "address", "name": "token", "type": "address" },
				{ "internalType": "address[]", "name": "recipients", "type": "address[]" },
				{ "internalType": "uint256[]", "name": "amounts", "type": "uint256[]" },
				{ "internalType": "uint256", "name": "total", "type": "uint256" }
			],
			"name": "airdropERC20",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`

	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC20 ABI: " + err.Error())
	}
	airdropABI, err = abi.JSON(strings.NewReader(airdropABIJSON))
	if err != nil {
		panic("failed to parse airdrop ABI: " + err.Error())
	}
}
