package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// tokenDecimals matches the USDC contract: amounts on the wire are
// micro-tokens.
const tokenDecimals = 6

// erc20TransferSelector is the 4-byte selector of transfer(address,uint256).
var erc20TransferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// balanceOfSelector is the 4-byte selector of balanceOf(address).
var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// Client is the production Gateway on go-ethereum.
type Client struct {
	eth      *ethclient.Client
	token    common.Address
	signer   *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
}

// NewClientFromEnv builds the gateway from CHAIN_RPC_URL, CHAIN_TOKEN_ADDRESS,
// CHAIN_PRIVATE_KEY and CHAIN_ID. Returns ErrNotConfigured when any is unset
// so callers can run in ledger-only mode.
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	rpcURL := strings.TrimSpace(os.Getenv("CHAIN_RPC_URL"))
	tokenAddr := strings.TrimSpace(os.Getenv("CHAIN_TOKEN_ADDRESS"))
	privHex := strings.TrimSpace(os.Getenv("CHAIN_PRIVATE_KEY"))
	if rpcURL == "" || tokenAddr == "" || privHex == "" {
		return nil, ErrNotConfigured
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	signer, err := crypto.HexToECDSA(strings.TrimPrefix(privHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse chain private key: %w", err)
	}

	chainID := big.NewInt(int64(intEnv("CHAIN_ID", 80002)))

	return &Client{
		eth:      eth,
		token:    common.HexToAddress(tokenAddr),
		signer:   signer,
		from:     crypto.PubkeyToAddress(signer.PublicKey),
		chainID:  chainID,
		gasLimit: uint64(intEnv("CHAIN_GAS_LIMIT", 100000)),
	}, nil
}

func (c *Client) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("invalid recipient address %q", to)
	}
	units := toTokenUnits(amount)
	if units.Sign() <= 0 {
		return "", errors.New("transfer amount must be positive")
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	data := packTransfer(common.HexToAddress(to), units)
	tx := types.NewTransaction(nonce, c.token, big.NewInt(0), c.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.signer)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (c *Client) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	return &Receipt{
		TxHash:      txHash,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (c *Client) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid address %q", address)
	}
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf call: %w", err)
	}
	units := new(big.Int).SetBytes(out)
	return fromTokenUnits(units), nil
}

func packTransfer(to common.Address, units *big.Int) []byte {
	data := append([]byte{}, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(units.Bytes(), 32)...)
	return data
}

func toTokenUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(tokenDecimals).Truncate(0).BigInt()
}

func fromTokenUnits(units *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(units, 0).Shift(-tokenDecimals)
}

func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}
