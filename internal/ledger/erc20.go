package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrInvalidPrivateKey is returned for a malformed treasury key.
var ErrInvalidPrivateKey = errors.New("ledger: invalid private key")

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// DefaultGasLimit for ERC20 transfers
const DefaultGasLimit = uint64(100000)

// ERC20Config configures the ERC-20 ledger.
type ERC20Config struct {
	RPCURL        string
	PrivateKey    string // Hex-encoded treasury key, with or without 0x prefix
	ChainID       int64
	TokenContract string
	Decimals      int
}

// ERC20Option configures the ERC-20 ledger.
type ERC20Option func(*ERC20Ledger)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) ERC20Option {
	return func(l *ERC20Ledger) {
		l.client = client
	}
}

// ERC20Ledger pays rewards by calling transfer on the reward token contract
// from the treasury account.
type ERC20Ledger struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	treasury   common.Address
	chainID    *big.Int
	contract   common.Address
	tokenABI   abi.ABI
	decimals   int
}

// Compile-time interface check
var _ Ledger = (*ERC20Ledger)(nil)

// NewERC20 creates an ERC-20 ledger, dialing RPCURL unless a client is supplied.
func NewERC20(cfg ERC20Config, opts ...ERC20Option) (*ERC20Ledger, error) {
	if err := validateERC20Config(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	l := &ERC20Ledger{
		privateKey: privateKey,
		treasury:   crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.TokenContract),
		tokenABI:   parsedABI,
		decimals:   cfg.Decimals,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		l.client = client
	}
	return l, nil
}

func validateERC20Config(cfg ERC20Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrUnavailable)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return fmt.Errorf("token contract address required")
	}
	return nil
}

// Treasury returns the treasury address.
func (l *ERC20Ledger) Treasury() string {
	return l.treasury.Hex()
}

// Decimals returns the token's base-unit exponent.
func (l *ERC20Ledger) Decimals() int {
	return l.decimals
}

// ResolveAccount validates the wallet. EVM accounts need no provisioning,
// but the zero address would burn funds and is treated as missing.
func (l *ERC20Ledger) ResolveAccount(_ context.Context, wallet string) (string, error) {
	if !common.IsHexAddress(wallet) {
		return "", fmt.Errorf("%w: %q is not an address", ErrAccountNotFound, wallet)
	}
	addr := common.HexToAddress(wallet)
	if addr == (common.Address{}) {
		return "", fmt.Errorf("%w: zero address", ErrAccountNotFound)
	}
	return addr.Hex(), nil
}

// Balance returns the token balance of account.
func (l *ERC20Ledger) Balance(ctx context.Context, account string) (*big.Int, error) {
	data, err := l.tokenABI.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := l.client.CallContract(ctx, ethereum.CallMsg{
		To:   &l.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf: %v", ErrUnavailable, err)
	}
	return new(big.Int).SetBytes(result), nil
}

// SubmitTransfer signs and sends a token transfer from the treasury.
func (l *ERC20Ledger) SubmitTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error) {
	if !strings.EqualFold(from, l.treasury.Hex()) {
		return "", &TransferError{Op: "submit", Err: fmt.Errorf("%w: can only send from treasury", ErrRejected)}
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", &TransferError{Op: "submit", Err: fmt.Errorf("%w: amount must be positive", ErrRejected)}
	}

	data, err := l.tokenABI.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.treasury)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  l.treasury,
		To:    &l.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A revert during estimation is the contract refusing the transfer;
		// anything else falls back to the default limit.
		if isBalanceError(err) {
			return "", &TransferError{Op: "estimate", Err: fmt.Errorf("%w: %v", ErrInsufficientBalance, err)}
		}
		if strings.Contains(err.Error(), "execution reverted") {
			return "", &TransferError{Op: "estimate", Err: fmt.Errorf("%w: %v", ErrRejected, err)}
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, l.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}

	ref := signedTx.Hash().Hex()
	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		sendErr := classifySendError(err)
		// Only a transport failure may have delivered the transaction. A node
		// rejection means it never entered the pool, so no ref is reported.
		if errors.Is(sendErr, ErrUnavailable) {
			return "", &TransferError{Op: "send", TxRef: ref, Err: sendErr}
		}
		return "", &TransferError{Op: "send", Err: sendErr}
	}
	return ref, nil
}

// ConfirmTransfer looks up the transaction receipt. Without a receipt the
// transfer is pending while the node still knows the transaction, and failed
// once it does not: it was never delivered, was dropped, or was replaced.
func (l *ERC20Ledger) ConfirmTransfer(ctx context.Context, txRef string) (Confirmation, error) {
	hash := common.HexToHash(txRef)
	receipt, err := l.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return Confirmation{}, fmt.Errorf("%w: receipt %s: %v", ErrUnavailable, txRef, err)
		}
		_, _, err = l.client.TransactionByHash(ctx, hash)
		switch {
		case err == nil:
			return Confirmation{}, nil
		case errors.Is(err, ethereum.NotFound):
			return Confirmation{Failed: true}, nil
		default:
			return Confirmation{}, fmt.Errorf("%w: lookup %s: %v", ErrUnavailable, txRef, err)
		}
	}

	conf := Confirmation{}
	if receipt.BlockNumber != nil {
		conf.Block = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		conf.Confirmed = true
	} else {
		conf.Failed = true
	}
	return conf, nil
}

// Close closes the client connection
// InspectTransfer decodes the token transfer call carried by the transaction.
// Transactions that are not a transfer on the reward token contract are
// reported as not found.
func (l *ERC20Ledger) InspectTransfer(ctx context.Context, txRef string) (TransferDetails, error) {
	tx, _, err := l.client.TransactionByHash(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TransferDetails{}, fmt.Errorf("%w: %s", ErrTransferNotFound, txRef)
		}
		return TransferDetails{}, fmt.Errorf("%w: lookup %s: %v", ErrUnavailable, txRef, err)
	}
	if tx.To() == nil || *tx.To() != l.contract {
		return TransferDetails{}, fmt.Errorf("%w: %s does not call the token contract", ErrTransferNotFound, txRef)
	}

	data := tx.Data()
	if len(data) < 4 {
		return TransferDetails{}, fmt.Errorf("%w: %s carries no call data", ErrTransferNotFound, txRef)
	}
	method, err := l.tokenABI.MethodById(data[:4])
	if err != nil || method.Name != "transfer" {
		return TransferDetails{}, fmt.Errorf("%w: %s is not a token transfer", ErrTransferNotFound, txRef)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return TransferDetails{}, fmt.Errorf("%w: decode %s: %v", ErrTransferNotFound, txRef, err)
	}
	to, ok := args[0].(common.Address)
	if !ok {
		return TransferDetails{}, fmt.Errorf("%w: %s has no recipient", ErrTransferNotFound, txRef)
	}
	amount, ok := args[1].(*big.Int)
	if !ok {
		return TransferDetails{}, fmt.Errorf("%w: %s has no amount", ErrTransferNotFound, txRef)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(l.chainID), tx)
	if err != nil {
		return TransferDetails{}, fmt.Errorf("%w: recover sender of %s: %v", ErrTransferNotFound, txRef, err)
	}
	return TransferDetails{From: sender.Hex(), To: to.Hex(), Amount: amount}, nil
}

func (l *ERC20Ledger) Close() error {
	if l.client != nil {
		l.client.Close()
	}
	return nil
}

func isBalanceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "exceeds balance") || strings.Contains(msg, "insufficient funds")
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case isBalanceError(err):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
