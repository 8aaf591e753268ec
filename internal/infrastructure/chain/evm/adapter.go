package evmchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/arkade-os/custodyd/internal/infrastructure/chain"
	"github.com/arkade-os/custodyd/pkg/addrcodec"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	nativeTransferGas = 21000
	// used when the node can't estimate a token transfer
	defaultTokenGas = 65000
	// percentage added on top of estimated token gas
	gasMarginPercent     = 20
	nativeDecimals       = 18
	confirmationInterval = 5 * time.Second

	erc20ABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`
)

var erc20, _ = abi.JSON(strings.NewReader(erc20ABI))

// ethClient is the subset of the JSON-RPC client the adapter needs.
type ethClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Option func(*adapter)

// WithChainID skips querying the node for the chain id.
func WithChainID(chainID int64) Option {
	return func(a *adapter) {
		a.chainID = big.NewInt(chainID)
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(a *adapter) {
		a.pollInterval = interval
	}
}

type adapter struct {
	network      string
	client       ethClient
	pollInterval time.Duration

	lock    sync.Mutex
	chainID *big.Int
}

// NewAdapter returns an adapter for an EVM network (ethereum, bsc, ...) reachable at
// rpcURL.
func NewAdapter(network, rpcURL string, opts ...Option) (ports.ChainAdapter, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("missing rpc URL for network %s", network)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s rpc: %w", network, err)
	}
	return newAdapter(network, client, opts...), nil
}

func newAdapter(network string, client ethClient, opts ...Option) *adapter {
	a := &adapter{
		network:      network,
		client:       client,
		pollInterval: confirmationInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *adapter) Family() domain.ChainFamily {
	return domain.ChainFamilyEVM
}

func (a *adapter) Network() string {
	return a.network
}

func (a *adapter) ValidateAddress(address string) error {
	return addrcodec.ValidateEVM(address)
}

func (a *adapter) PublicKey(key []byte) ([]byte, error) {
	prvkey, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return crypto.CompressPubkey(&prvkey.PublicKey), nil
}

func (a *adapter) Address(pubkey []byte) (string, error) {
	pub, err := parsePubKey(pubkey)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func (a *adapter) SignDigest(key []byte, digest []byte) ([]byte, error) {
	prvkey, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return crypto.Sign(digest, prvkey)
}

func (a *adapter) VerifyDigest(pubkey []byte, digest []byte, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	if !crypto.VerifySignature(pubkey, digest, sig[:crypto.RecoveryIDOffset]) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// EstimateFee prices a native transfer at the suggested gas price. Token fees are paid
// in the native coin, so they must come from the asset table.
func (a *adapter) EstimateFee(
	ctx context.Context, asset domain.Asset, _ decimal.Decimal,
) (decimal.Decimal, error) {
	if asset.IsToken() {
		return decimal.Zero, fmt.Errorf(
			"network fee of token %s must be configured", asset.Symbol,
		)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get gas price: %w", err)
	}
	wei := new(big.Int).Mul(gasPrice, big.NewInt(nativeTransferGas))
	return decimal.NewFromBigInt(wei, -nativeDecimals), nil
}

func (a *adapter) Prepare(
	ctx context.Context, key []byte, req ports.TransferRequest,
) (*ports.SignedTransfer, error) {
	prvkey, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	from := crypto.PubkeyToAddress(prvkey.PublicKey)
	to := common.HexToAddress(req.Destination)

	baseAmount, err := req.Asset.ToBaseUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	amount := baseAmount.BigInt()

	chainID, err := a.getChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	txData := &types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      nativeTransferGas,
		To:       &to,
		Value:    amount,
	}
	if req.Asset.IsToken() {
		contract := common.HexToAddress(req.Asset.Contract)
		data, err := erc20.Pack("transfer", to, amount)
		if err != nil {
			return nil, fmt.Errorf("failed to encode token transfer: %w", err)
		}
		txData.To = &contract
		txData.Value = big.NewInt(0)
		txData.Data = data
		txData.Gas = a.estimateTokenGas(ctx, from, contract, data)
	}

	signed, err := types.SignTx(types.NewTx(txData), types.LatestSignerForChainID(chainID), prvkey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"reference": req.Reference,
		"network":   a.network,
		"nonce":     nonce,
	}).Debugf("prepared %s transfer %s", req.Asset.Symbol, signed.Hash().Hex())

	return &ports.SignedTransfer{
		Family: domain.ChainFamilyEVM,
		TxID:   signed.Hash().Hex(),
		Raw:    raw,
	}, nil
}

// Submit returns as soon as the node accepted the tx into its pool. Any JSON-RPC error
// is the node refusing the tx, except for a tx it already knows.
func (a *adapter) Submit(ctx context.Context, transfer ports.SignedTransfer) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(transfer.Raw); err != nil {
		return "", chain.RejectedError("invalid raw tx: %s", err)
	}

	if err := a.client.SendTransaction(ctx, tx); err != nil {
		if strings.Contains(err.Error(), "already known") {
			return tx.Hash().Hex(), nil
		}
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return "", chain.RejectedError("%s", rpcErr.Error())
		}
		return "", chain.ClassifySubmitError(err)
	}
	return tx.Hash().Hex(), nil
}

func (a *adapter) AwaitConfirmation(
	ctx context.Context, txid string, timeout time.Duration,
) (*ports.ChainTxState, error) {
	return chain.AwaitConfirmation(ctx, txid, timeout, a.pollInterval, a.Lookup)
}

func (a *adapter) Lookup(ctx context.Context, txid string) (*ports.ChainTxState, error) {
	hash := common.HexToHash(txid)
	state := &ports.ChainTxState{TxID: txid}

	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}
		if _, _, err := a.client.TransactionByHash(ctx, hash); err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return nil, ports.ErrTxNotFound
			}
			return nil, fmt.Errorf("failed to get tx: %w", err)
		}
		state.Found = true
		return state, nil
	}

	state.Found = true
	state.Failed = receipt.Status == types.ReceiptStatusFailed
	if receipt.BlockNumber == nil {
		return state, nil
	}
	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	if height := receipt.BlockNumber.Uint64(); tip >= height {
		state.Confirmations = uint32(tip - height + 1)
	}
	return state, nil
}

// Dropped reports whether the nonce of the transfer was consumed by another mined
// transaction. Until then a tx unknown to the node may still be mined.
func (a *adapter) Dropped(ctx context.Context, transfer ports.SignedTransfer) (bool, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(transfer.Raw); err != nil {
		return false, fmt.Errorf("invalid raw tx: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return false, fmt.Errorf("invalid tx signature: %w", err)
	}

	nonce, err := a.client.NonceAt(ctx, from, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get nonce: %w", err)
	}
	if nonce <= tx.Nonce() {
		return false, nil
	}

	// checked after the nonce so that a tx mined in between is seen
	if _, err := a.client.TransactionReceipt(ctx, tx.Hash()); err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return true, nil
		}
		return false, fmt.Errorf("failed to get receipt: %w", err)
	}
	return false, nil
}

func (a *adapter) getChainID(ctx context.Context) (*big.Int, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.chainID != nil {
		return a.chainID, nil
	}
	chainID, err := a.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	a.chainID = chainID
	return chainID, nil
}

func (a *adapter) estimateTokenGas(
	ctx context.Context, from, contract common.Address, data []byte,
) uint64 {
	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from, To: &contract, Data: data,
	})
	if err != nil || gas == 0 {
		log.WithError(err).Debugf(
			"failed to estimate gas on %s, using default %d", a.network, defaultTokenGas,
		)
		return defaultTokenGas
	}
	return gas + gas*gasMarginPercent/100
}

func parsePubKey(pubkey []byte) (*ecdsa.PublicKey, error) {
	switch len(pubkey) {
	case 33:
		return crypto.DecompressPubkey(pubkey)
	case 65:
		return crypto.UnmarshalPubkey(pubkey)
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(pubkey))
	}
}
