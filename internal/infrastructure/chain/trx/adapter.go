package trxchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/arkade-os/custodyd/internal/infrastructure/chain"
	"github.com/arkade-os/custodyd/pkg/addrcodec"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	nativeDecimals = 6
	// bandwidth consumed by a native transfer
	transferBandwidth    = 270
	transactionFeeParam  = "getTransactionFee"
	transferSelector     = "transfer(address,uint256)"
	defaultFeeLimit      = 30_000_000
	confirmationInterval = 3 * time.Second

	duplicateTxCode = "DUP_TRANSACTION_ERROR"
	// covers clock skew with the network
	expirationMargin = time.Minute
)

var transferArgs = func() abi.Arguments {
	addressType, _ := abi.NewType("address", "", nil)
	uintType, _ := abi.NewType("uint256", "", nil)
	return abi.Arguments{{Type: addressType}, {Type: uintType}}
}()

type Option func(*adapter)

func WithAPIKey(apiKey string) Option {
	return func(a *adapter) {
		a.client.apiKey = apiKey
	}
}

// WithFeeLimit sets the max energy fee in sun a TRC-20 transfer may burn.
func WithFeeLimit(feeLimit int64) Option {
	return func(a *adapter) {
		a.feeLimit = feeLimit
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(a *adapter) {
		a.pollInterval = interval
	}
}

type adapter struct {
	network      string
	client       *trongrid
	feeLimit     int64
	pollInterval time.Duration
}

// NewAdapter returns the Tron adapter talking to a full node HTTP API (TronGrid or
// self-hosted) at url.
func NewAdapter(network, url string, opts ...Option) (ports.ChainAdapter, error) {
	if url == "" {
		return nil, fmt.Errorf("missing tron node URL")
	}
	a := &adapter{
		network:      network,
		client:       newTrongrid(url, ""),
		feeLimit:     defaultFeeLimit,
		pollInterval: confirmationInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *adapter) Family() domain.ChainFamily {
	return domain.ChainFamilyTRX
}

func (a *adapter) Network() string {
	return a.network
}

func (a *adapter) ValidateAddress(address string) error {
	return addrcodec.ValidateTron(address)
}

func (a *adapter) PublicKey(key []byte) ([]byte, error) {
	prvkey, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return crypto.CompressPubkey(&prvkey.PublicKey), nil
}

func (a *adapter) Address(pubkey []byte) (string, error) {
	return addrcodec.TronAddressFromBytes(pubkey)
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

// EstimateFee prices the bandwidth of a native transfer burnt as TRX. TRC-20 transfers
// burn energy that depends on the contract, so their fee must come from the asset table.
func (a *adapter) EstimateFee(
	ctx context.Context, asset domain.Asset, _ decimal.Decimal,
) (decimal.Decimal, error) {
	if asset.IsToken() {
		return decimal.Zero, fmt.Errorf(
			"network fee of token %s must be configured", asset.Symbol,
		)
	}
	sunPerByte, err := a.client.getChainParameter(ctx, transactionFeeParam)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(sunPerByte*transferBandwidth, -nativeDecimals), nil
}

func (a *adapter) Prepare(
	ctx context.Context, key []byte, req ports.TransferRequest,
) (*ports.SignedTransfer, error) {
	prvkey, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	from := addrcodec.TronAddressFromPubKey(&prvkey.PublicKey)

	if err := addrcodec.ValidateTron(req.Destination); err != nil {
		return nil, err
	}
	baseAmount, err := req.Asset.ToBaseUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	if !baseAmount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}

	var (
		tx        *transaction
		parameter string
	)
	if req.Asset.IsToken() {
		parameter, err = encodeTransfer(req.Destination, baseAmount)
		if err != nil {
			return nil, err
		}
		tx, err = a.client.triggerSmartContract(
			ctx, from, req.Asset.Contract, transferSelector, parameter, a.feeLimit,
		)
		if err != nil {
			return nil, err
		}
	} else {
		tx, err = a.client.createTransaction(ctx, from, req.Destination, baseAmount.IntPart())
		if err != nil {
			return nil, err
		}
	}

	// the txID the node returns must be the hash of the raw data we sign, and the raw
	// data must be the transfer we asked for
	rawDataBytes, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return nil, fmt.Errorf("invalid raw data from node: %w", err)
	}
	txHash := sha256.Sum256(rawDataBytes)
	if !strings.EqualFold(hex.EncodeToString(txHash[:]), tx.TxID) {
		return nil, fmt.Errorf("txID %s does not match raw data", tx.TxID)
	}
	rd, err := decodeRawData(rawDataBytes)
	if err != nil {
		return nil, err
	}
	if req.Asset.IsToken() {
		err = rd.checkTokenTransfer(from, req.Asset.Contract, parameter)
	} else {
		err = rd.checkTransfer(from, req.Destination, baseAmount.IntPart())
	}
	if err != nil {
		return nil, fmt.Errorf("node built an unexpected transaction: %w", err)
	}

	sig, err := crypto.Sign(txHash[:], prvkey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}
	tx.Signature = []string{hex.EncodeToString(sig)}

	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"reference": req.Reference,
		"from":      from,
	}).Debugf("prepared %s transfer %s", req.Asset.Symbol, tx.TxID)

	return &ports.SignedTransfer{
		Family: domain.ChainFamilyTRX,
		TxID:   tx.TxID,
		Raw:    raw,
	}, nil
}

func (a *adapter) Submit(ctx context.Context, transfer ports.SignedTransfer) (string, error) {
	if !json.Valid(transfer.Raw) {
		return "", chain.RejectedError("invalid raw tx")
	}

	resp, err := a.client.broadcastTransaction(ctx, transfer.Raw)
	if err != nil {
		return "", chain.ClassifySubmitError(err)
	}
	if !resp.Result {
		if resp.Code == duplicateTxCode {
			return transfer.TxID, nil
		}
		return "", chain.RejectedError("%s %s", resp.Code, decodeMessage(resp.Message))
	}
	return transfer.TxID, nil
}

func (a *adapter) AwaitConfirmation(
	ctx context.Context, txid string, timeout time.Duration,
) (*ports.ChainTxState, error) {
	return chain.AwaitConfirmation(ctx, txid, timeout, a.pollInterval, a.Lookup)
}

func (a *adapter) Lookup(ctx context.Context, txid string) (*ports.ChainTxState, error) {
	info, err := a.client.getTransactionInfo(ctx, txid)
	if err != nil {
		return nil, err
	}
	state := &ports.ChainTxState{TxID: txid}

	if info == nil {
		tx, err := a.client.getTransaction(ctx, txid)
		if err != nil {
			return nil, err
		}
		if tx == nil {
			return nil, ports.ErrTxNotFound
		}
		state.Found = true
		return state, nil
	}

	state.Found = true
	state.Failed = info.Result == "FAILED" ||
		(info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS")

	tip, err := a.client.getNowBlock(ctx)
	if err != nil {
		return nil, err
	}
	if tip >= info.BlockNumber {
		state.Confirmations = uint32(tip - info.BlockNumber + 1)
	}
	return state, nil
}

// Dropped reports whether the transfer expired without reaching a block. The network
// refuses transactions past their expiration, so an expired one the node does not
// know can never be included.
func (a *adapter) Dropped(ctx context.Context, transfer ports.SignedTransfer) (bool, error) {
	var tx transaction
	if err := json.Unmarshal(transfer.Raw, &tx); err != nil {
		return false, fmt.Errorf("invalid raw tx: %w", err)
	}
	rawDataBytes, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return false, fmt.Errorf("invalid raw tx: %w", err)
	}
	rd, err := decodeRawData(rawDataBytes)
	if err != nil {
		return false, err
	}
	if rd.expiration == 0 ||
		time.Now().Before(time.UnixMilli(rd.expiration).Add(expirationMargin)) {
		return false, nil
	}

	if _, err := a.Lookup(ctx, transfer.TxID); !errors.Is(err, ports.ErrTxNotFound) {
		return false, err
	}
	return true, nil
}

// encodeTransfer returns the abi encoded arguments of transfer(address,uint256).
func encodeTransfer(destination string, amount decimal.Decimal) (string, error) {
	hash, err := addrcodec.TronAddressToHash(destination)
	if err != nil {
		return "", err
	}
	args, err := transferArgs.Pack(common.BytesToAddress(hash), amount.BigInt())
	if err != nil {
		return "", fmt.Errorf("failed to encode token transfer: %w", err)
	}
	return hex.EncodeToString(args), nil
}
