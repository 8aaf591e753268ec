package solchain

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/arkade-os/custodyd/internal/infrastructure/chain"
	"github.com/arkade-os/custodyd/pkg/addrcodec"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	lamportsPerSignature = 5000
	nativeDecimals       = 9
	// reported for finalized (rooted) transactions
	finalizedConfirmations = 32
	confirmationInterval   = 2 * time.Second
)

// solClient is the subset of the solana JSON-RPC client the adapter needs.
type solClient interface {
	GetLatestBlockhash(
		ctx context.Context, commitment rpc.CommitmentType,
	) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	SendTransactionWithOpts(
		ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts,
	) (solana.Signature, error)
	GetSignatureStatuses(
		ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)
	IsBlockhashValid(
		ctx context.Context, blockHash solana.Hash, commitment rpc.CommitmentType,
	) (*rpc.IsValidBlockhashResult, error)
}

type Option func(*adapter)

func WithPollInterval(interval time.Duration) Option {
	return func(a *adapter) {
		a.pollInterval = interval
	}
}

type adapter struct {
	network      string
	client       solClient
	pollInterval time.Duration
}

func NewAdapter(network, rpcURL string, opts ...Option) (ports.ChainAdapter, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("missing solana rpc URL")
	}
	return newAdapter(network, rpc.New(rpcURL), opts...), nil
}

func newAdapter(network string, client solClient, opts ...Option) *adapter {
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
	return domain.ChainFamilySOL
}

func (a *adapter) Network() string {
	return a.network
}

func (a *adapter) ValidateAddress(address string) error {
	return addrcodec.ValidateSolana(address)
}

func (a *adapter) PublicKey(key []byte) ([]byte, error) {
	prvkey, err := privateKey(key)
	if err != nil {
		return nil, err
	}
	pubkey := prvkey.PublicKey()
	return pubkey[:], nil
}

func (a *adapter) Address(pubkey []byte) (string, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key length %d", len(pubkey))
	}
	return solana.PublicKeyFromBytes(pubkey).String(), nil
}

func (a *adapter) SignDigest(key []byte, digest []byte) ([]byte, error) {
	prvkey, err := privateKey(key)
	if err != nil {
		return nil, err
	}
	sig, err := prvkey.Sign(digest)
	if err != nil {
		return nil, err
	}
	return sig[:], nil
}

func (a *adapter) VerifyDigest(pubkey []byte, digest []byte, sig []byte) error {
	if len(pubkey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid public key or signature length")
	}
	signature := solana.SignatureFromBytes(sig)
	if !signature.Verify(solana.PublicKeyFromBytes(pubkey), digest) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// EstimateFee returns the base fee of a single-signature transaction. Token fees are
// paid in SOL, so they must come from the asset table.
func (a *adapter) EstimateFee(
	_ context.Context, asset domain.Asset, _ decimal.Decimal,
) (decimal.Decimal, error) {
	if asset.IsToken() {
		return decimal.Zero, fmt.Errorf(
			"network fee of token %s must be configured", asset.Symbol,
		)
	}
	return decimal.New(lamportsPerSignature, -nativeDecimals), nil
}

func (a *adapter) Prepare(
	ctx context.Context, key []byte, req ports.TransferRequest,
) (*ports.SignedTransfer, error) {
	prvkey, err := privateKey(key)
	if err != nil {
		return nil, err
	}
	owner := prvkey.PublicKey()

	destination, err := solana.PublicKeyFromBase58(req.Destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}
	baseAmount, err := req.Asset.ToBaseUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	if !baseAmount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}
	amount := uint64(baseAmount.IntPart())

	var instructions []solana.Instruction
	if req.Asset.IsToken() {
		instructions, err = a.tokenTransfer(ctx, owner, destination, amount, req.Asset)
		if err != nil {
			return nil, err
		}
	} else {
		instructions = []solana.Instruction{
			system.NewTransferInstruction(amount, owner, destination).Build(),
		}
	}

	blockhash, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions, blockhash.Value.Blockhash, solana.TransactionPayer(owner),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build tx: %w", err)
	}
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(owner) {
			return &prvkey
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	txid := tx.Signatures[0].String()

	log.WithFields(log.Fields{
		"reference":    req.Reference,
		"instructions": len(instructions),
	}).Debugf("prepared %s transfer %s", req.Asset.Symbol, txid)

	return &ports.SignedTransfer{
		Family: domain.ChainFamilySOL,
		TxID:   txid,
		Raw:    raw,
	}, nil
}

// tokenTransfer moves SPL tokens between the associated token accounts of owner and
// destination, creating the destination's one when missing.
func (a *adapter) tokenTransfer(
	ctx context.Context, owner, destination solana.PublicKey, amount uint64,
	asset domain.Asset,
) ([]solana.Instruction, error) {
	mint, err := solana.PublicKeyFromBase58(asset.Contract)
	if err != nil {
		return nil, fmt.Errorf("invalid mint for %s: %w", asset.Symbol, err)
	}
	source, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	target, _, err := solana.FindAssociatedTokenAddress(destination, mint)
	if err != nil {
		return nil, err
	}

	instructions := make([]solana.Instruction, 0, 2)
	if _, err := a.client.GetAccountInfo(ctx, target); err != nil {
		if !errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("failed to get token account: %w", err)
		}
		instructions = append(
			instructions,
			associatedtokenaccount.NewCreateInstruction(owner, destination, mint).Build(),
		)
	}
	instructions = append(instructions, token.NewTransferCheckedInstruction(
		amount, uint8(asset.Decimals), source, mint, target, owner, nil,
	).Build())
	return instructions, nil
}

func (a *adapter) Submit(ctx context.Context, transfer ports.SignedTransfer) (string, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(transfer.Raw))
	if err != nil {
		return "", chain.RejectedError("invalid raw tx: %s", err)
	}

	sig, err := a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		// preflight failures come back as json-rpc errors
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return "", chain.RejectedError("%s", rpcErr.Message)
		}
		return "", chain.ClassifySubmitError(err)
	}
	return sig.String(), nil
}

func (a *adapter) AwaitConfirmation(
	ctx context.Context, txid string, timeout time.Duration,
) (*ports.ChainTxState, error) {
	return chain.AwaitConfirmation(ctx, txid, timeout, a.pollInterval, a.Lookup)
}

func (a *adapter) Lookup(ctx context.Context, txid string) (*ports.ChainTxState, error) {
	sig, err := solana.SignatureFromBase58(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %s: %w", txid, err)
	}
	res, err := a.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return nil, ports.ErrTxNotFound
	}

	status := res.Value[0]
	state := &ports.ChainTxState{
		TxID:   txid,
		Found:  true,
		Failed: status.Err != nil,
	}
	switch {
	case status.ConfirmationStatus == rpc.ConfirmationStatusFinalized:
		state.Confirmations = finalizedConfirmations
	case status.Confirmations != nil:
		state.Confirmations = uint32(*status.Confirmations)
	}
	return state, nil
}

// Dropped reports whether the recent blockhash of the transfer expired without the
// transfer landing. An expired transaction can never be processed.
func (a *adapter) Dropped(ctx context.Context, transfer ports.SignedTransfer) (bool, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(transfer.Raw))
	if err != nil {
		return false, fmt.Errorf("invalid raw tx: %w", err)
	}
	valid, err := a.client.IsBlockhashValid(
		ctx, tx.Message.RecentBlockhash, rpc.CommitmentFinalized,
	)
	if err != nil {
		return false, fmt.Errorf("failed to check blockhash: %w", err)
	}
	if valid != nil && valid.Value {
		return false, nil
	}

	if _, err := a.Lookup(ctx, transfer.TxID); !errors.Is(err, ports.ErrTxNotFound) {
		return false, err
	}
	return true, nil
}

func privateKey(key []byte) (solana.PrivateKey, error) {
	if len(key) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid key length")
	}
	return solana.PrivateKey(ed25519.NewKeyFromSeed(key)), nil
}
