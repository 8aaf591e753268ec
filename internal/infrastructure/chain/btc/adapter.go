package btcchain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/arkade-os/custodyd/internal/infrastructure/chain"
	"github.com/arkade-os/custodyd/pkg/addrcodec"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	dustLimit            = 546
	confirmationInterval = 30 * time.Second
)

type Option func(*adapter)

func WithPollInterval(interval time.Duration) Option {
	return func(a *adapter) {
		a.pollInterval = interval
	}
}

type adapter struct {
	network      string
	params       *chaincfg.Params
	esplora      *esplora
	pollInterval time.Duration
}

// NewAdapter returns the bitcoin adapter and the multisig escrow sharing its esplora
// client.
func NewAdapter(
	network string, params *chaincfg.Params, esploraURL string, opts ...Option,
) (ports.ChainAdapter, ports.MultisigEscrow, error) {
	if params == nil {
		return nil, nil, fmt.Errorf("missing bitcoin network params")
	}
	if esploraURL == "" {
		return nil, nil, fmt.Errorf("esplora URL is required")
	}

	a := &adapter{
		network:      network,
		params:       params,
		esplora:      newEsplora(esploraURL),
		pollInterval: confirmationInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, &escrow{a.params, a.esplora}, nil
}

func (a *adapter) Family() domain.ChainFamily {
	return domain.ChainFamilyBTC
}

func (a *adapter) Network() string {
	return a.network
}

func (a *adapter) ValidateAddress(address string) error {
	return addrcodec.ValidateBitcoin(address, a.params)
}

func (a *adapter) PublicKey(key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length")
	}
	_, pubkey := btcec.PrivKeyFromBytes(key)
	return pubkey.SerializeCompressed(), nil
}

func (a *adapter) Address(pubkey []byte) (string, error) {
	addr, err := a.p2wpkhAddress(pubkey)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (a *adapter) SignDigest(key []byte, digest []byte) ([]byte, error) {
	if len(key) != 32 || len(digest) != 32 {
		return nil, fmt.Errorf("invalid key or digest length")
	}
	prvkey, _ := btcec.PrivKeyFromBytes(key)
	return ecdsa.Sign(prvkey, digest).Serialize(), nil
}

func (a *adapter) VerifyDigest(pubkey []byte, digest []byte, sig []byte) error {
	key, err := btcec.ParsePubKey(pubkey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	signature, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !signature.Verify(digest, key) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// EstimateFee prices a two inputs, two outputs P2WPKH transfer at the current rate.
func (a *adapter) EstimateFee(
	ctx context.Context, asset domain.Asset, _ decimal.Decimal,
) (decimal.Decimal, error) {
	feeRate, err := a.esplora.getFeeRate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	fee := estimateTransferFee(2, nil, feeRate)
	return asset.FromBaseUnits(decimal.NewFromInt(fee)), nil
}

func (a *adapter) Prepare(
	ctx context.Context, key []byte, req ports.TransferRequest,
) (*ports.SignedTransfer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length")
	}
	prvkey, pubkey := btcec.PrivKeyFromBytes(key)

	srcAddr, err := a.p2wpkhAddress(pubkey.SerializeCompressed())
	if err != nil {
		return nil, err
	}
	srcScript, err := txscript.PayToAddrScript(srcAddr)
	if err != nil {
		return nil, err
	}
	destAddr, err := btcutil.DecodeAddress(req.Destination, a.params)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, err
	}

	baseAmount, err := req.Asset.ToBaseUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	amount := baseAmount.IntPart()
	if amount < dustLimit {
		return nil, fmt.Errorf("amount %d below dust limit %d", amount, dustLimit)
	}

	utxos, err := a.esplora.getUtxos(ctx, srcAddr.EncodeAddress())
	if err != nil {
		return nil, err
	}
	feeRate, err := a.esplora.getFeeRate(ctx)
	if err != nil {
		return nil, err
	}
	selected, err := selectCoins(utxos, srcScript, destScript, amount, feeRate)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	prevouts := make(map[wire.OutPoint]*wire.TxOut)
	for _, coin := range selected.coins {
		outpoint := wire.NewOutPoint(coin.hash, coin.utxo.Vout)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
		prevouts[*outpoint] = wire.NewTxOut(coin.utxo.Value, srcScript)
	}
	tx.AddTxOut(wire.NewTxOut(amount, destScript))
	if selected.change > 0 {
		tx.AddTxOut(wire.NewTxOut(selected.change, srcScript))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevouts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prevout := prevouts[in.PreviousOutPoint]
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, prevout.Value, srcScript, txscript.SigHashAll, prvkey, true,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		in.Witness = witness
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"reference": req.Reference,
		"inputs":    len(tx.TxIn),
		"fee":       selected.fee,
	}).Debugf("prepared bitcoin transfer %s", tx.TxHash())

	return &ports.SignedTransfer{
		Family: domain.ChainFamilyBTC,
		TxID:   tx.TxHash().String(),
		Raw:    buf.Bytes(),
	}, nil
}

func (a *adapter) Submit(ctx context.Context, transfer ports.SignedTransfer) (string, error) {
	txid, err := a.esplora.broadcast(ctx, hex.EncodeToString(transfer.Raw))
	if err != nil {
		return "", err
	}
	if txid != "" && txid != transfer.TxID {
		log.Warnf("indexer returned txid %s, expected %s", txid, transfer.TxID)
	}
	return transfer.TxID, nil
}

func (a *adapter) AwaitConfirmation(
	ctx context.Context, txid string, timeout time.Duration,
) (*ports.ChainTxState, error) {
	return chain.AwaitConfirmation(ctx, txid, timeout, a.pollInterval, a.Lookup)
}

func (a *adapter) Lookup(ctx context.Context, txid string) (*ports.ChainTxState, error) {
	status, err := a.esplora.getTxStatus(ctx, txid)
	if err != nil {
		return nil, err
	}
	state := &ports.ChainTxState{TxID: txid, Found: true}
	if !status.Confirmed {
		return state, nil
	}

	tip, err := a.esplora.getTipHeight(ctx)
	if err != nil {
		return nil, err
	}
	if tip >= status.BlockHeight {
		state.Confirmations = uint32(tip - status.BlockHeight + 1)
	}
	return state, nil
}

// Dropped reports whether an input of the transfer was spent by another confirmed
// transaction, which makes the transfer invalid for good.
func (a *adapter) Dropped(ctx context.Context, transfer ports.SignedTransfer) (bool, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(transfer.Raw)); err != nil {
		return false, fmt.Errorf("invalid raw tx: %w", err)
	}
	if _, err := a.Lookup(ctx, transfer.TxID); !errors.Is(err, ports.ErrTxNotFound) {
		return false, err
	}

	for _, in := range tx.TxIn {
		prevout := in.PreviousOutPoint
		outspend, err := a.esplora.getOutspend(ctx, prevout.Hash.String(), prevout.Index)
		if err != nil {
			return false, err
		}
		if outspend.Spent && outspend.Status.Confirmed && outspend.Txid != transfer.TxID {
			log.Debugf(
				"input %s of tx %s spent by %s", prevout, transfer.TxID, outspend.Txid,
			)
			return true, nil
		}
	}
	return false, nil
}

func (a *adapter) p2wpkhAddress(pubkey []byte) (*btcutil.AddressWitnessPubKeyHash, error) {
	if _, err := btcec.ParsePubKey(pubkey); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubkey), a.params)
}
