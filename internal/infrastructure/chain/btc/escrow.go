package btcchain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	escrowThreshold = 2
	// vsize of a release spending one 2-of-3 P2WSH input into one output
	releaseBaseVSize = 145
	// vsize of every additional 2-of-3 P2WSH input
	releaseInputVSize = 105
)

type escrow struct {
	params  *chaincfg.Params
	esplora *esplora
}

// LockingStructure returns the 2-of-3 multisig witness script over the
// lexicographically sorted keys and its P2WSH address. The order of pubkeys does not
// matter.
func (e *escrow) LockingStructure(pubkeys [][]byte) ([]byte, string, error) {
	if len(pubkeys) != domain.EscrowParticipants {
		return nil, "", fmt.Errorf("expected %d keys, got %d", domain.EscrowParticipants, len(pubkeys))
	}

	sorted := make([][]byte, 0, len(pubkeys))
	for _, pubkey := range pubkeys {
		key, err := btcec.ParsePubKey(pubkey)
		if err != nil {
			return nil, "", fmt.Errorf("invalid public key: %w", err)
		}
		sorted = append(sorted, key.SerializeCompressed())
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})

	addrs := make([]*btcutil.AddressPubKey, 0, len(sorted))
	for _, pubkey := range sorted {
		addr, err := btcutil.NewAddressPubKey(pubkey, e.params)
		if err != nil {
			return nil, "", err
		}
		addrs = append(addrs, addr)
	}
	script, err := txscript.MultiSigScript(addrs, escrowThreshold)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build multisig script: %w", err)
	}

	address, err := e.witnessAddress(script)
	if err != nil {
		return nil, "", err
	}
	return script, address.EncodeAddress(), nil
}

func (e *escrow) ListEscrowInputs(ctx context.Context, address string) ([]domain.EscrowInput, error) {
	utxos, err := e.esplora.getUtxos(ctx, address)
	if err != nil {
		return nil, err
	}
	inputs := make([]domain.EscrowInput, 0, len(utxos))
	for _, utxo := range utxos {
		if !utxo.Status.Confirmed {
			continue
		}
		inputs = append(inputs, domain.EscrowInput{
			Txid: utxo.Txid, Vout: utxo.Vout, Amount: utxo.Value,
		})
	}
	return inputs, nil
}

func (e *escrow) EstimateReleaseFee(numInputs int, feeRate int64) int64 {
	if numInputs < 1 {
		numInputs = 1
	}
	vsize := int64(releaseBaseVSize + releaseInputVSize*(numInputs-1))
	return vsize * feeRate
}

func (e *escrow) DustLimit() int64 {
	return dustLimit
}

func (e *escrow) BuildRelease(
	lockingScript []byte, inputs []domain.EscrowInput, recipient string, outputAmount int64,
) (string, error) {
	recipientAddr, err := btcutil.DecodeAddress(recipient, e.params)
	if err != nil {
		return "", fmt.Errorf("invalid recipient: %w", err)
	}
	recipientScript, err := txscript.PayToAddrScript(recipientAddr)
	if err != nil {
		return "", err
	}
	escrowScript, err := e.witnessPkScript(lockingScript)
	if err != nil {
		return "", err
	}

	outpoints := make([]*wire.OutPoint, 0, len(inputs))
	sequences := make([]uint32, 0, len(inputs))
	for _, in := range inputs {
		hash, err := chainhash.NewHashFromStr(in.Txid)
		if err != nil {
			return "", fmt.Errorf("invalid input txid %s: %w", in.Txid, err)
		}
		outpoints = append(outpoints, wire.NewOutPoint(hash, in.Vout))
		sequences = append(sequences, wire.MaxTxInSequenceNum)
	}

	ptx, err := psbt.New(
		outpoints, []*wire.TxOut{wire.NewTxOut(outputAmount, recipientScript)}, 2, 0, sequences,
	)
	if err != nil {
		return "", err
	}

	updater, err := psbt.NewUpdater(ptx)
	if err != nil {
		return "", err
	}
	for i, in := range inputs {
		if err := updater.AddInWitnessUtxo(wire.NewTxOut(in.Amount, escrowScript), i); err != nil {
			return "", err
		}
		if err := updater.AddInWitnessScript(lockingScript, i); err != nil {
			return "", err
		}
		if err := updater.AddInSighashType(txscript.SigHashAll, i); err != nil {
			return "", err
		}
	}

	return ptx.B64Encode()
}

// CheckRelease verifies the release spends only outputs of lockingScript into a single
// output and returns its fee.
func (e *escrow) CheckRelease(payload string, lockingScript []byte) (int64, error) {
	ptx, err := psbt.NewFromRawBytes(strings.NewReader(payload), true)
	if err != nil {
		return 0, fmt.Errorf("invalid release psbt: %w", err)
	}
	escrowScript, err := e.witnessPkScript(lockingScript)
	if err != nil {
		return 0, err
	}

	if len(ptx.UnsignedTx.TxOut) != 1 {
		return 0, fmt.Errorf("release must have exactly one output")
	}
	if len(ptx.Inputs) == 0 {
		return 0, fmt.Errorf("release has no inputs")
	}

	totalIn := int64(0)
	for i, in := range ptx.Inputs {
		if in.WitnessUtxo == nil {
			return 0, fmt.Errorf("missing witness utxo for input %d", i)
		}
		if !bytes.Equal(in.WitnessScript, lockingScript) {
			return 0, fmt.Errorf("input %d witness script does not match escrow", i)
		}
		if !bytes.Equal(in.WitnessUtxo.PkScript, escrowScript) {
			return 0, fmt.Errorf("input %d does not spend the escrow address", i)
		}
		totalIn += in.WitnessUtxo.Value
	}

	totalOut := int64(0)
	for _, out := range ptx.UnsignedTx.TxOut {
		totalOut += out.Value
	}
	if totalOut > totalIn {
		return 0, fmt.Errorf("release spends more than its inputs")
	}
	return totalIn - totalOut, nil
}

// SignRelease adds the signature of key to every input and returns the updated psbt
// along with the signature of the first input.
func (e *escrow) SignRelease(payload string, key []byte, lockingScript []byte) (string, []byte, error) {
	if _, err := e.CheckRelease(payload, lockingScript); err != nil {
		return "", nil, err
	}
	if len(key) != 32 {
		return "", nil, fmt.Errorf("invalid key length")
	}
	prvkey, pubkey := btcec.PrivKeyFromBytes(key)
	compressed := pubkey.SerializeCompressed()

	if !scriptHasKey(lockingScript, compressed) {
		return "", nil, fmt.Errorf("key is not part of the escrow")
	}

	ptx, err := psbt.NewFromRawBytes(strings.NewReader(payload), true)
	if err != nil {
		return "", nil, err
	}
	fetcher := prevoutFetcher(ptx)
	sigHashes := txscript.NewTxSigHashes(ptx.UnsignedTx, fetcher)

	updater, err := psbt.NewUpdater(ptx)
	if err != nil {
		return "", nil, err
	}

	var firstSig []byte
	for i, in := range ptx.Inputs {
		sig, err := txscript.RawTxInWitnessSignature(
			ptx.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value, lockingScript,
			txscript.SigHashAll, prvkey,
		)
		if err != nil {
			return "", nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		if _, err := updater.Sign(i, sig, compressed, nil, nil); err != nil {
			return "", nil, fmt.Errorf("failed to add signature to input %d: %w", i, err)
		}
		if firstSig == nil {
			firstSig = sig
		}
	}

	signed, err := ptx.B64Encode()
	if err != nil {
		return "", nil, err
	}
	return signed, firstSig, nil
}

// FinalizeRelease builds the witness of every input from 2 partial signatures ordered
// as their keys appear in the script, verifies it against the script and returns the
// tx with its fee.
func (e *escrow) FinalizeRelease(payload string, lockingScript []byte) (*ports.SignedTransfer, int64, error) {
	fee, err := e.CheckRelease(payload, lockingScript)
	if err != nil {
		return nil, 0, err
	}
	ptx, err := psbt.NewFromRawBytes(strings.NewReader(payload), true)
	if err != nil {
		return nil, 0, err
	}

	scriptKeys, err := txscript.PushedData(lockingScript)
	if err != nil {
		return nil, 0, err
	}

	tx := ptx.UnsignedTx.Copy()
	for i, in := range ptx.Inputs {
		witness := wire.TxWitness{nil}
		for _, scriptKey := range scriptKeys {
			for _, partial := range in.PartialSigs {
				if bytes.Equal(partial.PubKey, scriptKey) {
					witness = append(witness, partial.Signature)
					break
				}
			}
			if len(witness) == escrowThreshold+1 {
				break
			}
		}
		if len(witness) != escrowThreshold+1 {
			return nil, 0, fmt.Errorf(
				"input %d has %d signatures, need %d", i, len(witness)-1, escrowThreshold,
			)
		}
		witness = append(witness, lockingScript)
		tx.TxIn[i].Witness = witness
	}

	fetcher := prevoutFetcher(ptx)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range ptx.Inputs {
		engine, err := txscript.NewEngine(
			in.WitnessUtxo.PkScript, tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, in.WitnessUtxo.Value, fetcher,
		)
		if err != nil {
			return nil, 0, err
		}
		if err := engine.Execute(); err != nil {
			return nil, 0, fmt.Errorf("invalid signatures for input %d: %w", i, err)
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, 0, err
	}
	return &ports.SignedTransfer{
		Family: domain.ChainFamilyBTC,
		TxID:   tx.TxHash().String(),
		Raw:    buf.Bytes(),
	}, fee, nil
}

func (e *escrow) witnessAddress(script []byte) (*btcutil.AddressWitnessScriptHash, error) {
	hash := sha256.Sum256(script)
	return btcutil.NewAddressWitnessScriptHash(hash[:], e.params)
}

func (e *escrow) witnessPkScript(script []byte) ([]byte, error) {
	addr, err := e.witnessAddress(script)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func prevoutFetcher(ptx *psbt.Packet) *txscript.MultiPrevOutFetcher {
	prevouts := make(map[wire.OutPoint]*wire.TxOut)
	for i, in := range ptx.UnsignedTx.TxIn {
		prevouts[in.PreviousOutPoint] = ptx.Inputs[i].WitnessUtxo
	}
	return txscript.NewMultiPrevOutFetcher(prevouts)
}

func scriptHasKey(script []byte, pubkey []byte) bool {
	pushes, err := txscript.PushedData(script)
	if err != nil {
		return false
	}
	for _, push := range pushes {
		if bytes.Equal(push, pubkey) {
			return true
		}
	}
	return false
}
