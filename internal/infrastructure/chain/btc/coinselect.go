package btcchain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/coinset"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const maxSelectionRounds = 5

// coinSelector picks the largest coins first until the target is covered.
var coinSelector = coinset.MinNumberCoinSelector{
	MaxInputs:       50,
	MinChangeAmount: 0,
}

// selectable implements coinset.Coin interface
type selectable struct {
	utxo     esploraUtxo
	hash     *chainhash.Hash
	pkScript []byte
}

func (u selectable) Hash() *chainhash.Hash { return u.hash }
func (u selectable) Index() uint32         { return u.utxo.Vout }
func (u selectable) Value() btcutil.Amount { return btcutil.Amount(u.utxo.Value) }
func (u selectable) PkScript() []byte      { return u.pkScript }
func (u selectable) NumConfs() int64       { return 1 }
func (u selectable) ValueAge() int64       { return u.utxo.Value }

type selection struct {
	coins  []selectable
	fee    int64
	change int64
}

// selectCoins covers amount plus the fee of spending the selected P2WPKH coins. Change
// below dust is left to the miners.
func selectCoins(
	utxos []esploraUtxo, srcScript, destScript []byte, amount int64,
	feeRate chainfee.SatPerKVByte,
) (*selection, error) {
	coins := make([]coinset.Coin, 0, len(utxos))
	for _, utxo := range utxos {
		if !utxo.Status.Confirmed {
			continue
		}
		hash, err := chainhash.NewHashFromStr(utxo.Txid)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo txid %s: %w", utxo.Txid, err)
		}
		coins = append(coins, selectable{utxo, hash, srcScript})
	}

	fee := estimateTransferFee(1, destScript, feeRate)
	for range maxSelectionRounds {
		selected, err := coinSelector.CoinSelect(btcutil.Amount(amount+fee), coins)
		if err != nil {
			return nil, fmt.Errorf(
				"insufficient funds to cover %d sats plus %d sats of fee", amount, fee,
			)
		}

		picked := selected.Coins()
		needed := estimateTransferFee(len(picked), destScript, feeRate)
		if needed > fee {
			fee = needed
			continue
		}

		result := &selection{coins: make([]selectable, 0, len(picked)), fee: fee}
		total := int64(0)
		for _, coin := range picked {
			result.coins = append(result.coins, coin.(selectable))
			total += int64(coin.Value())
		}
		result.change = total - amount - fee
		if result.change < dustLimit {
			result.fee += result.change
			result.change = 0
		}
		return result, nil
	}
	return nil, fmt.Errorf("coin selection did not converge")
}

func estimateTransferFee(
	numInputs int, destScript []byte, feeRate chainfee.SatPerKVByte,
) int64 {
	weightEstimator := &input.TxWeightEstimator{}
	for range numInputs {
		weightEstimator.AddP2WKHInput()
	}
	if destScript == nil {
		weightEstimator.AddP2WKHOutput()
	} else {
		weightEstimator.AddOutput(destScript)
	}
	weightEstimator.AddP2WKHOutput()

	return int64(feeRate.FeeForVSize(lntypes.VByte(weightEstimator.VSize())))
}
