// Package addrcodec validates destination addresses for every supported chain and
// implements the Tron base58check encoding shared by the Tron adapter and the escrow
// constructor.
package addrcodec

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// TronAddressVersion is the version byte prepended to the 20-byte account hash.
	TronAddressVersion byte = 0x41

	tronAddressLen = 34
	solMinLen      = 32
	solMaxLen      = 44
	solKeyLen      = 32
)

// ValidateBitcoin accepts P2PKH, P2SH and bech32 (segwit v0/v1) addresses of the given
// network.
func ValidateBitcoin(addr string, net *chaincfg.Params) error {
	decoded, err := btcutil.DecodeAddress(addr, net)
	if err != nil {
		return fmt.Errorf("invalid bitcoin address: %w", err)
	}
	if !decoded.IsForNet(net) {
		return fmt.Errorf("address %s is not for network %s", addr, net.Name)
	}
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash,
		*btcutil.AddressWitnessPubKeyHash, *btcutil.AddressWitnessScriptHash,
		*btcutil.AddressTaproot:
		return nil
	default:
		return fmt.Errorf("unsupported bitcoin address type %T", decoded)
	}
}

// ValidateEVM accepts `0x` followed by exactly 40 hex chars.
func ValidateEVM(addr string) error {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("evm address must start with 0x")
	}
	if len(addr) != 42 || !common.IsHexAddress(addr) {
		return fmt.Errorf("evm address must be 0x followed by 40 hex chars")
	}
	return nil
}

// ValidateSolana accepts base58 strings of 32 to 44 chars decoding to a 32-byte key.
func ValidateSolana(addr string) error {
	if len(addr) < solMinLen || len(addr) > solMaxLen {
		return fmt.Errorf("solana address must be %d-%d chars, got %d", solMinLen, solMaxLen, len(addr))
	}
	decoded := base58.Decode(addr)
	if len(decoded) != solKeyLen {
		return fmt.Errorf("solana address must decode to %d bytes", solKeyLen)
	}
	return nil
}

// ValidateTron accepts `T` followed by 33 base58 chars with a valid checksum.
func ValidateTron(addr string) error {
	if len(addr) != tronAddressLen || addr[0] != 'T' {
		return fmt.Errorf("tron address must be T followed by 33 base58 chars")
	}
	if _, err := TronAddressToHash(addr); err != nil {
		return err
	}
	return nil
}

// TronAddressFromPubKey derives the base58check account address of a secp256k1 key.
func TronAddressFromPubKey(pubkey *ecdsa.PublicKey) string {
	return base58.CheckEncode(crypto.PubkeyToAddress(*pubkey).Bytes(), TronAddressVersion)
}

// TronAddressFromBytes derives the address from a compressed or uncompressed public key.
func TronAddressFromBytes(pubkey []byte) (string, error) {
	key, err := parseSecp256k1(pubkey)
	if err != nil {
		return "", err
	}
	return TronAddressFromPubKey(key), nil
}

// TronAddressToHash returns the 20-byte account hash of a base58check address.
func TronAddressToHash(addr string) ([]byte, error) {
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid tron address checksum: %w", err)
	}
	if version != TronAddressVersion {
		return nil, fmt.Errorf("invalid tron address version %#x", version)
	}
	if len(payload) != common.AddressLength {
		return nil, fmt.Errorf("invalid tron address length %d", len(payload))
	}
	return payload, nil
}

// TronAddressToHex returns the 21-byte hex form (41 prefixed) used by the node HTTP API.
func TronAddressToHex(addr string) (string, error) {
	hash, err := TronAddressToHash(addr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(append([]byte{TronAddressVersion}, hash...)), nil
}

// TronHexToAddress converts the 41 prefixed hex form back to base58check.
func TronHexToAddress(hexAddr string) (string, error) {
	buf, err := hex.DecodeString(strings.TrimPrefix(hexAddr, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid hex address: %w", err)
	}
	if len(buf) != common.AddressLength+1 || buf[0] != TronAddressVersion {
		return "", fmt.Errorf("invalid tron hex address %s", hexAddr)
	}
	return base58.CheckEncode(buf[1:], TronAddressVersion), nil
}

func parseSecp256k1(pubkey []byte) (*ecdsa.PublicKey, error) {
	switch len(pubkey) {
	case 33:
		return crypto.DecompressPubkey(pubkey)
	case 65:
		return crypto.UnmarshalPubkey(pubkey)
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(pubkey))
	}
}
