package domain

import (
	"fmt"
	"strings"
)

// ChainFamily groups assets that share key derivation, address grammar and signing.
type ChainFamily uint8

const (
	ChainFamilyUnspecified ChainFamily = iota
	ChainFamilyBTC
	ChainFamilyEVM
	ChainFamilySOL
	ChainFamilyTRX
)

var chainFamilyNames = map[ChainFamily]string{
	ChainFamilyBTC: "BTC",
	ChainFamilyEVM: "EVM",
	ChainFamilySOL: "SOL",
	ChainFamilyTRX: "TRX",
}

func (f ChainFamily) String() string {
	if name, ok := chainFamilyNames[f]; ok {
		return name
	}
	return "UNSPECIFIED"
}

func (f ChainFamily) IsValid() bool {
	_, ok := chainFamilyNames[f]
	return ok
}

func ParseChainFamily(s string) (ChainFamily, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for family, name := range chainFamilyNames {
		if name == s {
			return family, nil
		}
	}
	return ChainFamilyUnspecified, fmt.Errorf("unknown chain family %q", s)
}

var nativeFamilies = map[string]ChainFamily{
	"BTC": ChainFamilyBTC,
	"ETH": ChainFamilyEVM,
	"BNB": ChainFamilyEVM,
	"SOL": ChainFamilySOL,
	"TRX": ChainFamilyTRX,
}

var tokenSuffixFamilies = map[string]ChainFamily{
	"-ERC20": ChainFamilyEVM,
	"-BEP20": ChainFamilyEVM,
	"-SPL":   ChainFamilySOL,
	"-TRC20": ChainFamilyTRX,
}

// FamilyForAsset maps an asset symbol to its chain family. Unknown symbols are an
// error, never a default family.
func FamilyForAsset(symbol string) (ChainFamily, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if family, ok := nativeFamilies[symbol]; ok {
		return family, nil
	}
	for suffix, family := range tokenSuffixFamilies {
		if strings.HasSuffix(symbol, suffix) && len(symbol) > len(suffix) {
			return family, nil
		}
	}
	return ChainFamilyUnspecified, fmt.Errorf("unknown asset symbol %q", symbol)
}

// IsNativeAsset returns whether the symbol is the gas asset of its chain.
func IsNativeAsset(symbol string) bool {
	_, ok := nativeFamilies[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok
}
