package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Asset is one row of the asset table: everything the pipeline needs to move a
// symbol on its chain.
type Asset struct {
	Symbol string
	Family ChainFamily
	// Network selects the adapter instance within a family, ie. ethereum or bsc for EVM.
	Network               string
	Decimals              int32
	Contract              string
	MinWithdrawal         decimal.Decimal
	NetworkFee            decimal.Decimal
	RequiredConfirmations uint32
}

func (a Asset) IsToken() bool {
	return a.Contract != ""
}

// ToBaseUnits converts a display amount into the chain's smallest unit. Amounts with
// more precision than the asset supports are rejected.
func (a Asset) ToBaseUnits(amount decimal.Decimal) (decimal.Decimal, error) {
	base := amount.Shift(a.Decimals)
	if !base.Equal(base.Truncate(0)) {
		return decimal.Zero, fmt.Errorf(
			"amount %s exceeds %d decimals of %s", amount, a.Decimals, a.Symbol,
		)
	}
	return base, nil
}

func (a Asset) FromBaseUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(-a.Decimals)
}

func (a Asset) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("missing asset symbol")
	}
	family, err := FamilyForAsset(a.Symbol)
	if err != nil {
		return err
	}
	if a.Family != family {
		return fmt.Errorf(
			"asset %s declared on %s but symbol maps to %s", a.Symbol, a.Family, family,
		)
	}
	if a.Decimals < 0 || a.Decimals > 18 {
		return fmt.Errorf("invalid decimals %d for %s", a.Decimals, a.Symbol)
	}
	if IsNativeAsset(a.Symbol) && a.Contract != "" {
		return fmt.Errorf("native asset %s must not have a contract", a.Symbol)
	}
	if !IsNativeAsset(a.Symbol) && a.Contract == "" {
		return fmt.Errorf("token %s requires a contract address", a.Symbol)
	}
	if a.MinWithdrawal.IsNegative() || a.NetworkFee.IsNegative() {
		return fmt.Errorf("negative limits for %s", a.Symbol)
	}
	return nil
}

// AssetTable is the read-only configured set of supported assets.
type AssetTable map[string]Asset

func (t AssetTable) Get(symbol string) (Asset, bool) {
	asset, ok := t[strings.ToUpper(strings.TrimSpace(symbol))]
	return asset, ok
}
