package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	assetsKey = "assets"

	networkBitcoin  = "bitcoin"
	networkEthereum = "ethereum"
	networkBsc      = "bsc"
	networkSolana   = "solana"
	networkTron     = "tron"
)

type assetDefaults struct {
	network       string
	decimals      int32
	contract      string
	minWithdrawal string
	networkFee    string
	confirmations uint32
}

var defaultAssets = map[string]assetDefaults{
	"BTC": {networkBitcoin, 8, "", "0.0001", "0.0001", 3},
	"ETH": {networkEthereum, 18, "", "0.001", "0.0005", 12},
	"BNB": {networkBsc, 18, "", "0.001", "0.0005", 15},
	"USDT-ERC20": {
		networkEthereum, 6, "0xdAC17F958D2ee523a2206206994597C13D831ec7", "10", "5", 12,
	},
	"USDT-BEP20": {
		networkBsc, 18, "0x55d398326f99059fF775485246999027B3197955", "1", "0.5", 15,
	},
	"SOL": {networkSolana, 9, "", "0.01", "0.001", 32},
	"USDC-SPL": {
		networkSolana, 6, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "1", "0.5", 32,
	},
	"TRX": {networkTron, 6, "", "1", "1", 19},
	"USDT-TRC20": {
		networkTron, 6, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", "1", "1", 19,
	},
}

func assetKey(symbol, field string) string {
	return fmt.Sprintf("%s.%s.%s", assetsKey, strings.ToLower(symbol), field)
}

// LoadAssetTable reads the per-asset table from path (yaml, json or toml) on top of
// the built-in defaults. Every field can be overridden with an env var like
// CUSTODYD_ASSETS_USDT_TRC20_NETWORK_FEE.
func LoadAssetTable(path string) (domain.AssetTable, error) {
	v := viper.New()
	v.SetEnvPrefix("CUSTODYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for symbol, d := range defaultAssets {
		v.SetDefault(assetKey(symbol, "network"), d.network)
		v.SetDefault(assetKey(symbol, "decimals"), d.decimals)
		v.SetDefault(assetKey(symbol, "contract"), d.contract)
		v.SetDefault(assetKey(symbol, "min_withdrawal"), d.minWithdrawal)
		v.SetDefault(assetKey(symbol, "network_fee"), d.networkFee)
		v.SetDefault(assetKey(symbol, "confirmations"), d.confirmations)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read assets file %s: %w", path, err)
		}
	}

	table := make(domain.AssetTable)
	for _, symbol := range assetSymbols(v) {
		if v.GetBool(assetKey(symbol, "disabled")) {
			continue
		}
		asset, err := readAsset(v, symbol)
		if err != nil {
			return nil, err
		}
		table[symbol] = *asset
	}
	return table, nil
}

// assetSymbols lists the symbols found in any source, viper keys are lowercase.
func assetSymbols(v *viper.Viper) []string {
	set := make(map[string]struct{})
	for _, key := range v.AllKeys() {
		parts := strings.Split(key, ".")
		if len(parts) == 3 && parts[0] == assetsKey {
			set[strings.ToUpper(parts[1])] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(set))
	for symbol := range set {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func readAsset(v *viper.Viper, symbol string) (*domain.Asset, error) {
	family, err := domain.FamilyForAsset(symbol)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", symbol, err)
	}

	minWithdrawal, err := decimal.NewFromString(v.GetString(assetKey(symbol, "min_withdrawal")))
	if err != nil {
		return nil, fmt.Errorf("asset %s: invalid min_withdrawal: %w", symbol, err)
	}
	networkFee, err := decimal.NewFromString(v.GetString(assetKey(symbol, "network_fee")))
	if err != nil {
		return nil, fmt.Errorf("asset %s: invalid network_fee: %w", symbol, err)
	}

	asset := domain.Asset{
		Symbol:                symbol,
		Family:                family,
		Network:               v.GetString(assetKey(symbol, "network")),
		Decimals:              v.GetInt32(assetKey(symbol, "decimals")),
		Contract:              v.GetString(assetKey(symbol, "contract")),
		MinWithdrawal:         minWithdrawal,
		NetworkFee:            networkFee,
		RequiredConfirmations: v.GetUint32(assetKey(symbol, "confirmations")),
	}
	if asset.Network == "" {
		return nil, fmt.Errorf("asset %s: missing network", symbol)
	}
	if err := asset.Validate(); err != nil {
		return nil, fmt.Errorf("asset %s: %w", symbol, err)
	}
	return &asset, nil
}
