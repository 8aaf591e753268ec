package main

import (
	"fmt"

	"github.com/arkade-os/custodyd/internal/config"
	"github.com/urfave/cli/v2"
)

const (
	urlFlagName        = "url"
	adminUrlFlagName   = "admin-url"
	tlsCertFlagName    = "tls-cert"
	userFlagName       = "user"
	assetFlagName      = "asset"
	amountFlagName     = "amount"
	stateFlagName      = "state"
	idFlagName         = "id"
	tradeFlagName      = "trade"
	callerFlagName     = "caller-header"
	mnemonicFlagName   = "mnemonic"
	passphraseFlagName = "passphrase"
	hexFlagName        = "hex"
	passwordFlagName   = "password"
	outFlagName        = "out"
)

var (
	urlFlag = &cli.StringFlag{
		Name:  urlFlagName,
		Usage: "the url where to reach the custodyd public api",
		Value: fmt.Sprintf("http://127.0.0.1:%d", config.DefaultPort),
	}
	adminUrlFlag = &cli.StringFlag{
		Name:  adminUrlFlagName,
		Usage: "the url where to reach the custodyd admin api",
		Value: fmt.Sprintf("http://127.0.0.1:%d", config.DefaultAdminPort),
	}
	tlsCertFlag = &cli.StringFlag{
		Name:  tlsCertFlagName,
		Usage: "path to the TLS cert of custodyd, required with https urls",
	}
	userFlag = &cli.StringFlag{
		Name:     userFlagName,
		Usage:    "id of the user",
		Required: true,
	}
	assetFlag = &cli.StringFlag{
		Name:     assetFlagName,
		Usage:    "asset symbol, like BTC or USDT-TRC20",
		Required: true,
	}
	amountFlag = &cli.StringFlag{
		Name:     amountFlagName,
		Usage:    "decimal amount in asset units",
		Required: true,
	}
	stateFlag = &cli.StringFlag{
		Name:  stateFlagName,
		Usage: "withdrawal state to filter by",
		Value: "ambiguous",
	}
	idFlag = &cli.StringFlag{
		Name:     idFlagName,
		Usage:    "id of the withdrawal",
		Required: true,
	}
	tradeFlag = &cli.StringFlag{
		Name:     tradeFlagName,
		Usage:    "id of the trade",
		Required: true,
	}
	callerFlag = &cli.StringFlag{
		Name:  callerFlagName,
		Usage: "header carrying the user id when custodyd binds callers, empty to omit",
		Value: "X-User-Id",
	}
	mnemonicFlag = &cli.StringFlag{
		Name:  mnemonicFlagName,
		Usage: "BIP-39 mnemonic of the master seed",
	}
	passphraseFlag = &cli.StringFlag{
		Name:  passphraseFlagName,
		Usage: "optional BIP-39 passphrase of the mnemonic",
	}
	hexFlag = &cli.StringFlag{
		Name:  hexFlagName,
		Usage: "master seed in hex format",
	}
	passwordFlag = &cli.StringFlag{
		Name:     passwordFlagName,
		Usage:    "password used to encrypt the master seed",
		Required: true,
	}
	outFlag = &cli.StringFlag{
		Name:     outFlagName,
		Usage:    "path of the encrypted seed file to create",
		Required: true,
	}
)
