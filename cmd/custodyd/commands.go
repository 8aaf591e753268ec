package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	seedloader "github.com/arkade-os/custodyd/internal/infrastructure/seed"
	"github.com/urfave/cli/v2"
)

var (
	encryptSeedCmd = &cli.Command{
		Name:   "encrypt-seed",
		Usage:  "Encrypt the master seed into a file loadable with --seed-file",
		Flags:  []cli.Flag{mnemonicFlag, passphraseFlag, hexFlag, passwordFlag, outFlag},
		Action: encryptSeedAction,
	}
	balanceCmd = &cli.Command{
		Name:   "balance",
		Usage:  "Get the balance of a user for an asset",
		Flags:  []cli.Flag{urlFlag, tlsCertFlag, userFlag, assetFlag, callerFlag},
		Action: balanceAction,
	}
	creditCmd = &cli.Command{
		Name:   "credit",
		Usage:  "Credit the available balance of a user",
		Flags:  []cli.Flag{adminUrlFlag, tlsCertFlag, userFlag, assetFlag, amountFlag},
		Action: creditAction,
	}
	withdrawalsCmd = &cli.Command{
		Name:   "withdrawals",
		Usage:  "List withdrawals by state, ambiguous ones by default",
		Flags:  []cli.Flag{adminUrlFlag, tlsCertFlag, stateFlag},
		Action: withdrawalsAction,
	}
	reconcileCmd = &cli.Command{
		Name:   "reconcile",
		Usage:  "Look up the chain outcome of an ambiguous withdrawal",
		Flags:  []cli.Flag{adminUrlFlag, tlsCertFlag, idFlag},
		Action: reconcileAction,
	}
	reconcileReleaseCmd = &cli.Command{
		Name:   "reconcile-release",
		Usage:  "Look up the chain outcome of a release whose broadcast was ambiguous",
		Flags:  []cli.Flag{adminUrlFlag, tlsCertFlag, tradeFlag},
		Action: reconcileReleaseAction,
	}
)

func encryptSeedAction(ctx *cli.Context) error {
	mnemonic := ctx.String(mnemonicFlagName)
	seedHex := ctx.String(hexFlagName)
	if (mnemonic == "") == (seedHex == "") {
		return fmt.Errorf("either --%s or --%s must be set", mnemonicFlagName, hexFlagName)
	}

	var seed []byte
	var err error
	if mnemonic != "" {
		seed, err = seedloader.FromMnemonic(mnemonic, ctx.String(passphraseFlagName))
	} else {
		seed, err = seedloader.FromHex(seedHex)
	}
	if err != nil {
		return err
	}
	defer clear(seed)

	encrypted, err := seedloader.Encrypt(seed, ctx.String(passwordFlagName))
	if err != nil {
		return err
	}

	out := ctx.String(outFlagName)
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("file %s already exists", out)
	}
	if err := os.WriteFile(out, []byte(hex.EncodeToString(encrypted)), 0o600); err != nil {
		return err
	}

	fmt.Printf("encrypted seed written to %s\n", out)
	return nil
}

func balanceAction(ctx *cli.Context) error {
	tlsConfig, err := getTLSConfigFromFlags(ctx)
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(
		ctx.String(urlFlagName), "v1", "balances",
		url.PathEscape(ctx.String(userFlagName)), url.PathEscape(ctx.String(assetFlagName)),
	)
	if err != nil {
		return err
	}

	user := ctx.String(userFlagName)
	result, err := getAs[balance](endpoint, "", ctx.String(callerFlagName), user, tlsConfig)
	if err != nil {
		return err
	}

	fmt.Println(result)
	return nil
}

func creditAction(ctx *cli.Context) error {
	tlsConfig, err := getTLSConfigFromFlags(ctx)
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(ctx.String(adminUrlFlagName), "v1", "admin", "balances", "credit")
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{
		"userId": ctx.String(userFlagName),
		"asset":  ctx.String(assetFlagName),
		"amount": ctx.String(amountFlagName),
	})
	if err != nil {
		return err
	}

	result, err := post[balance](endpoint, string(body), "", tlsConfig)
	if err != nil {
		return err
	}

	fmt.Println(result)
	return nil
}

func withdrawalsAction(ctx *cli.Context) error {
	tlsConfig, err := getTLSConfigFromFlags(ctx)
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(ctx.String(adminUrlFlagName), "v1", "admin", "withdrawals")
	if err != nil {
		return err
	}
	endpoint = fmt.Sprintf("%s?state=%s", endpoint, url.QueryEscape(ctx.String(stateFlagName)))

	withdrawals, err := get[[]withdrawal](endpoint, "withdrawals", tlsConfig)
	if err != nil {
		return err
	}

	return printJSON(withdrawals)
}

func reconcileAction(ctx *cli.Context) error {
	tlsConfig, err := getTLSConfigFromFlags(ctx)
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(
		ctx.String(adminUrlFlagName), "v1", "admin", "withdrawals",
		url.PathEscape(ctx.String(idFlagName)), "reconcile",
	)
	if err != nil {
		return err
	}

	result, err := post[withdrawal](endpoint, "", "", tlsConfig)
	if err != nil {
		return err
	}

	return printJSON(result)
}

func reconcileReleaseAction(ctx *cli.Context) error {
	tlsConfig, err := getTLSConfigFromFlags(ctx)
	if err != nil {
		return err
	}

	endpoint, err := url.JoinPath(
		ctx.String(adminUrlFlagName), "v1", "admin", "releases",
		url.PathEscape(ctx.String(tradeFlagName)), "reconcile",
	)
	if err != nil {
		return err
	}

	result, err := post[release](endpoint, "", "", tlsConfig)
	if err != nil {
		return err
	}

	return printJSON(result)
}

func printJSON(v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}
