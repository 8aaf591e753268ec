package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arkade-os/custodyd/internal/config"
	httpservice "github.com/arkade-os/custodyd/internal/interface/http"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Version will be set during build time
var Version string

const timeout = 30 * time.Second

func mainAction(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	svcConfig := httpservice.Config{
		Port:              cfg.Port,
		AdminPort:         cfg.AdminPort,
		NoTLS:             cfg.NoTLS,
		TLSCertFile:       cfg.TLSCertFile,
		TLSKeyFile:        cfg.TLSKeyFile,
		EnablePprof:       cfg.EnablePprof,
		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) * time.Second,
		CallerHeader:      cfg.CallerHeader,
	}

	svc, err := httpservice.NewService(Version, svcConfig, cfg)
	if err != nil {
		return err
	}

	log.Infof("custodyd config: %s", cfg)

	log.RegisterExitHandler(svc.Stop)

	log.Info("starting service...")
	if err := svc.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, os.Interrupt)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)

	return nil
}

func main() {
	app := cli.NewApp()
	app.Version = Version
	app.Name = "custodyd"
	app.Usage = "run or manage the custodial escrow and withdrawal service"
	app.UsageText = "custodyd [global options] command [command options]"
	app.Commands = append(
		app.Commands,
		encryptSeedCmd,
		balanceCmd,
		creditCmd,
		withdrawalsCmd,
		reconcileCmd,
		reconcileReleaseCmd,
	)
	app.Action = mainAction
	app.Flags = append(app.Flags, config.Flags...)

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
