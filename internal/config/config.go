package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arkade-os/custodyd/internal/core/application"
	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	alertsmanager "github.com/arkade-os/custodyd/internal/infrastructure/alertsmanager"
	btcchain "github.com/arkade-os/custodyd/internal/infrastructure/chain/btc"
	evmchain "github.com/arkade-os/custodyd/internal/infrastructure/chain/evm"
	solchain "github.com/arkade-os/custodyd/internal/infrastructure/chain/sol"
	trxchain "github.com/arkade-os/custodyd/internal/infrastructure/chain/trx"
	"github.com/arkade-os/custodyd/internal/infrastructure/db"
	pgdb "github.com/arkade-os/custodyd/internal/infrastructure/db/postgres"
	watermilldb "github.com/arkade-os/custodyd/internal/infrastructure/db/watermill"
	inmemorylivestore "github.com/arkade-os/custodyd/internal/infrastructure/live-store/inmemory"
	redislivestore "github.com/arkade-os/custodyd/internal/infrastructure/live-store/redis"
	blockscheduler "github.com/arkade-os/custodyd/internal/infrastructure/scheduler/block"
	timescheduler "github.com/arkade-os/custodyd/internal/infrastructure/scheduler/gocron"
	seedloader "github.com/arkade-os/custodyd/internal/infrastructure/seed"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	supportedDbs = supportedType{
		"badger":   {},
		"sqlite":   {},
		"postgres": {},
	}
	supportedSchedulers = supportedType{
		"gocron": {},
		"block":  {},
	}
	supportedLiveStores = supportedType{
		"inmemory": {},
		"redis":    {},
	}
	supportedBtcNetworks = map[string]*chaincfg.Params{
		"mainnet": &chaincfg.MainNetParams,
		"testnet": &chaincfg.TestNet3Params,
		"signet":  &chaincfg.SigNetParams,
		"regtest": &chaincfg.RegressionNetParams,
	}
)

type Config struct {
	Datadir           string
	Port              uint32
	AdminPort         uint32
	NoTLS             bool
	TLSCertFile       string
	TLSKeyFile        string
	EnablePprof       bool
	LogLevel          int
	HeartbeatInterval int64
	CallerHeader      string

	DbType              string
	DbDir               string
	DbUrl               string
	DbAutoCreate        bool
	LiveStoreType       string
	RedisUrl            string
	RedisTxNumOfRetries int
	SchedulerType       string
	SchedulerTick       int64

	BtcNetwork   string
	EsploraURL   string
	EthRpcURL    string
	EthChainID   int64
	BscRpcURL    string
	BscChainID   int64
	SolRpcURL    string
	TronURL      string
	TronAPIKey   string
	TronFeeLimit int64
	AssetsFile   string

	SeedMnemonic   string
	SeedPassphrase string
	SeedHex        string
	SeedFile       string
	SeedPassword   string

	AdapterTimeout   int64
	BroadcastTimeout int64
	ReconcileAfter   int64
	ReconcileGrace   int64
	ConfirmationWait int64

	AlertManagerURL       string
	OtelCollectorEndpoint string
	OtelPushInterval      int64

	repo      ports.RepoManager
	svc       application.Service
	keys      *application.KeyDerivationService
	releases  ports.ReleaseStore
	scheduler ports.SchedulerService
	alerts    ports.Alerts
	events    ports.EventBus
	adapters  application.ChainAdapters
	btcEscrow ports.MultisigEscrow
	assets    domain.AssetTable
}

func (c *Config) String() string {
	clone := *c
	for _, secret := range []*string{
		&clone.SeedMnemonic, &clone.SeedPassphrase, &clone.SeedHex, &clone.SeedPassword,
		&clone.TronAPIKey,
	} {
		if *secret != "" {
			*secret = "••••••"
		}
	}
	json, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	defaultDatadir             = btcutil.AppDataDir("custodyd", false)
	DefaultPort                = 7080
	DefaultAdminPort           = 7081
	defaultDbType              = "postgres"
	defaultLiveStoreType       = "redis"
	defaultRedisTxNumOfRetries = 10
	defaultSchedulerType       = "gocron"
	defaultSchedulerTick       = 30 // seconds
	defaultBtcNetwork          = "mainnet"
	defaultEsploraURL          = "https://blockstream.info/api"
	defaultTronURL             = "https://api.trongrid.io"
	defaultTronFeeLimit        = 30_000_000 // sun
	defaultLogLevel            = 4
	defaultNoTLS               = true
	defaultEnablePprof         = false
	defaultCallerHeader        = "X-User-Id"
	defaultHeartbeatInterval   = 15  // seconds
	defaultAdapterTimeout      = 30  // seconds
	defaultBroadcastTimeout    = 60  // seconds
	defaultReconcileAfter      = 600 // seconds, or blocks with the block scheduler
	defaultReconcileGrace      = 3600
	defaultOtelPushInterval    = 10 // seconds
	defaultConfirmationWait    = 10 // seconds
)

// env returns a list of strings prefixed with `CUSTODYD_`.
// This is used as a syntax sugar for defining env vars.
func env(values ...string) []string {
	envs := make([]string, len(values))

	for i, value := range values {
		envs[i] = fmt.Sprintf("CUSTODYD_%s", value)
	}

	return envs
}

var (
	Datadir = &cli.StringFlag{
		Usage: "Directory to store data",
		Name:  "datadir", EnvVars: env("DATADIR"),
		Value: defaultDatadir,
	}
	Port = &cli.UintFlag{
		Usage: "Port (public) to listen on",
		Name:  "port", EnvVars: env("PORT"),
		Value: uint(DefaultPort),
	}
	AdminPort = &cli.UintFlag{
		Usage: "Admin port to listen on, 0 serves admin routes on the public port",
		Name:  "admin-port", EnvVars: env("ADMIN_PORT"),
		Value: uint(DefaultAdminPort),
	}
	NoTLS = &cli.BoolFlag{
		Usage: "Disable TLS",
		Name:  "no-tls", EnvVars: env("NO_TLS"),
		Value: defaultNoTLS,
	}
	TLSCertFile = &cli.StringFlag{
		Usage: "Path to the TLS certificate",
		Name:  "tls-cert", EnvVars: env("TLS_CERT"),
	}
	TLSKeyFile = &cli.StringFlag{
		Usage: "Path to the TLS key",
		Name:  "tls-key", EnvVars: env("TLS_KEY"),
	}
	EnablePprof = &cli.BoolFlag{
		Usage: "Enable pprof endpoints on the admin port",
		Name:  "enable-pprof", EnvVars: env("ENABLE_PPROF"),
		Value: defaultEnablePprof,
	}
	LogLevel = &cli.IntFlag{
		Usage: "Logging level (0-6, where 6 is trace)",
		Name:  "log-level", EnvVars: env("LOG_LEVEL"),
		Value: defaultLogLevel,
	}
	HeartbeatInterval = &cli.Int64Flag{
		Usage: "Interval in seconds between heartbeats sent on event streams",
		Name:  "heartbeat-interval", EnvVars: env("HEARTBEAT_INTERVAL"),
		Value: int64(defaultHeartbeatInterval),
	}
	DbType = &cli.StringFlag{
		Usage: "Database type (postgres, sqlite, badger)",
		Name:  "db-type", EnvVars: env("DB_TYPE"),
		Value: defaultDbType,
	}
	DbUrl = &cli.StringFlag{
		Usage: "Postgres connection url if db type is postgres",
		Name:  "db-url", EnvVars: env("DB_URL"),
	}
	DbAutoCreate = &cli.BoolFlag{
		Usage: "Create the postgres database if it does not exist",
		Name:  "db-autocreate", EnvVars: env("DB_AUTOCREATE"),
	}
	LiveStoreType = &cli.StringFlag{
		Usage: "Release artifacts store type (redis, inmemory)",
		Name:  "live-store-type", EnvVars: env("LIVE_STORE_TYPE"),
		Value: defaultLiveStoreType,
	}
	RedisUrl = &cli.StringFlag{
		Usage: "Redis db connection url if live store type is redis",
		Name:  "redis-url", EnvVars: env("REDIS_URL"),
	}
	RedisTxNumOfRetries = &cli.IntFlag{
		Usage: "Maximum number of retries for Redis write operations in case of conflicts",
		Name:  "redis-num-of-retries", EnvVars: env("REDIS_NUM_OF_RETRIES"),
		Value: defaultRedisTxNumOfRetries,
	}
	SchedulerType = &cli.StringFlag{
		Usage: "Scheduler type (gocron, block)",
		Name:  "scheduler-type", EnvVars: env("SCHEDULER_TYPE"),
		Value: defaultSchedulerType,
	}
	SchedulerTick = &cli.Int64Flag{
		Usage: "Interval in seconds between two confirmation tracker runs",
		Name:  "scheduler-tick", EnvVars: env("SCHEDULER_TICK"),
		Value: int64(defaultSchedulerTick),
	}
	BtcNetwork = &cli.StringFlag{
		Usage: "Bitcoin network (mainnet, testnet, signet, regtest)",
		Name:  "btc-network", EnvVars: env("BTC_NETWORK"),
		Value: defaultBtcNetwork,
	}
	EsploraURL = &cli.StringFlag{
		Usage: "Esplora API URL, leave empty to disable bitcoin",
		Name:  "esplora-url", EnvVars: env("ESPLORA_URL"),
		Value: defaultEsploraURL,
	}
	EthRpcURL = &cli.StringFlag{
		Usage: "Ethereum JSON-RPC URL, leave empty to disable ethereum",
		Name:  "eth-rpc-url", EnvVars: env("ETH_RPC_URL"),
	}
	EthChainID = &cli.Int64Flag{
		Usage: "Ethereum chain id, fetched from the node if unset",
		Name:  "eth-chain-id", EnvVars: env("ETH_CHAIN_ID"),
	}
	BscRpcURL = &cli.StringFlag{
		Usage: "BNB Smart Chain JSON-RPC URL, leave empty to disable bsc",
		Name:  "bsc-rpc-url", EnvVars: env("BSC_RPC_URL"),
	}
	BscChainID = &cli.Int64Flag{
		Usage: "BNB Smart Chain chain id, fetched from the node if unset",
		Name:  "bsc-chain-id", EnvVars: env("BSC_CHAIN_ID"),
	}
	SolRpcURL = &cli.StringFlag{
		Usage: "Solana JSON-RPC URL, leave empty to disable solana",
		Name:  "sol-rpc-url", EnvVars: env("SOL_RPC_URL"),
	}
	TronURL = &cli.StringFlag{
		Usage: "Tron full node HTTP API URL, leave empty to disable tron",
		Name:  "tron-url", EnvVars: env("TRON_URL"),
		Value: defaultTronURL,
	}
	TronAPIKey = &cli.StringFlag{
		Usage: "TronGrid API key",
		Name:  "tron-api-key", EnvVars: env("TRON_API_KEY"),
	}
	TronFeeLimit = &cli.Int64Flag{
		Usage: "Max fee in sun a TRC-20 transfer may burn",
		Name:  "tron-fee-limit", EnvVars: env("TRON_FEE_LIMIT"),
		Value: int64(defaultTronFeeLimit),
	}
	AssetsFile = &cli.StringFlag{
		Usage: "Path to the asset table file (yaml, json or toml)",
		Name:  "assets-file", EnvVars: env("ASSETS_FILE"),
	}
	SeedMnemonic = &cli.StringFlag{
		Usage: "BIP-39 mnemonic of the master seed",
		Name:  "seed-mnemonic", EnvVars: env("SEED_MNEMONIC"),
	}
	SeedPassphrase = &cli.StringFlag{
		Usage: "Optional BIP-39 passphrase of the mnemonic",
		Name:  "seed-passphrase", EnvVars: env("SEED_PASSPHRASE"),
	}
	SeedHex = &cli.StringFlag{
		Usage: "Master seed in hex format",
		Name:  "seed-hex", EnvVars: env("SEED_HEX"),
	}
	SeedFile = &cli.StringFlag{
		Usage: "Path to the encrypted master seed file",
		Name:  "seed-file", EnvVars: env("SEED_FILE"),
	}
	SeedPassword = &cli.StringFlag{
		Usage: "Password of the encrypted master seed file",
		Name:  "seed-password", EnvVars: env("SEED_PASSWORD"),
	}
	AdapterTimeout = &cli.Int64Flag{
		Usage: "Timeout in seconds of every chain call but submission",
		Name:  "adapter-timeout", EnvVars: env("ADAPTER_TIMEOUT"),
		Value: int64(defaultAdapterTimeout),
	}
	BroadcastTimeout = &cli.Int64Flag{
		Usage: "Timeout in seconds of tx submission, after which the outcome is ambiguous",
		Name:  "broadcast-timeout", EnvVars: env("BROADCAST_TIMEOUT"),
		Value: int64(defaultBroadcastTimeout),
	}
	ReconcileAfter = &cli.Int64Flag{
		Usage: "Delay before an ambiguous withdrawal is looked up again, in seconds " +
			"(blocks with the block scheduler)",
		Name:    "reconcile-after",
		EnvVars: env("RECONCILE_AFTER"),
		Value:   int64(defaultReconcileAfter),
	}
	ReconcileGrace = &cli.Int64Flag{
		Usage: "Seconds an ambiguous tx may stay unknown to the chain before the " +
			"withdrawal is rolled back",
		Name:    "reconcile-grace",
		EnvVars: env("RECONCILE_GRACE"),
		Value:   int64(defaultReconcileGrace),
	}
	ConfirmationWait = &cli.Int64Flag{
		Usage:   "Seconds a submission waits for its tx to appear on chain, 0 disables it",
		Name:    "confirmation-wait",
		EnvVars: env("CONFIRMATION_WAIT"),
		Value:   int64(defaultConfirmationWait),
	}
	CallerHeader = &cli.StringFlag{
		Usage: "Header carrying the user id authenticated by the gateway in front of the " +
			"public routes, empty disables caller binding",
		Name:    "caller-header",
		EnvVars: env("CALLER_HEADER"),
		Value:   defaultCallerHeader,
	}
	AlertManagerURL = &cli.StringFlag{
		Usage: "Alertmanager URL to send reconciliation alerts to",
		Name:  "alertmanager-url", EnvVars: env("ALERTMANAGER_URL"),
	}
	OtelCollectorEndpoint = &cli.StringFlag{
		Usage: "OpenTelemetry collector endpoint",
		Name:  "collector-endpoint", EnvVars: env("COLLECTOR_ENDPOINT"),
	}
	OtelPushInterval = &cli.Int64Flag{
		Usage: "OpenTelemetry push interval in seconds",
		Name:  "otel-push-interval", EnvVars: env("OTEL_PUSH_INTERVAL"),
		Value: int64(defaultOtelPushInterval),
	}
)

var Flags = []cli.Flag{
	Datadir,
	Port,
	AdminPort,
	NoTLS,
	TLSCertFile,
	TLSKeyFile,
	EnablePprof,
	LogLevel,
	HeartbeatInterval,
	DbType,
	DbUrl,
	DbAutoCreate,
	LiveStoreType,
	RedisUrl,
	RedisTxNumOfRetries,
	SchedulerType,
	SchedulerTick,
	BtcNetwork,
	EsploraURL,
	EthRpcURL,
	EthChainID,
	BscRpcURL,
	BscChainID,
	SolRpcURL,
	TronURL,
	TronAPIKey,
	TronFeeLimit,
	AssetsFile,
	SeedMnemonic,
	SeedPassphrase,
	SeedHex,
	SeedFile,
	SeedPassword,
	AdapterTimeout,
	BroadcastTimeout,
	ReconcileAfter,
	ReconcileGrace,
	ConfirmationWait,
	CallerHeader,
	AlertManagerURL,
	OtelCollectorEndpoint,
	OtelPushInterval,
}

func LoadConfig(c *cli.Context) (*Config, error) {
	if err := initDatadir(c); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %s", err)
	}

	dbPath := filepath.Join(c.String(Datadir.Name), "db")

	var dbUrl string
	if c.String(DbType.Name) == "postgres" {
		dbUrl = c.String(DbUrl.Name)
		if dbUrl == "" {
			return nil, fmt.Errorf("db type set to 'postgres' but db url is missing")
		}
	}

	var redisUrl string
	if c.String(LiveStoreType.Name) == "redis" {
		redisUrl = c.String(RedisUrl.Name)
		if redisUrl == "" {
			return nil, fmt.Errorf("live store type set to 'redis' but redis url is missing")
		}
	}

	return &Config{
		Datadir:             c.String(Datadir.Name),
		Port:                uint32(c.Uint(Port.Name)),
		AdminPort:           uint32(c.Uint(AdminPort.Name)),
		NoTLS:               c.Bool(NoTLS.Name),
		TLSCertFile:         c.String(TLSCertFile.Name),
		TLSKeyFile:          c.String(TLSKeyFile.Name),
		EnablePprof:         c.Bool(EnablePprof.Name),
		LogLevel:            c.Int(LogLevel.Name),
		HeartbeatInterval:   c.Int64(HeartbeatInterval.Name),
		CallerHeader:        c.String(CallerHeader.Name),
		DbType:              c.String(DbType.Name),
		DbDir:               dbPath,
		DbUrl:               dbUrl,
		DbAutoCreate:        c.Bool(DbAutoCreate.Name),
		LiveStoreType:       c.String(LiveStoreType.Name),
		RedisUrl:            redisUrl,
		RedisTxNumOfRetries: c.Int(RedisTxNumOfRetries.Name),
		SchedulerType:       c.String(SchedulerType.Name),
		SchedulerTick:       c.Int64(SchedulerTick.Name),
		BtcNetwork:          c.String(BtcNetwork.Name),
		EsploraURL:          c.String(EsploraURL.Name),
		EthRpcURL:           c.String(EthRpcURL.Name),
		EthChainID:          c.Int64(EthChainID.Name),
		BscRpcURL:           c.String(BscRpcURL.Name),
		BscChainID:          c.Int64(BscChainID.Name),
		SolRpcURL:           c.String(SolRpcURL.Name),
		TronURL:             c.String(TronURL.Name),
		TronAPIKey:          c.String(TronAPIKey.Name),
		TronFeeLimit:        c.Int64(TronFeeLimit.Name),
		AssetsFile:          c.String(AssetsFile.Name),
		SeedMnemonic:        c.String(SeedMnemonic.Name),
		SeedPassphrase:      c.String(SeedPassphrase.Name),
		SeedHex:             c.String(SeedHex.Name),
		SeedFile:            c.String(SeedFile.Name),
		SeedPassword:        c.String(SeedPassword.Name),
		AdapterTimeout:      c.Int64(AdapterTimeout.Name),
		BroadcastTimeout:    c.Int64(BroadcastTimeout.Name),
		ReconcileAfter:      c.Int64(ReconcileAfter.Name),
		ReconcileGrace:      c.Int64(ReconcileGrace.Name),
		ConfirmationWait:    c.Int64(ConfirmationWait.Name),

		AlertManagerURL:       c.String(AlertManagerURL.Name),
		OtelCollectorEndpoint: c.String(OtelCollectorEndpoint.Name),
		OtelPushInterval:      c.Int64(OtelPushInterval.Name),
	}, nil
}

func initDatadir(c *cli.Context) error {
	datadir := c.String(Datadir.Name)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0o755)
	}
	return nil
}

func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedSchedulers.supports(c.SchedulerType) {
		return fmt.Errorf(
			"scheduler type not supported, please select one of: %s",
			supportedSchedulers,
		)
	}
	if !supportedLiveStores.supports(c.LiveStoreType) {
		return fmt.Errorf(
			"live store type not supported, please select one of: %s",
			supportedLiveStores,
		)
	}
	if c.BroadcastTimeout <= 0 || c.AdapterTimeout <= 0 {
		return fmt.Errorf("adapter and broadcast timeouts must be positive")
	}
	if err := c.keyService(); err != nil {
		return err
	}
	if err := c.chainAdapters(); err != nil {
		return err
	}
	if err := c.assetTable(); err != nil {
		return err
	}
	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.liveStoreService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	if err := c.alertsService(); err != nil {
		return err
	}
	if err := c.eventBus(); err != nil {
		return err
	}
	return nil
}

func (c *Config) AppService() (application.Service, error) {
	if c.svc == nil {
		if err := c.appService(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

func (c *Config) Assets() domain.AssetTable {
	return c.assets
}

func (c *Config) keyService() error {
	if c.keys != nil {
		return nil
	}

	seed, err := seedloader.Load(seedloader.Source{
		Mnemonic:   c.SeedMnemonic,
		Passphrase: c.SeedPassphrase,
		Hex:        c.SeedHex,
		File:       c.SeedFile,
		Password:   c.SeedPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to load master seed: %w", err)
	}
	keys, err := application.NewKeyDerivationService(seed)
	clear(seed)
	if err != nil {
		return err
	}

	c.keys = keys
	return nil
}

func (c *Config) chainAdapters() error {
	adapters := make([]ports.ChainAdapter, 0, 5)
	pollInterval := time.Duration(c.SchedulerTick) * time.Second

	if c.EsploraURL != "" {
		params, ok := supportedBtcNetworks[c.BtcNetwork]
		if !ok {
			return fmt.Errorf("unknown bitcoin network %s", c.BtcNetwork)
		}
		adapter, escrow, err := btcchain.NewAdapter(
			networkBitcoin, params, c.EsploraURL, btcchain.WithPollInterval(pollInterval),
		)
		if err != nil {
			return err
		}
		adapters = append(adapters, adapter)
		c.btcEscrow = escrow
	}

	for _, evm := range []struct {
		network string
		url     string
		chainID int64
	}{
		{networkEthereum, c.EthRpcURL, c.EthChainID},
		{networkBsc, c.BscRpcURL, c.BscChainID},
	} {
		if evm.url == "" {
			continue
		}
		opts := []evmchain.Option{evmchain.WithPollInterval(pollInterval)}
		if evm.chainID > 0 {
			opts = append(opts, evmchain.WithChainID(evm.chainID))
		}
		adapter, err := evmchain.NewAdapter(evm.network, evm.url, opts...)
		if err != nil {
			return err
		}
		adapters = append(adapters, adapter)
	}

	if c.SolRpcURL != "" {
		adapter, err := solchain.NewAdapter(networkSolana, c.SolRpcURL)
		if err != nil {
			return err
		}
		adapters = append(adapters, adapter)
	}

	if c.TronURL != "" {
		opts := []trxchain.Option{trxchain.WithPollInterval(pollInterval)}
		if c.TronAPIKey != "" {
			opts = append(opts, trxchain.WithAPIKey(c.TronAPIKey))
		}
		if c.TronFeeLimit > 0 {
			opts = append(opts, trxchain.WithFeeLimit(c.TronFeeLimit))
		}
		adapter, err := trxchain.NewAdapter(networkTron, c.TronURL, opts...)
		if err != nil {
			return err
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return fmt.Errorf("no chain configured")
	}
	c.adapters = application.NewChainAdapters(adapters...)
	return nil
}

// assetTable keeps the assets whose network has an adapter, the others are
// dropped with a warning.
func (c *Config) assetTable() error {
	table, err := LoadAssetTable(c.AssetsFile)
	if err != nil {
		return err
	}

	assets := make(domain.AssetTable, len(table))
	for symbol, asset := range table {
		if _, err := c.adapters.ForAsset(asset); err != nil {
			log.Warnf("asset %s disabled, no adapter for network %s", symbol, asset.Network)
			continue
		}
		assets[symbol] = asset
	}
	if len(assets) == 0 {
		return fmt.Errorf("no asset is supported by the configured chains")
	}

	c.assets = assets
	return nil
}

func (c *Config) repoManager() error {
	var dataStoreConfig []interface{}
	logger := log.New()

	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, logger}
	case "sqlite":
		dataStoreConfig = []interface{}{c.DbDir}
	case "postgres":
		dataStoreConfig = []interface{}{c.DbUrl, c.DbAutoCreate}
	default:
		return fmt.Errorf("unknown db type")
	}

	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   c.DbType,
		DataStoreConfig: dataStoreConfig,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) liveStoreService() error {
	var releaseStore ports.ReleaseStore
	var err error
	switch c.LiveStoreType {
	case "inmemory":
		releaseStore = inmemorylivestore.NewReleaseStore()
	case "redis":
		redisOpts, err := redis.ParseURL(c.RedisUrl)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		releaseStore = redislivestore.NewReleaseStore(rdb, c.RedisTxNumOfRetries)
	default:
		err = fmt.Errorf("unknown liveStore type")
	}

	if err != nil {
		return err
	}

	c.releases = releaseStore
	return nil
}

func (c *Config) schedulerService() error {
	var svc ports.SchedulerService
	var err error
	tick := time.Duration(c.SchedulerTick) * time.Second
	switch c.SchedulerType {
	case "gocron":
		svc = timescheduler.NewScheduler(timescheduler.WithTickInterval(tick))
	case "block":
		if c.EsploraURL == "" {
			return fmt.Errorf("block scheduler requires an esplora url")
		}
		svc, err = blockscheduler.NewScheduler(
			c.EsploraURL, blockscheduler.WithTickerInterval(tick),
		)
	default:
		err = fmt.Errorf("unknown scheduler type")
	}
	if err != nil {
		return err
	}

	c.scheduler = svc
	return nil
}

func (c *Config) alertsService() error {
	if c.AlertManagerURL == "" {
		return nil
	}

	c.alerts = alertsmanager.NewService(c.AlertManagerURL)
	return nil
}

// eventBus journals events to postgres when that is the data store.
func (c *Config) eventBus() error {
	if c.DbType != "postgres" {
		c.events = watermilldb.NewEventBus()
		return nil
	}

	db, err := pgdb.OpenDb(c.DbUrl, false)
	if err != nil {
		return err
	}
	journal, err := watermilldb.NewPostgresJournal(db)
	if err != nil {
		return err
	}
	c.events = watermilldb.NewEventBus(watermilldb.WithJournal(journal))
	return nil
}

func (c *Config) appService() error {
	svc, err := application.NewService(
		c.keys, c.repo, c.releases, c.adapters, c.btcEscrow,
		c.scheduler, c.alerts, c.events,
		application.Config{
			Assets:           c.assets,
			AdapterTimeout:   time.Duration(c.AdapterTimeout) * time.Second,
			BroadcastTimeout: time.Duration(c.BroadcastTimeout) * time.Second,
			ReconcileAfter:   c.ReconcileAfter,
			ReconcileGrace:   time.Duration(c.ReconcileGrace) * time.Second,
			ConfirmationWait: time.Duration(c.ConfirmationWait) * time.Second,
		},
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
