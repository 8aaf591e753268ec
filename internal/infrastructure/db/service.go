package db

import (
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	badgerdb "github.com/arkade-os/custodyd/internal/infrastructure/db/badger"
	pgdb "github.com/arkade-os/custodyd/internal/infrastructure/db/postgres"
	sqlitedb "github.com/arkade-os/custodyd/internal/infrastructure/db/sqlite"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed sqlite/migration/*
var migrations embed.FS

//go:embed postgres/migration/*
var pgMigration embed.FS

var (
	walletStoreTypes = map[string]func(...interface{}) (domain.WalletRepository, error){
		"badger":   badgerdb.NewWalletRepository,
		"sqlite":   sqlitedb.NewWalletRepository,
		"postgres": pgdb.NewWalletRepository,
	}
	withdrawalStoreTypes = map[string]func(...interface{}) (domain.WithdrawalRepository, error){
		"badger":   badgerdb.NewWithdrawalRepository,
		"sqlite":   sqlitedb.NewWithdrawalRepository,
		"postgres": pgdb.NewWithdrawalRepository,
	}
	txRecordStoreTypes = map[string]func(...interface{}) (domain.TransactionRecordRepository, error){
		"badger":   badgerdb.NewTransactionRecordRepository,
		"sqlite":   sqlitedb.NewTransactionRecordRepository,
		"postgres": pgdb.NewTransactionRecordRepository,
	}
	escrowStoreTypes = map[string]func(...interface{}) (domain.EscrowTradeRepository, error){
		"badger":   badgerdb.NewEscrowRepository,
		"sqlite":   sqlitedb.NewEscrowRepository,
		"postgres": pgdb.NewEscrowRepository,
	}
)

const (
	sqliteDbFile = "sqlite.db"
)

// ServiceConfig selects the data store.
// badger: DataStoreConfig is (baseDir string, logger badger.Logger), empty baseDir for in-memory.
// sqlite: DataStoreConfig is (baseDir string).
// postgres: DataStoreConfig is (dsn string, autoCreate bool).
type ServiceConfig struct {
	DataStoreType   string
	DataStoreConfig []interface{}
}

type service struct {
	walletStore     domain.WalletRepository
	withdrawalStore domain.WithdrawalRepository
	txRecordStore   domain.TransactionRecordRepository
	escrowStore     domain.EscrowTradeRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	walletStoreFactory, ok := walletStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	withdrawalStoreFactory := withdrawalStoreTypes[config.DataStoreType]
	txRecordStoreFactory := txRecordStoreTypes[config.DataStoreType]
	escrowStoreFactory := escrowStoreTypes[config.DataStoreType]

	var storeConfig []interface{}
	switch config.DataStoreType {
	case "badger":
		storeConfig = config.DataStoreConfig
	case "postgres":
		if len(config.DataStoreConfig) != 2 {
			return nil, fmt.Errorf("invalid data store config for postgres")
		}

		dsn, ok := config.DataStoreConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid DSN for postgres")
		}

		autoCreate, ok := config.DataStoreConfig[1].(bool)
		if !ok {
			return nil, fmt.Errorf("invalid autocreate flag for postgres")
		}

		db, err := pgdb.OpenDb(dsn, autoCreate)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres db: %s", err)
		}

		pgDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres migration driver: %s", err)
		}

		source, err := iofs.New(pgMigration, "postgres/migration")
		if err != nil {
			return nil, fmt.Errorf("failed to embed postgres migrations: %s", err)
		}

		m, err := migrate.NewWithInstance("iofs", source, "postgres", pgDriver)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres migration instance: %s", err)
		}

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("failed to run postgres migrations: %s", err)
		}

		storeConfig = []interface{}{db}
	case "sqlite":
		if len(config.DataStoreConfig) != 1 {
			return nil, fmt.Errorf("invalid data store config")
		}

		baseDir, ok := config.DataStoreConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}

		dbFile := filepath.Join(baseDir, sqliteDbFile)
		db, err := sqlitedb.OpenDb(dbFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open db: %s", err)
		}

		driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to init driver: %s", err)
		}

		source, err := iofs.New(migrations, "sqlite/migration")
		if err != nil {
			return nil, fmt.Errorf("failed to embed migrations: %s", err)
		}

		m, err := migrate.NewWithInstance("iofs", source, "custodydb", driver)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration instance: %s", err)
		}

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("failed to run migrations: %s", err)
		}

		storeConfig = []interface{}{db}
	}

	walletStore, err := walletStoreFactory(storeConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet store: %s", err)
	}
	withdrawalStore, err := withdrawalStoreFactory(storeConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to open withdrawal store: %s", err)
	}
	txRecordStore, err := txRecordStoreFactory(storeConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to open tx record store: %s", err)
	}
	escrowStore, err := escrowStoreFactory(storeConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to open escrow store: %s", err)
	}

	log.Debugf("opened %s data store", config.DataStoreType)

	return &service{
		walletStore:     walletStore,
		withdrawalStore: withdrawalStore,
		txRecordStore:   txRecordStore,
		escrowStore:     escrowStore,
	}, nil
}

func (s *service) Wallets() domain.WalletRepository {
	return s.walletStore
}

func (s *service) Withdrawals() domain.WithdrawalRepository {
	return s.withdrawalStore
}

func (s *service) TxRecords() domain.TransactionRecordRepository {
	return s.txRecordStore
}

func (s *service) Escrows() domain.EscrowTradeRepository {
	return s.escrowStore
}

// Close closes every store. SQL stores share the same db, closing it more than once is
// harmless.
func (s *service) Close() {
	s.walletStore.Close()
	s.withdrawalStore.Close()
	s.txRecordStore.Close()
	s.escrowStore.Close()
}
