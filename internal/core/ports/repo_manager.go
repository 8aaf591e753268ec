package ports

import "github.com/arkade-os/custodyd/internal/core/domain"

type RepoManager interface {
	Wallets() domain.WalletRepository
	Withdrawals() domain.WithdrawalRepository
	TxRecords() domain.TransactionRecordRepository
	Escrows() domain.EscrowTradeRepository
	Close()
}
