package pgdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
)

const (
	insertEscrowTrade = `INSERT INTO escrow_trade (id, family, asset, amount, escrow_address,
locking_script, required_signatures, trust_level, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	insertEscrowParticipant = `INSERT INTO escrow_participant (trade_id, role, user_id, pubkey)
VALUES ($1, $2, $3, $4)`

	selectEscrowTrade = `SELECT family, asset, amount, escrow_address, locking_script,
required_signatures, trust_level, created_at FROM escrow_trade WHERE id = $1`

	selectEscrowParticipants = `SELECT role, user_id, pubkey FROM escrow_participant
WHERE trade_id = $1`
)

type escrowRepository struct {
	db *sql.DB
}

func NewEscrowRepository(config ...interface{}) (domain.EscrowTradeRepository, error) {
	db, err := sqlDBFromConfig("escrow", config...)
	if err != nil {
		return nil, err
	}
	return &escrowRepository{db}, nil
}

func (r *escrowRepository) Add(ctx context.Context, trade domain.EscrowTrade) error {
	txBody := func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(
			ctx, insertEscrowTrade,
			trade.ID, trade.Family.String(), trade.Asset, trade.Amount, trade.EscrowAddress,
			trade.LockingScript, trade.RequiredSignatures, trade.TrustLevel.String(),
			trade.CreatedAt.UnixMilli(),
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("escrow of trade %s already exists", trade.ID)
			}
			return fmt.Errorf("failed to insert escrow: %w", err)
		}
		for _, p := range trade.Participants {
			if _, err := tx.ExecContext(
				ctx, insertEscrowParticipant, trade.ID, p.Role.String(), p.UserID, p.PubKey,
			); err != nil {
				return fmt.Errorf("failed to insert escrow participant: %w", err)
			}
		}
		return nil
	}
	return execTx(ctx, r.db, txBody)
}

func (r *escrowRepository) Get(ctx context.Context, tradeID string) (*domain.EscrowTrade, error) {
	trade := domain.EscrowTrade{ID: tradeID}
	var family, trustLevel string
	var createdAt int64
	if err := r.db.QueryRowContext(ctx, selectEscrowTrade, tradeID).Scan(
		&family, &trade.Asset, &trade.Amount, &trade.EscrowAddress, &trade.LockingScript,
		&trade.RequiredSignatures, &trustLevel, &createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}

	var err error
	if trade.Family, err = domain.ParseChainFamily(family); err != nil {
		return nil, err
	}
	if trade.TrustLevel, err = domain.ParseTrustLevel(trustLevel); err != nil {
		return nil, err
	}
	trade.CreatedAt = time.UnixMilli(createdAt)

	rows, err := r.db.QueryContext(ctx, selectEscrowParticipants, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow participants: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	for rows.Next() {
		var (
			p    domain.Participant
			role string
		)
		if err := rows.Scan(&role, &p.UserID, &p.PubKey); err != nil {
			return nil, fmt.Errorf("failed to scan escrow participant: %w", err)
		}
		if p.Role, err = domain.ParseRole(role); err != nil {
			return nil, err
		}
		trade.Participants = append(trade.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortParticipants(trade.Participants)
	return &trade, nil
}

func (r *escrowRepository) Close() {
	// nolint:all
	r.db.Close()
}

func sortParticipants(participants []domain.Participant) {
	slices.SortFunc(participants, func(a, b domain.Participant) int {
		return int(a.Role) - int(b.Role)
	})
}
