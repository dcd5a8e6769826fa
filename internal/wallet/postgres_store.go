package wallet

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists hot wallets in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, source_id, role, encrypted_mnemonic, vkey_hash, address,
		       collection_address, locked_at, pending_tx_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, w *HotWallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO hot_wallets (
			id, source_id, role, encrypted_mnemonic, vkey_hash, address,
			collection_address, locked_at, pending_tx_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.SourceID, string(w.Role), w.EncryptedMnemonic, w.VKeyHash, w.Address,
		nullString(w.CollectionAddress), nullTime(w.LockedAt), nullStringPtr(w.PendingTransactionID),
		w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*HotWallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM hot_wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (p *PostgresStore) ListBySource(ctx context.Context, sourceID string, role Role) ([]*HotWallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+walletColumns+`
		FROM hot_wallets
		WHERE source_id = $1 AND role = $2
		ORDER BY created_at`, sourceID, string(role))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanWallets(rows)
}

func (p *PostgresStore) Unlock(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE hot_wallets
		SET locked_at = NULL, pending_tx_id = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) AttachPendingTransaction(ctx context.Context, id, txID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE hot_wallets
		SET pending_tx_id = $2, updated_at = NOW()
		WHERE id = $1`, id, txID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) SweepExpiredLocks(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE hot_wallets
		SET locked_at = NULL, pending_tx_id = NULL, updated_at = NOW()
		WHERE locked_at IS NOT NULL AND locked_at < $1
		RETURNING id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var swept []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		swept = append(swept, id)
	}
	return swept, rows.Err()
}

func (p *PostgresStore) CountLocked(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hot_wallets WHERE locked_at IS NOT NULL`).Scan(&count)
	return count, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(s scanner) (*HotWallet, error) {
	w := &HotWallet{}
	var (
		role              string
		collectionAddress sql.NullString
		lockedAt          sql.NullTime
		pendingTxID       sql.NullString
	)

	err := s.Scan(
		&w.ID, &w.SourceID, &role, &w.EncryptedMnemonic, &w.VKeyHash, &w.Address,
		&collectionAddress, &lockedAt, &pendingTxID, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Role = Role(role)
	w.CollectionAddress = collectionAddress.String
	if lockedAt.Valid {
		w.LockedAt = &lockedAt.Time
	}
	if pendingTxID.Valid {
		w.PendingTransactionID = &pendingTxID.String
	}
	return w, nil
}

func scanWallets(rows *sql.Rows) ([]*HotWallet, error) {
	var result []*HotWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
