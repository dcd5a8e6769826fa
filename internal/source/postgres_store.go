package source

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists payment sources in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed source store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sourceColumns = `id, network, contract_address, policy_id, fee_permille, cooldown_ms,
		       last_identifier_checked, sync_in_progress, sync_started_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *PaymentSource) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_sources (`+sourceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ID, s.Network, s.ContractAddress, s.PolicyID, s.FeePermille,
		s.CooldownDuration.Milliseconds(), nullStr(s.LastIdentifierChecked),
		s.SyncInProgress, s.SyncStartedAt, s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PaymentSource, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sourceColumns+` FROM payment_sources WHERE id = $1`, id)
	s, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, ErrSourceNotFound
	}
	return s, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*PaymentSource, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sourceColumns+` FROM payment_sources ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentSource
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AcquireSyncLease(ctx context.Context, now, staleAfter time.Time) ([]*PaymentSource, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `
		UPDATE payment_sources
		SET sync_in_progress = true, sync_started_at = $1, updated_at = $1
		WHERE sync_in_progress = false
		   OR sync_started_at < $2
		RETURNING `+sourceColumns, now, staleAfter)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	var claimed []*PaymentSource
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return nil, err
		}
		claimed = append(claimed, s)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		_ = tx.Rollback()
		return nil, err
	}
	_ = rows.Close()
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (p *PostgresStore) ReleaseSyncLease(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_sources
		SET sync_in_progress = false, sync_started_at = NULL, updated_at = $2
		WHERE id = $1 AND sync_in_progress = true`, id, time.Now())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (p *PostgresStore) SetLastIdentifierChecked(ctx context.Context, id, txHash string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_sources
		SET last_identifier_checked = $2, updated_at = $3
		WHERE id = $1`, id, txHash, time.Now())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSourceNotFound
	}
	return nil
}

func (p *PostgresStore) SweepStaleLeases(ctx context.Context, staleAfter time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE payment_sources
		SET sync_in_progress = false, sync_started_at = NULL, updated_at = $2
		WHERE sync_in_progress = true AND sync_started_at < $1
		RETURNING id`, staleAfter, time.Now())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(s scanner) (*PaymentSource, error) {
	src := &PaymentSource{}
	var (
		cursor     sql.NullString
		startedAt  sql.NullTime
		cooldownMS int64
	)
	err := s.Scan(&src.ID, &src.Network, &src.ContractAddress, &src.PolicyID, &src.FeePermille,
		&cooldownMS, &cursor, &src.SyncInProgress, &startedAt, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	src.CooldownDuration = time.Duration(cooldownMS) * time.Millisecond
	src.LastIdentifierChecked = cursor.String
	if startedAt.Valid {
		t := startedAt.Time
		src.SyncStartedAt = &t
	}
	return src, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
