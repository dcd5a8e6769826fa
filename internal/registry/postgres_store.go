package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists registry requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const registryColumns = `id, source_id, wallet_id, state, metadata, policy_id, asset_name,
		       current_tx_hash, error, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	metadata, _ := json.Marshal(r.Metadata)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO registry_requests (`+registryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.SourceID, r.WalletID, string(r.State), metadata,
		nullStr(r.PolicyID), nullStr(r.AssetName), nullStr(r.CurrentTxHash),
		nullStr(r.Error), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+registryColumns+` FROM registry_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByAgentIdentifier(ctx context.Context, sourceID, policyID, assetName string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+registryColumns+` FROM registry_requests
		WHERE source_id = $1 AND policy_id = $2 AND asset_name = $3
		ORDER BY created_at DESC
		LIMIT 1`, sourceID, policyID, assetName)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Request) error {
	metadata, _ := json.Marshal(r.Metadata)
	result, err := p.db.ExecContext(ctx, `
		UPDATE registry_requests SET
			state = $1, metadata = $2, policy_id = $3, asset_name = $4,
			current_tx_hash = $5, error = $6, updated_at = $7
		WHERE id = $8`,
		string(r.State), metadata, nullStr(r.PolicyID), nullStr(r.AssetName),
		nullStr(r.CurrentTxHash), nullStr(r.Error), time.Now(), r.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (p *PostgresStore) ListByState(ctx context.Context, sourceID string, state State, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+registryColumns+` FROM registry_requests
		WHERE source_id = $1 AND state = $2
		ORDER BY created_at
		LIMIT $3`, sourceID, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRequests(rows)
}

func (p *PostgresStore) LockAndQueryRegister(ctx context.Context, sourceID string, now time.Time) ([]*Request, error) {
	return p.lockAndQuery(ctx, sourceID, now, RegistrationRequested)
}

func (p *PostgresStore) LockAndQueryDeregister(ctx context.Context, sourceID string, now time.Time) ([]*Request, error) {
	return p.lockAndQuery(ctx, sourceID, now, DeregistrationRequested)
}

func (p *PostgresStore) lockAndQuery(ctx context.Context, sourceID string, now time.Time, state State) ([]*Request, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	rollback := func(err error) ([]*Request, error) {
		_ = tx.Rollback()
		return nil, err
	}

	// DISTINCT ON caps the claim at one request per wallet: each mint and
	// burn is its own transaction, so a second claim against the same
	// wallet would double-spend its unspent outputs.
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT ON (rr.wallet_id) `+prefixedRegistry()+`
		FROM registry_requests rr
		JOIN hot_wallets w ON w.id = rr.wallet_id
		WHERE rr.source_id = $1 AND rr.state = $2
		  AND w.locked_at IS NULL AND w.pending_tx_id IS NULL
		ORDER BY rr.wallet_id, rr.created_at`, sourceID, string(state))
	if err != nil {
		return rollback(err)
	}
	selected, err := scanRequests(rows)
	_ = rows.Close()
	if err != nil {
		return rollback(err)
	}
	if len(selected) == 0 {
		_ = tx.Rollback()
		return nil, nil
	}

	walletIDs := make([]string, 0, len(selected))
	for _, r := range selected {
		walletIDs = append(walletIDs, r.WalletID)
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE hot_wallets SET locked_at = $2, updated_at = $2
		WHERE id = ANY($1) AND locked_at IS NULL`, pq.Array(walletIDs), now)
	if err != nil {
		return rollback(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return rollback(err)
	}
	if int(affected) != len(walletIDs) {
		return rollback(fmt.Errorf("registry: locked %d of %d wallets, conflicting writer", affected, len(walletIDs)))
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return selected, nil
}

func (p *PostgresStore) ListInitiated(ctx context.Context, sourceID string) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+registryColumns+` FROM registry_requests
		WHERE source_id = $1 AND state IN ('RegistrationInitiated', 'DeregistrationInitiated')
		ORDER BY created_at`, sourceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRequests(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var (
		state     string
		metadata  []byte
		policyID  sql.NullString
		assetName sql.NullString
		txHash    sql.NullString
		errNote   sql.NullString
	)
	err := s.Scan(&r.ID, &r.SourceID, &r.WalletID, &state, &metadata,
		&policyID, &assetName, &txHash, &errNote, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.State = State(state)
	_ = json.Unmarshal(metadata, &r.Metadata)
	r.PolicyID = policyID.String
	r.AssetName = assetName.String
	r.CurrentTxHash = txHash.String
	r.Error = errNote.String
	return r, nil
}

func scanRequests(rows *sql.Rows) ([]*Request, error) {
	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func prefixedRegistry() string {
	return `rr.id, rr.source_id, rr.wallet_id, rr.state, rr.metadata, rr.policy_id,
		rr.asset_name, rr.current_tx_hash, rr.error, rr.created_at, rr.updated_at`
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
