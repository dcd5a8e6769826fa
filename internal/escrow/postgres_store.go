package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/meridian-labs/escrowd/internal/idgen"
)

// PostgresStore persists payment and purchase requests in PostgreSQL.
//
// The LockAndQuery* methods run one serializable transaction that selects
// eligible requests, locks the backing wallets, and attaches an empty
// pending transaction to each locked wallet. Serializable isolation, not an
// application mutex, is what makes wallet locking safe across multiple
// service instances sharing the store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, source_id, identifier, seller_wallet_id, seller_vkey_hash, seller_address,
		       buyer_vkey_hash, buyer_address, pay_by_time, submit_result_time, unlock_time,
		       external_dispute_unlock_time, seller_cooldown_until, buyer_cooldown_until,
		       on_chain_state, result_hash, input_hash, amounts,
		       next_action, next_action_error, next_action_note, observed_tx_hash,
		       created_at, updated_at`

const purchaseColumns = `id, source_id, identifier, buyer_wallet_id, buyer_vkey_hash, buyer_address,
		       seller_vkey_hash, seller_address, pay_by_time, submit_result_time, unlock_time,
		       external_dispute_unlock_time, seller_cooldown_until, buyer_cooldown_until,
		       on_chain_state, result_hash, input_hash, amounts,
		       next_action, next_action_error, next_action_note, observed_tx_hash,
		       created_at, updated_at`

func (p *PostgresStore) CreatePayment(ctx context.Context, r *PaymentRequest) error {
	amounts, _ := json.Marshal(r.Amounts)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_requests (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		r.ID, r.SourceID, r.Identifier, r.SellerWalletID, r.SellerVKeyHash, r.SellerAddress,
		r.BuyerVKeyHash, r.BuyerAddress, r.PayByTime, r.SubmitResultTime, r.UnlockTime,
		r.ExternalDisputeUnlockTime, r.SellerCooldownUntil, r.BuyerCooldownUntil,
		nullState(r.OnChainState), nullStr(r.ResultHash), nullStr(r.InputHash), amounts,
		string(r.NextAction.Action), nullStr(string(r.NextAction.ErrorKind)), nullStr(r.NextAction.Note),
		nullStr(r.LatestObservedTxHash), r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateRequest
	}
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, sourceID, identifier string) (*PaymentRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_requests
		WHERE source_id = $1 AND identifier = $2`, sourceID, identifier)

	r, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadTransactions(ctx, "payment_request_id", r.ID, &r.CurrentTransaction, &r.TransactionHistory); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, r *PaymentRequest) error {
	amounts, _ := json.Marshal(r.Amounts)
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_requests SET
			on_chain_state = $1, result_hash = $2, input_hash = $3, amounts = $4,
			next_action = $5, next_action_error = $6, next_action_note = $7,
			observed_tx_hash = $8, seller_cooldown_until = $9, buyer_cooldown_until = $10,
			updated_at = $11
		WHERE id = $12`,
		nullState(r.OnChainState), nullStr(r.ResultHash), nullStr(r.InputHash), amounts,
		string(r.NextAction.Action), nullStr(string(r.NextAction.ErrorKind)), nullStr(r.NextAction.Note),
		nullStr(r.LatestObservedTxHash), r.SellerCooldownUntil, r.BuyerCooldownUntil, time.Now(),
		r.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) ListPaymentsByAction(ctx context.Context, sourceID string, action PaymentAction, limit int) ([]*PaymentRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_requests
		WHERE source_id = $1 AND next_action = $2
		ORDER BY created_at
		LIMIT $3`, sourceID, string(action), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (p *PostgresStore) CreatePurchase(ctx context.Context, r *PurchaseRequest) error {
	amounts, _ := json.Marshal(r.Amounts)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchase_requests (`+purchaseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		r.ID, r.SourceID, r.Identifier, r.BuyerWalletID, r.BuyerVKeyHash, r.BuyerAddress,
		r.SellerVKeyHash, r.SellerAddress, r.PayByTime, r.SubmitResultTime, r.UnlockTime,
		r.ExternalDisputeUnlockTime, r.SellerCooldownUntil, r.BuyerCooldownUntil,
		nullState(r.OnChainState), nullStr(r.ResultHash), nullStr(r.InputHash), amounts,
		string(r.NextAction.Action), nullStr(string(r.NextAction.ErrorKind)), nullStr(r.NextAction.Note),
		nullStr(r.LatestObservedTxHash), r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateRequest
	}
	return err
}

func (p *PostgresStore) GetPurchase(ctx context.Context, sourceID, identifier string) (*PurchaseRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchase_requests
		WHERE source_id = $1 AND identifier = $2`, sourceID, identifier)

	r, err := scanPurchase(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadTransactions(ctx, "purchase_request_id", r.ID, &r.CurrentTransaction, &r.TransactionHistory); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) UpdatePurchase(ctx context.Context, r *PurchaseRequest) error {
	amounts, _ := json.Marshal(r.Amounts)
	result, err := p.db.ExecContext(ctx, `
		UPDATE purchase_requests SET
			on_chain_state = $1, result_hash = $2, input_hash = $3, amounts = $4,
			next_action = $5, next_action_error = $6, next_action_note = $7,
			observed_tx_hash = $8, seller_cooldown_until = $9, buyer_cooldown_until = $10,
			updated_at = $11
		WHERE id = $12`,
		nullState(r.OnChainState), nullStr(r.ResultHash), nullStr(r.InputHash), amounts,
		string(r.NextAction.Action), nullStr(string(r.NextAction.ErrorKind)), nullStr(r.NextAction.Note),
		nullStr(r.LatestObservedTxHash), r.SellerCooldownUntil, r.BuyerCooldownUntil, time.Now(),
		r.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) ListPurchasesByAction(ctx context.Context, sourceID string, action PurchaseAction, limit int) ([]*PurchaseRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchase_requests
		WHERE source_id = $1 AND next_action = $2
		ORDER BY created_at
		LIMIT $3`, sourceID, string(action), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPurchases(rows)
}

const openStates = `('FundsLocked', 'ResultSubmitted', 'RefundRequested', 'Disputed')`

func (p *PostgresStore) ListOpenPayments(ctx context.Context, sourceID string) ([]*PaymentRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_requests
		WHERE source_id = $1
		  AND (on_chain_state IS NULL OR on_chain_state IN `+openStates+`)
		ORDER BY created_at`, sourceID)
	if err != nil {
		return nil, err
	}
	selected, err := scanPayments(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	for _, r := range selected {
		if err := p.loadTransactions(ctx, "payment_request_id", r.ID, &r.CurrentTransaction, &r.TransactionHistory); err != nil {
			return nil, err
		}
	}
	return selected, nil
}

func (p *PostgresStore) ListOpenPurchases(ctx context.Context, sourceID string) ([]*PurchaseRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchase_requests
		WHERE source_id = $1
		  AND (on_chain_state IS NULL OR on_chain_state IN `+openStates+`)
		ORDER BY created_at`, sourceID)
	if err != nil {
		return nil, err
	}
	selected, err := scanPurchases(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	for _, r := range selected {
		if err := p.loadTransactions(ctx, "purchase_request_id", r.ID, &r.CurrentTransaction, &r.TransactionHistory); err != nil {
			return nil, err
		}
	}
	return selected, nil
}

// --- lock-and-query ---

func (p *PostgresStore) LockAndQuerySubmitResult(ctx context.Context, sourceID string, now time.Time) ([]*PaymentRequest, error) {
	return p.lockAndQueryPayments(ctx, sourceID, now, `
		pr.next_action = 'SubmitResultRequested'
		AND pr.pay_by_time < $2 AND pr.submit_result_time > $2
		AND pr.seller_cooldown_until < $2`)
}

func (p *PostgresStore) LockAndQueryCollect(ctx context.Context, sourceID string, now time.Time) ([]*PaymentRequest, error) {
	return p.lockAndQueryPayments(ctx, sourceID, now, `
		(pr.next_action = 'WithdrawRequested'
		 OR (pr.next_action = 'WaitingForExternalAction'
		     AND pr.on_chain_state = 'ResultSubmitted'
		     AND pr.unlock_time < $2))
		AND pr.seller_cooldown_until < $2`)
}

func (p *PostgresStore) LockAndQueryAuthorizeRefund(ctx context.Context, sourceID string, now time.Time) ([]*PaymentRequest, error) {
	return p.lockAndQueryPayments(ctx, sourceID, now, `
		pr.next_action = 'AuthorizeRefundRequested'
		AND pr.seller_cooldown_until < $2`)
}

func (p *PostgresStore) LockAndQueryBatchPay(ctx context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error) {
	return p.lockAndQueryPurchases(ctx, sourceID, now, true, `
		pr.next_action = 'FundsLockingRequested'
		AND pr.pay_by_time > $2`)
}

func (p *PostgresStore) LockAndQueryRequestRefund(ctx context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error) {
	return p.lockAndQueryPurchases(ctx, sourceID, now, false, `
		pr.next_action = 'RequestRefundRequested'
		AND pr.buyer_cooldown_until < $2
		AND pr.external_dispute_unlock_time > $2`)
}

func (p *PostgresStore) LockAndQueryCancelRefund(ctx context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error) {
	return p.lockAndQueryPurchases(ctx, sourceID, now, false, `
		pr.next_action = 'CancelRefundRequested'
		AND pr.buyer_cooldown_until < $2`)
}

func (p *PostgresStore) LockAndQueryCollectRefund(ctx context.Context, sourceID string, now time.Time) ([]*PurchaseRequest, error) {
	return p.lockAndQueryPurchases(ctx, sourceID, now, false, `
		((pr.next_action = 'CollectRefundRequested')
		 OR (pr.next_action = 'WaitingForExternalAction'
		     AND ((pr.on_chain_state = 'RefundRequested' AND pr.submit_result_time < $2)
		          OR (pr.on_chain_state = 'Disputed' AND pr.external_dispute_unlock_time < $2))))
		AND pr.buyer_cooldown_until < $2`)
}

func (p *PostgresStore) lockAndQueryPayments(ctx context.Context, sourceID string, now time.Time, where string) ([]*PaymentRequest, error) {
	var result []*PaymentRequest
	err := p.inSerializableTx(ctx, func(tx *sql.Tx) error {
		// DISTINCT ON caps the claim at one request per seller wallet:
		// each payment pipeline submits one transaction per request, so
		// a second claim against the same wallet would double-spend its
		// unspent outputs.
		rows, err := tx.QueryContext(ctx, `
			SELECT DISTINCT ON (pr.seller_wallet_id) `+prefixed(paymentColumns, "pr.")+`
			FROM payment_requests pr
			JOIN hot_wallets w ON w.id = pr.seller_wallet_id
			WHERE pr.source_id = $1
			  AND w.locked_at IS NULL AND w.pending_tx_id IS NULL
			  AND `+where+`
			ORDER BY pr.seller_wallet_id, pr.created_at`, sourceID, now)
		if err != nil {
			return err
		}
		selected, err := scanPayments(rows)
		_ = rows.Close()
		if err != nil {
			return err
		}
		if len(selected) == 0 {
			return nil
		}

		walletIDs := make([]string, 0, len(selected))
		for _, r := range selected {
			walletIDs = append(walletIDs, r.SellerWalletID)
		}
		if err := lockWallets(ctx, tx, walletIDs, now); err != nil {
			return err
		}
		for _, r := range selected {
			txRow, err := attachPendingTransaction(ctx, tx, "payment_request_id", r.ID, r.SellerWalletID, now)
			if err != nil {
				return err
			}
			r.CurrentTransaction = txRow
		}
		result = selected
		return nil
	})
	return result, err
}

// lockAndQueryPurchases claims eligible purchases inside one serializable
// transaction. Batch-pay may take every request sharing a free wallet, since
// it settles them in a single transaction; every other pipeline gets at most
// one request per wallet per pass.
func (p *PostgresStore) lockAndQueryPurchases(ctx context.Context, sourceID string, now time.Time, batch bool, where string) ([]*PurchaseRequest, error) {
	selectClause := `SELECT DISTINCT ON (pr.buyer_wallet_id) ` + prefixed(purchaseColumns, "pr.")
	orderClause := `ORDER BY pr.buyer_wallet_id, pr.created_at`
	if batch {
		selectClause = `SELECT ` + prefixed(purchaseColumns, "pr.")
		orderClause = `ORDER BY pr.created_at`
	}
	var result []*PurchaseRequest
	err := p.inSerializableTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, selectClause+`
			FROM purchase_requests pr
			JOIN hot_wallets w ON w.id = pr.buyer_wallet_id
			WHERE pr.source_id = $1
			  AND w.locked_at IS NULL AND w.pending_tx_id IS NULL
			  AND `+where+`
			`+orderClause, sourceID, now)
		if err != nil {
			return err
		}
		selected, err := scanPurchases(rows)
		_ = rows.Close()
		if err != nil {
			return err
		}
		if len(selected) == 0 {
			return nil
		}

		walletIDs := make([]string, 0, len(selected))
		seen := make(map[string]bool)
		for _, r := range selected {
			if !seen[r.BuyerWalletID] {
				seen[r.BuyerWalletID] = true
				walletIDs = append(walletIDs, r.BuyerWalletID)
			}
		}
		if err := lockWallets(ctx, tx, walletIDs, now); err != nil {
			return err
		}
		for _, r := range selected {
			txRow, err := attachPendingTransaction(ctx, tx, "purchase_request_id", r.ID, r.BuyerWalletID, now)
			if err != nil {
				return err
			}
			r.CurrentTransaction = txRow
		}
		result = selected
		return nil
	})
	return result, err
}

func (p *PostgresStore) ExpireUnfunded(ctx context.Context, sourceID string, now time.Time) (int, error) {
	var expired int
	err := p.inSerializableTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE purchase_requests
			SET next_action = 'Expired', next_action_error = NULL,
			    next_action_note = 'pay-by time passed without observed funds', updated_at = $2
			WHERE source_id = $1
			  AND next_action IN ('FundsLockingRequested', 'FundsLockingInitiated')
			  AND on_chain_state IS NULL
			  AND pay_by_time < $2
			RETURNING buyer_wallet_id`, sourceID, now)
		if err != nil {
			return err
		}
		var walletIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			walletIDs = append(walletIDs, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		expired = len(walletIDs)
		if len(walletIDs) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE hot_wallets
			SET locked_at = NULL, pending_tx_id = NULL, updated_at = $2
			WHERE id = ANY($1)`, pq.Array(walletIDs), now)
		return err
	})
	return expired, err
}

// --- transactions ---

// CreateTransaction records a new pending transaction for a request.
func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction, paymentRequestID, purchaseRequestID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, hash, status, last_checked_at, wallet_id,
			payment_request_id, purchase_request_id, superseded, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,false,$8)`,
		t.ID, t.Hash, string(t.Status), t.LastCheckedAt, t.WalletID,
		nullStr(paymentRequestID), nullStr(purchaseRequestID), t.CreatedAt)
	return err
}

// SetTransactionHash fills in the hash once the transaction is submitted.
func (p *PostgresStore) SetTransactionHash(ctx context.Context, txID, hash string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET hash = $2, last_checked_at = $3 WHERE id = $1`, txID, hash, at)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ConfirmTransaction marks a transaction confirmed.
func (p *PostgresStore) ConfirmTransaction(ctx context.Context, txID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'confirmed', last_checked_at = $2 WHERE id = $1`, txID, at)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SupersedeTransaction moves a request's current transaction into history.
func (p *PostgresStore) SupersedeTransaction(ctx context.Context, txID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET superseded = true WHERE id = $1`, txID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) loadTransactions(ctx context.Context, fkColumn, requestID string, current **Transaction, history *[]Transaction) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, status, last_checked_at, wallet_id, superseded, created_at
		FROM transactions
		WHERE `+fkColumn+` = $1
		ORDER BY created_at`, requestID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var t Transaction
		var status string
		var superseded bool
		if err := rows.Scan(&t.ID, &t.Hash, &status, &t.LastCheckedAt, &t.WalletID, &superseded, &t.CreatedAt); err != nil {
			return err
		}
		t.Status = TxStatus(status)
		if superseded {
			*history = append(*history, t)
		} else {
			cp := t
			*current = &cp
		}
	}
	return rows.Err()
}

// --- helpers ---

func (p *PostgresStore) inSerializableTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func lockWallets(ctx context.Context, tx *sql.Tx, walletIDs []string, now time.Time) error {
	// Batch queries claim several requests sharing one wallet, so the
	// id list may carry duplicates.
	seen := make(map[string]bool, len(walletIDs))
	unique := walletIDs[:0]
	for _, id := range walletIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE hot_wallets SET locked_at = $2, updated_at = $2
		WHERE id = ANY($1) AND locked_at IS NULL`, pq.Array(unique), now)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if int(rows) != len(unique) {
		return fmt.Errorf("escrow: locked %d of %d wallets, conflicting writer", rows, len(unique))
	}
	return nil
}

func attachPendingTransaction(ctx context.Context, tx *sql.Tx, fkColumn, requestID, walletID string, now time.Time) (*Transaction, error) {
	t := &Transaction{
		ID:            idgen.WithPrefix("tx_"),
		Hash:          "",
		Status:        TxPending,
		LastCheckedAt: now,
		WalletID:      walletID,
		CreatedAt:     now,
	}
	// The previous current transaction, if any, rotates into history.
	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET superseded = true
		WHERE `+fkColumn+` = $1 AND superseded = false`, requestID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, hash, status, last_checked_at, wallet_id, `+fkColumn+`, superseded, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,false,$7)`,
		t.ID, t.Hash, string(t.Status), t.LastCheckedAt, t.WalletID, requestID, t.CreatedAt); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE hot_wallets SET pending_tx_id = $2 WHERE id = $1`, walletID, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func scanPayment(s scanner) (*PaymentRequest, error) {
	r := &PaymentRequest{}
	var (
		state    sql.NullString
		result   sql.NullString
		input    sql.NullString
		amounts  []byte
		errKind  sql.NullString
		note     sql.NullString
		action   string
		observed sql.NullString
	)
	err := s.Scan(
		&r.ID, &r.SourceID, &r.Identifier, &r.SellerWalletID, &r.SellerVKeyHash, &r.SellerAddress,
		&r.BuyerVKeyHash, &r.BuyerAddress, &r.PayByTime, &r.SubmitResultTime, &r.UnlockTime,
		&r.ExternalDisputeUnlockTime, &r.SellerCooldownUntil, &r.BuyerCooldownUntil,
		&state, &result, &input, &amounts,
		&action, &errKind, &note, &observed, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if state.Valid {
		st := OnChainState(state.String)
		r.OnChainState = &st
	}
	r.ResultHash = result.String
	r.InputHash = input.String
	_ = json.Unmarshal(amounts, &r.Amounts)
	r.NextAction = NextAction[PaymentAction]{
		Action:    PaymentAction(action),
		ErrorKind: ErrorKind(errKind.String),
		Note:      note.String,
	}
	r.LatestObservedTxHash = observed.String
	return r, nil
}

func scanPurchase(s scanner) (*PurchaseRequest, error) {
	r := &PurchaseRequest{}
	var (
		state    sql.NullString
		result   sql.NullString
		input    sql.NullString
		amounts  []byte
		errKind  sql.NullString
		note     sql.NullString
		action   string
		observed sql.NullString
	)
	err := s.Scan(
		&r.ID, &r.SourceID, &r.Identifier, &r.BuyerWalletID, &r.BuyerVKeyHash, &r.BuyerAddress,
		&r.SellerVKeyHash, &r.SellerAddress, &r.PayByTime, &r.SubmitResultTime, &r.UnlockTime,
		&r.ExternalDisputeUnlockTime, &r.SellerCooldownUntil, &r.BuyerCooldownUntil,
		&state, &result, &input, &amounts,
		&action, &errKind, &note, &observed, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if state.Valid {
		st := OnChainState(state.String)
		r.OnChainState = &st
	}
	r.ResultHash = result.String
	r.InputHash = input.String
	_ = json.Unmarshal(amounts, &r.Amounts)
	r.NextAction = NextAction[PurchaseAction]{
		Action:    PurchaseAction(action),
		ErrorKind: ErrorKind(errKind.String),
		Note:      note.String,
	}
	r.LatestObservedTxHash = observed.String
	return r, nil
}

func scanPayments(rows *sql.Rows) ([]*PaymentRequest, error) {
	var result []*PaymentRequest
	for rows.Next() {
		r, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanPurchases(rows *sql.Rows) ([]*PurchaseRequest, error) {
	var result []*PurchaseRequest
	for rows.Next() {
		r, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullState(s *OnChainState) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

// Compile-time assertions that PostgresStore implements both stores.
var (
	_ PaymentStore     = (*PostgresStore)(nil)
	_ PurchaseStore    = (*PostgresStore)(nil)
	_ TransactionStore = (*PostgresStore)(nil)
)
