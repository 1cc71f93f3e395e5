package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// GetOrCreateWallet resolves the wallet for a (user, organization) scope,
// creating it with a zero balance on first use.
func (s *Store) GetOrCreateWallet(ctx context.Context, userID, organizationID string) (TokenWallet, error) {
	w, err := s.getWallet(ctx, userID, organizationID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return TokenWallet{}, err
	}

	now := time.Now().UTC()
	q := s.sql.Insert("token_wallets").
		Columns("wallet_id", "user_id", "organization_id", "balance", "currency", "created_at", "updated_at").
		Values(uuid.NewString(), userID, organizationID, 0, "AI_TOKEN", now, now).
		Suffix("ON CONFLICT(user_id, organization_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return TokenWallet{}, fmt.Errorf("build create wallet query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return TokenWallet{}, fmt.Errorf("create wallet: %w", err)
	}
	return s.getWallet(ctx, userID, organizationID)
}

func (s *Store) getWallet(ctx context.Context, userID, organizationID string) (TokenWallet, error) {
	q := s.sql.Select("wallet_id", "user_id", "organization_id", "balance", "currency", "created_at", "updated_at").
		From("token_wallets").
		Where(sq.Eq{"user_id": userID, "organization_id": organizationID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return TokenWallet{}, fmt.Errorf("build get wallet query: %w", err)
	}
	var w TokenWallet
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&w.WalletID,
		&w.UserID,
		&w.OrganizationID,
		&w.Balance,
		&w.Currency,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenWallet{}, ErrNotFound
		}
		return TokenWallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (s *Store) GetWalletByID(ctx context.Context, walletID string) (TokenWallet, error) {
	q := s.sql.Select("wallet_id", "user_id", "organization_id", "balance", "currency", "created_at", "updated_at").
		From("token_wallets").
		Where(sq.Eq{"wallet_id": walletID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return TokenWallet{}, fmt.Errorf("build wallet by id query: %w", err)
	}
	var w TokenWallet
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&w.WalletID,
		&w.UserID,
		&w.OrganizationID,
		&w.Balance,
		&w.Currency,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenWallet{}, ErrNotFound
		}
		return TokenWallet{}, fmt.Errorf("get wallet by id: %w", err)
	}
	return w, nil
}

// CreditWallet adds tokens to a wallet and records the ledger entry in the
// same transaction.
func (s *Store) CreditWallet(ctx context.Context, walletID string, amount int64, txnType, relatedEntityID, notes string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if txnType == "" {
		txnType = TxnTypeCreditAdjust
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin credit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.sql.Update("token_wallets").
		Set("balance", sq.Expr("balance + ?", amount)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"wallet_id": walletID}).
		Suffix("RETURNING balance")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build credit query: %w", err)
	}
	var balanceAfter int64
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&balanceAfter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("credit wallet: %w", err)
	}

	if err := s.insertWalletTxn(ctx, tx, WalletTransaction{
		WalletID:        walletID,
		TxnType:         txnType,
		Amount:          amount,
		BalanceAfterTxn: balanceAfter,
		RelatedEntityID: relatedEntityID,
		Notes:           notes,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit tx: %w", err)
	}
	return balanceAfter, nil
}

// DebitParams describes an atomic check-and-subtract against one wallet.
type DebitParams struct {
	WalletID        string
	Amount          int64
	RelatedEntityID string
	Notes           string
}

// debitWalletTx performs the conditional balance subtraction inside an open
// transaction. The WHERE balance >= amount guard makes the check and the
// subtraction a single statement, so concurrent spenders cannot interleave
// between them and the balance can never go negative.
func (s *Store) debitWalletTx(ctx context.Context, tx *sql.Tx, d DebitParams) (int64, error) {
	q := s.sql.Update("token_wallets").
		Set("balance", sq.Expr("balance - ?", d.Amount)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"wallet_id": d.WalletID}).
		Where(sq.GtOrEq{"balance": d.Amount}).
		Suffix("RETURNING balance")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build debit query: %w", err)
	}

	var balanceAfter int64
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&balanceAfter); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("debit wallet: %w", err)
		}
		// Distinguish a missing wallet from one that cannot afford the debit.
		exists, checkErr := s.walletExistsTx(ctx, tx, d.WalletID)
		if checkErr != nil {
			return 0, checkErr
		}
		if !exists {
			return 0, ErrNotFound
		}
		return 0, ErrInsufficientFunds
	}

	if err := s.insertWalletTxn(ctx, tx, WalletTransaction{
		WalletID:        d.WalletID,
		TxnType:         TxnTypeDebitUsage,
		Amount:          d.Amount,
		BalanceAfterTxn: balanceAfter,
		RelatedEntityID: d.RelatedEntityID,
		Notes:           d.Notes,
	}); err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

func (s *Store) walletExistsTx(ctx context.Context, tx *sql.Tx, walletID string) (bool, error) {
	q := s.sql.Select("1").From("token_wallets").Where(sq.Eq{"wallet_id": walletID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build wallet exists query: %w", err)
	}
	var one int
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check wallet exists: %w", err)
	}
	return true, nil
}

func (s *Store) insertWalletTxn(ctx context.Context, tx *sql.Tx, t WalletTransaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("token_wallet_transactions").
		Columns("id", "wallet_id", "txn_type", "amount", "balance_after_txn", "related_entity_id", "notes", "created_at").
		Values(t.ID, t.WalletID, t.TxnType, t.Amount, t.BalanceAfterTxn, t.RelatedEntityID, t.Notes, t.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build wallet txn query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert wallet txn: %w", err)
	}
	return nil
}

// ListWalletTransactions returns the ledger entries for a wallet, newest first.
func (s *Store) ListWalletTransactions(ctx context.Context, walletID string, limit uint64) ([]WalletTransaction, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select("id", "wallet_id", "txn_type", "amount", "balance_after_txn", "related_entity_id", "notes", "created_at").
		From("token_wallet_transactions").
		Where(sq.Eq{"wallet_id": walletID}).
		OrderBy("created_at DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build wallet txn list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list wallet txns: %w", err)
	}
	defer rows.Close()

	out := make([]WalletTransaction, 0)
	for rows.Next() {
		var t WalletTransaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.TxnType, &t.Amount, &t.BalanceAfterTxn, &t.RelatedEntityID, &t.Notes, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet txn row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallet txn rows: %w", err)
	}
	return out, nil
}
