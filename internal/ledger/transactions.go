package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ledgerkit/internal/money"
)

// NewSplit is one requested leg of a transaction. The account is referenced
// either by id or by name to resolve within the target ledger.
type NewSplit struct {
	Amount      string
	AccountID   string
	AccountName string
}

// NewTransaction is the input to CreateTransaction.
type NewTransaction struct {
	LedgerID    string
	Date        time.Time
	Description string
	Necessary   bool
	Tags        []string
	Splits      []NewSplit
}

// TxFilter narrows ListTransactions. All fields are independently optional;
// the date range is inclusive on both ends, and the account filter matches a
// transaction when any split references that account.
type TxFilter struct {
	DateFrom  *time.Time
	DateTo    *time.Time
	AccountID string
	Tag       string
}

// CommitHook observes a transaction immediately after a successful commit or
// delete. Hooks run synchronously, in registration order, outside the
// database transaction; implementations live outside the core.
type CommitHook func(ctx context.Context, tx *Transaction)

// OnTransactionCreated registers a hook invoked after each successful
// CreateTransaction commit.
func (s *Store) OnTransactionCreated(h CommitHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.createHooks = append(s.createHooks, h)
}

// OnTransactionDeleted registers a hook invoked after each successful
// DeleteTransaction commit, passed the transaction as it was persisted.
func (s *Store) OnTransactionDeleted(h CommitHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.deleteHooks = append(s.deleteHooks, h)
}

func (s *Store) fireHooks(ctx context.Context, hooks []CommitHook, tx *Transaction) {
	for _, h := range hooks {
		h(ctx, tx)
	}
}

// CreateTransaction validates and persists a balanced transaction. Amount
// parsing, the zero-sum check on the quantized total, account resolution and
// tag attachment all succeed or the whole write is rolled back. The returned
// transaction carries its splits and tags as persisted.
func (s *Store) CreateTransaction(ctx context.Context, in NewTransaction) (*Transaction, error) {
	if len(in.Splits) == 0 {
		return nil, validationf("transaction must have at least one split")
	}
	if len(in.Splits) < 2 {
		return nil, validationf("transaction needs at least two splits")
	}

	amounts := make([]decimal.Decimal, len(in.Splits))
	for i, sp := range in.Splits {
		d, err := money.Parse(sp.Amount)
		if err != nil {
			return nil, validationf("invalid amount %q in split %d", sp.Amount, i+1)
		}
		amounts[i] = d
	}
	if total := money.Sum(amounts...); !total.IsZero() {
		return nil, validationf("transaction not balanced: splits sum to %s", money.Format(total))
	}

	out := &Transaction{
		ID:          uuid.New().String(),
		LedgerID:    in.LedgerID,
		Date:        in.Date,
		Description: in.Description,
		Necessary:   in.Necessary,
		CreatedAt:   time.Now().UTC(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ledgerExists(ctx, tx, in.LedgerID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO transactions (id, ledger_id, tx_date, description, necessary, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			out.ID, out.LedgerID, out.Date.Format(dateLayout), out.Description,
			out.Necessary, out.CreatedAt.Format(timeLayout))
		if err != nil {
			return storeErr("insert transaction", err)
		}

		for i, sp := range in.Splits {
			account, err := s.resolveSplitAccount(ctx, tx, in.LedgerID, sp)
			if err != nil {
				return err
			}
			if !account.Active {
				return validationf("account %s is inactive", account.Name)
			}
			// Amounts persist at full precision. The balance invariant holds
			// on the quantized sum; rounding each leg for storage could break
			// it on re-read.
			split := Split{
				ID:            uuid.New().String(),
				TransactionID: out.ID,
				AccountID:     account.ID,
				Amount:        amounts[i],
			}
			_, err = tx.ExecContext(ctx, s.rebind(
				`INSERT INTO splits (id, transaction_id, account_id, amount, position)
				 VALUES (?, ?, ?, ?, ?)`),
				split.ID, split.TransactionID, split.AccountID, split.Amount.String(), i)
			if err != nil {
				return storeErr("insert split", err)
			}
			out.Splits = append(out.Splits, split)
		}

		for _, name := range dedupeTags(in.Tags) {
			tagID, err := s.ensureTag(ctx, tx, name)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, s.rebind(
				`INSERT INTO transaction_tags (transaction_id, tag_id) VALUES (?, ?)`),
				out.ID, tagID)
			if err != nil {
				return storeErr("attach tag", err)
			}
			out.Tags = append(out.Tags, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("transaction", out.ID).Int("splits", len(out.Splits)).Msg("transaction created")
	s.hookMu.RLock()
	hooks := s.createHooks
	s.hookMu.RUnlock()
	s.fireHooks(ctx, hooks, out)
	return out, nil
}

func (s *Store) ledgerExists(ctx context.Context, tx *sql.Tx, ledgerID string) error {
	var one int
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM ledgers WHERE id = ?`), ledgerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Kind: "ledger", Ref: ledgerID}
	}
	if err != nil {
		return storeErr("check ledger", err)
	}
	return nil
}

func (s *Store) resolveSplitAccount(ctx context.Context, tx *sql.Tx, ledgerID string, sp NewSplit) (*Account, error) {
	switch {
	case sp.AccountID != "":
		row := tx.QueryRowContext(ctx, s.rebind(
			`SELECT id, ledger_id, name, account_type, parent_id, is_active, created_at
			 FROM accounts WHERE id = ? AND ledger_id = ?`), sp.AccountID, ledgerID)
		return scanAccount(row, sp.AccountID)
	case sp.AccountName != "":
		row := tx.QueryRowContext(ctx, s.rebind(
			`SELECT id, ledger_id, name, account_type, parent_id, is_active, created_at
			 FROM accounts WHERE ledger_id = ? AND name = ?`), ledgerID, sp.AccountName)
		return scanAccount(row, sp.AccountName)
	}
	return nil, validationf("each split requires an account id or account name")
}

// ensureTag gets or creates a tag by name inside the current transaction,
// using an upsert so two concurrent creators cannot both fail.
func (s *Store) ensureTag(ctx context.Context, tx *sql.Tx, name string) (string, error) {
	_, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO tags (id, name) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`),
		uuid.New().String(), name)
	if err != nil {
		return "", storeErr("upsert tag", err)
	}
	var id string
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM tags WHERE name = ?`), name).Scan(&id); err != nil {
		return "", storeErr("select tag", err)
	}
	return id, nil
}

func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// GetTransaction returns a transaction by id with splits and tags populated.
func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, ledger_id, tx_date, description, necessary, created_at
		 FROM transactions WHERE id = ?`), id)
	out, err := scanTransaction(row, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadSplits(ctx, out); err != nil {
		return nil, err
	}
	if err := s.loadTags(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTransactions returns a ledger's transactions, newest first (date
// descending, creation order breaking ties). No filter returns everything.
func (s *Store) ListTransactions(ctx context.Context, ledgerID string, filter TxFilter) ([]*Transaction, error) {
	query := `SELECT DISTINCT t.id, t.ledger_id, t.tx_date, t.description, t.necessary, t.created_at
		FROM transactions t`
	args := []interface{}{}

	if filter.AccountID != "" {
		query += ` JOIN splits sp ON sp.transaction_id = t.id`
	}
	if filter.Tag != "" {
		query += ` JOIN transaction_tags tt ON tt.transaction_id = t.id
			JOIN tags g ON g.id = tt.tag_id`
	}
	query += ` WHERE t.ledger_id = ?`
	args = append(args, ledgerID)

	if filter.DateFrom != nil {
		query += ` AND t.tx_date >= ?`
		args = append(args, filter.DateFrom.Format(dateLayout))
	}
	if filter.DateTo != nil {
		query += ` AND t.tx_date <= ?`
		args = append(args, filter.DateTo.Format(dateLayout))
	}
	if filter.AccountID != "" {
		query += ` AND sp.account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.Tag != "" {
		query += ` AND g.name = ?`
		args = append(args, filter.Tag)
	}
	query += ` ORDER BY t.tx_date DESC, t.created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list transactions", err)
	}

	for _, tx := range out {
		if err := s.loadSplits(ctx, tx); err != nil {
			return nil, err
		}
		if err := s.loadTags(ctx, tx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteTransaction removes a transaction, cascading to its splits and tag
// associations only. Accounts and tag definitions are untouched.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	deleted, err := s.GetTransaction(ctx, id)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM transaction_tags WHERE transaction_id = ?`), id); err != nil {
			return storeErr("delete tag associations", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM splits WHERE transaction_id = ?`), id); err != nil {
			return storeErr("delete splits", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM transactions WHERE id = ?`), id); err != nil {
			return storeErr("delete transaction", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.hookMu.RLock()
	hooks := s.deleteHooks
	s.hookMu.RUnlock()
	s.fireHooks(ctx, hooks, deleted)
	return nil
}

func (s *Store) loadSplits(ctx context.Context, tx *Transaction) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, transaction_id, account_id, amount FROM splits
		 WHERE transaction_id = ? ORDER BY position`), tx.ID)
	if err != nil {
		return storeErr("load splits", err)
	}
	defer rows.Close()

	tx.Splits = nil
	for rows.Next() {
		var sp Split
		var amount string
		if err := rows.Scan(&sp.ID, &sp.TransactionID, &sp.AccountID, &amount); err != nil {
			return storeErr("scan split", err)
		}
		sp.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return storeErr("decode split amount", err)
		}
		tx.Splits = append(tx.Splits, sp)
	}
	return rows.Err()
}

func (s *Store) loadTags(ctx context.Context, tx *Transaction) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT g.name FROM tags g
		 JOIN transaction_tags tt ON tt.tag_id = g.id
		 WHERE tt.transaction_id = ? ORDER BY g.name`), tx.ID)
	if err != nil {
		return storeErr("load tags", err)
	}
	defer rows.Close()

	tx.Tags = nil
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return storeErr("scan tag", err)
		}
		tx.Tags = append(tx.Tags, name)
	}
	return rows.Err()
}

func scanTransaction(row rowScanner, ref string) (*Transaction, error) {
	var tx Transaction
	var txDate, createdAt string
	err := row.Scan(&tx.ID, &tx.LedgerID, &txDate, &tx.Description, &tx.Necessary, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Kind: "transaction", Ref: ref}
		}
		return nil, storeErr("scan transaction", err)
	}
	tx.Date, _ = time.Parse(dateLayout, txDate)
	tx.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &tx, nil
}
