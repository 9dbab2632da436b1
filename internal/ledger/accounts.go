package ledger

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateAccount creates an account under strict uniqueness: a duplicate
// (ledger, name) pair is a ConflictError. Importers use
// GetOrCreateAccountByName instead.
func (s *Store) CreateAccount(ctx context.Context, ledgerID, name string, accountType AccountType, parentID string) (*Account, error) {
	if strings.TrimSpace(name) == "" {
		return nil, validationf("account name must not be empty")
	}
	if !accountType.Valid() {
		return nil, validationf("invalid account type %q", accountType)
	}
	if _, err := s.GetLedger(ctx, ledgerID); err != nil {
		return nil, err
	}
	if parentID != "" {
		parent, err := s.GetAccount(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.LedgerID != ledgerID {
			return nil, validationf("parent account %s belongs to a different ledger", parentID)
		}
	}

	account := &Account{
		ID:        uuid.New().String(),
		LedgerID:  ledgerID,
		Name:      name,
		Type:      accountType,
		ParentID:  parentID,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	err := s.withRetry(ctx, "create account", func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO accounts (id, ledger_id, name, account_type, parent_id, is_active, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			account.ID, account.LedgerID, account.Name, string(account.Type),
			nullable(account.ParentID), account.Active, account.CreatedAt.Format(timeLayout))
		if err != nil {
			if isUniqueViolation(err) {
				return &ConflictError{Msg: "account name " + name + " already exists in this ledger"}
			}
			return storeErr("insert account", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("account", account.ID).Str("name", name).Msg("account created")
	return account, nil
}

// GetOrCreateAccountByName returns the account named name within the ledger,
// active or inactive, creating it with fallbackType when absent. A name that
// exists only in a different ledger is never reused; the account is created
// fresh in the target ledger. The creation race between concurrent callers
// is resolved by re-fetching after a uniqueness violation.
func (s *Store) GetOrCreateAccountByName(ctx context.Context, ledgerID, name string, fallbackType AccountType) (*Account, error) {
	if strings.TrimSpace(name) == "" {
		return nil, validationf("account name must not be empty")
	}
	if !fallbackType.Valid() {
		return nil, validationf("invalid account type %q", fallbackType)
	}
	// SQLite does not enforce the FK by default, so an unknown ledger would
	// silently take a dangling account where Postgres errors. Check up front
	// so both drivers fail the same way.
	if _, err := s.GetLedger(ctx, ledgerID); err != nil {
		return nil, err
	}

	var out *Account
	err := s.withRetry(ctx, "get or create account", func() error {
		existing, err := s.getAccountByName(ctx, ledgerID, name)
		if err == nil {
			out = existing
			return nil
		}
		if !IsNotFound(err) {
			return err
		}

		created := &Account{
			ID:        uuid.New().String(),
			LedgerID:  ledgerID,
			Name:      name,
			Type:      fallbackType,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		_, err = s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO accounts (id, ledger_id, name, account_type, parent_id, is_active, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			created.ID, created.LedgerID, created.Name, string(created.Type),
			nullable(""), created.Active, created.CreatedAt.Format(timeLayout))
		if err != nil {
			if isUniqueViolation(err) {
				out, err = s.getAccountByName(ctx, ledgerID, name)
				return err
			}
			return storeErr("insert account", err)
		}
		out = created
		return nil
	})
	return out, err
}

// GetAccount returns an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, ledger_id, name, account_type, parent_id, is_active, created_at
		 FROM accounts WHERE id = ?`), id)
	return scanAccount(row, id)
}

func (s *Store) getAccountByName(ctx context.Context, ledgerID, name string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, ledger_id, name, account_type, parent_id, is_active, created_at
		 FROM accounts WHERE ledger_id = ? AND name = ?`), ledgerID, name)
	return scanAccount(row, name)
}

// DeactivateAccount marks an account inactive. Idempotent; does not cascade
// to splits or child accounts. Historical reads keep returning the account.
func (s *Store) DeactivateAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE accounts SET is_active = ? WHERE id = ?`), false, id)
	if err != nil {
		return storeErr("deactivate account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("deactivate account", err)
	}
	if n == 0 {
		return &NotFoundError{Kind: "account", Ref: id}
	}
	return nil
}

// SetAccountParent re-parents an account. The new parent must live in the
// same ledger and must not be a descendant of the account, keeping parent
// links acyclic. An empty parentID detaches the account to the root.
func (s *Store) SetAccountParent(ctx context.Context, id, parentID string) error {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if parentID != "" {
		parent, err := s.GetAccount(ctx, parentID)
		if err != nil {
			return err
		}
		if parent.LedgerID != account.LedgerID {
			return validationf("parent account %s belongs to a different ledger", parentID)
		}
		// Walk the ancestor chain of the proposed parent; finding the
		// account itself would close a cycle.
		for cur := parent; cur.ParentID != ""; {
			if cur.ParentID == id {
				return validationf("re-parenting account %s under %s would create a cycle", id, parentID)
			}
			cur, err = s.GetAccount(ctx, cur.ParentID)
			if err != nil {
				return err
			}
		}
		if parent.ID == id {
			return validationf("account %s cannot be its own parent", id)
		}
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE accounts SET parent_id = ? WHERE id = ?`), nullable(parentID), id)
	if err != nil {
		return storeErr("set account parent", err)
	}
	return nil
}

// ListAccounts returns all accounts of a ledger ordered by name.
func (s *Store) ListAccounts(ctx context.Context, ledgerID string) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, ledger_id, name, account_type, parent_id, is_active, created_at
		 FROM accounts WHERE ledger_id = ? ORDER BY name`), ledgerID)
	if err != nil {
		return nil, storeErr("list accounts", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows, "")
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// AccountTree produces the account forest of a ledger: one root entry per
// account without a parent, children sorted by name. Parent links are
// acyclic by construction, so the walk terminates.
func (s *Store) AccountTree(ctx context.Context, ledgerID string) ([]*AccountNode, error) {
	accounts, err := s.ListAccounts(ctx, ledgerID)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*AccountNode, len(accounts))
	for _, a := range accounts {
		nodes[a.ID] = &AccountNode{Account: a}
	}

	var roots []*AccountNode
	for _, a := range accounts {
		node := nodes[a.ID]
		if a.ParentID == "" {
			roots = append(roots, node)
			continue
		}
		if parent, ok := nodes[a.ParentID]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			// Orphaned parent reference; surface the node as a root rather
			// than dropping it.
			roots = append(roots, node)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Name < roots[j].Name })
	return roots, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner, ref string) (*Account, error) {
	var a Account
	var parentID sql.NullString
	var createdAt string
	err := row.Scan(&a.ID, &a.LedgerID, &a.Name, (*string)(&a.Type), &parentID, &a.Active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Kind: "account", Ref: ref}
		}
		return nil, storeErr("scan account", err)
	}
	a.ParentID = parentID.String
	a.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &a, nil
}

// nullable maps an empty string to a SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
