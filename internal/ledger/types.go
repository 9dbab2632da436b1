package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies an account within the chart of accounts.
type AccountType string

const (
	Asset     AccountType = "ASSET"
	Liability AccountType = "LIABILITY"
	Income    AccountType = "INCOME"
	Expense   AccountType = "EXPENSE"
	// Equity is recognized for reporting but never created by the core.
	Equity AccountType = "EQUITY"
)

// Valid reports whether t is one of the five recognized account types.
func (t AccountType) Valid() bool {
	switch t {
	case Asset, Liability, Income, Expense, Equity:
		return true
	}
	return false
}

// ClassifyByName infers an account type from a display name, used by
// importers when no explicit type is supplied. Matching is case-insensitive
// substring; unknown names default to ASSET.
func ClassifyByName(name string) AccountType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "asset"):
		return Asset
	case strings.Contains(n, "liabil"):
		return Liability
	case strings.Contains(n, "income"):
		return Income
	case strings.Contains(n, "expense"):
		return Expense
	}
	return Asset
}

// Ledger is an isolated partition of accounts and transactions, one per
// owner key. Ledgers are created lazily on first use and never deleted.
type Ledger struct {
	ID        string    `json:"id"`
	OwnerKey  string    `json:"owner_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Account is a named node in a per-ledger hierarchy. Names are unique within
// a ledger; inactive accounts are excluded from new transaction creation but
// retained for historical reads.
type Account struct {
	ID        string      `json:"id"`
	LedgerID  string      `json:"ledger_id"`
	Name      string      `json:"name"`
	Type      AccountType `json:"type"`
	ParentID  string      `json:"parent_id,omitempty"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
}

// AccountNode is one entry of the account forest produced by AccountTree.
type AccountNode struct {
	*Account
	Children []*AccountNode `json:"children"`
}

// Split is one signed monetary leg of a transaction, referencing exactly one
// account. Amounts keep the precision they were supplied with; quantization
// applies to the transaction's sum, not to individual legs.
type Split struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// Transaction is a zero-sum group of splits sharing a date, description and
// tags. The sum of split amounts, quantized to two decimals, is always zero.
type Transaction struct {
	ID          string    `json:"id"`
	LedgerID    string    `json:"ledger_id"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
	Necessary   bool      `json:"necessary"`
	Tags        []string  `json:"tags"`
	Splits      []Split   `json:"splits"`
	CreatedAt   time.Time `json:"created_at"`
}

// ImportRecord marks one completed or attempted import, keyed by the
// SHA-256 content hash of the imported file pair. The hash is unique; a
// record is never mutated after creation, only replaced.
type ImportRecord struct {
	ID            string     `json:"id"`
	FileHash      string     `json:"file_hash"`
	Filename      string     `json:"filename"`
	ImportedCount int        `json:"imported_count"`
	Meta          ImportMeta `json:"meta"`
	ImportedAt    time.Time  `json:"imported_at"`
}

// ImportMeta carries the created transaction ids and per-row errors of an
// import run.
type ImportMeta struct {
	TransactionIDs []string `json:"tx_ids"`
	Errors         []string `json:"errors"`
}

const (
	dateLayout = "2006-01-02"
	// timeLayout keeps a fixed-width fraction. RFC3339Nano trims trailing
	// zeros, which breaks the lexical ordering ListTransactions relies on
	// for its created_at tie-break.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)
