package importer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ledgerkit/internal/ledger"
	"github.com/example/ledgerkit/internal/money"
	"github.com/example/ledgerkit/internal/rules"
)

func newTestImporter(t *testing.T) (*Importer, *ledger.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := ledger.Open(ctx, ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(ctx))

	im := New(store, zerolog.Nop())
	im.now = func() time.Time {
		return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	}
	return im, store
}

func accountByName(t *testing.T, store *ledger.Store, ledgerID, name string) *ledger.Account {
	t.Helper()
	accounts, err := store.ListAccounts(context.Background(), ledgerID)
	require.NoError(t, err)
	for _, a := range accounts {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("account %q not found", name)
	return nil
}

func TestRunBasicImport(t *testing.T) {
	im, store := newTestImporter(t)
	ctx := context.Background()

	file := []byte("Date,Payee,Amount\n2024-03-01,Grocery Store,-50.00\n")
	res, err := im.Run(ctx, Request{
		File: file, Filename: "march.csv",
		Owner: "alice", AssetAccount: "Assets:Checking",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CreatedCount)
	assert.False(t, res.Skipped)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.ImportRecordID)

	asset := accountByName(t, store, res.LedgerID, "Assets:Checking")
	assert.Equal(t, ledger.Asset, asset.Type)
	counter := accountByName(t, store, res.LedgerID, "Expenses:Uncategorized")
	assert.Equal(t, ledger.Expense, counter.Type)

	list, err := store.ListTransactions(ctx, res.LedgerID, ledger.TxFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	tx := list[0]
	assert.Equal(t, "Grocery Store", tx.Description)
	assert.Equal(t, "2024-03-01", tx.Date.Format("2006-01-02"))
	require.Len(t, tx.Splits, 2)
	assert.Equal(t, asset.ID, tx.Splits[0].AccountID)
	assert.Equal(t, "-50.00", money.Format(tx.Splits[0].Amount))
	assert.Equal(t, counter.ID, tx.Splits[1].AccountID)
	assert.Equal(t, "50.00", money.Format(tx.Splits[1].Amount))
}

func TestRunIsIdempotent(t *testing.T) {
	im, store := newTestImporter(t)
	ctx := context.Background()

	file := []byte("Date,Payee,Amount\n2024-03-01,Grocery Store,-50.00\n2024-03-02,Paycheck,2000.00\n")
	req := Request{File: file, Filename: "march.csv", Owner: "alice", AssetAccount: "Assets:Checking"}

	first, err := im.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, first.CreatedCount)

	second, err := im.Run(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, 2, second.CreatedCount)
	assert.Equal(t, first.ImportRecordID, second.ImportRecordID)

	list, err := store.ListTransactions(ctx, first.LedgerID, ledger.TxFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Pairing the same statement with different rules is new content.
	withRules := req
	withRules.Rules = []byte("rules:\n  - matcher: grocery\n    category: Expenses:Food\n")
	third, err := im.Run(ctx, withRules)
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.Equal(t, 2, third.CreatedCount)
}

func TestRunForceReimports(t *testing.T) {
	im, store := newTestImporter(t)
	ctx := context.Background()

	file := []byte("Date,Payee,Amount\n2024-03-01,Grocery Store,-50.00\n")
	req := Request{File: file, Filename: "march.csv", Owner: "alice", AssetAccount: "Assets:Checking"}

	first, err := im.Run(ctx, req)
	require.NoError(t, err)

	req.Force = true
	second, err := im.Run(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Skipped)
	assert.Equal(t, 1, second.CreatedCount)
	assert.NotEqual(t, first.ImportRecordID, second.ImportRecordID)

	// Force rewrites the dedup record and re-creates the rows.
	list, err := store.ListTransactions(ctx, second.LedgerID, ledger.TxFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRunRetriesAfterEmptyImport(t *testing.T) {
	im, store := newTestImporter(t)
	ctx := context.Background()

	// Every row is broken, so the run records zero created transactions.
	file := []byte("Date,Payee,Amount\n2024-03-01,Grocery Store,not-a-number\n")
	req := Request{File: file, Filename: "march.csv", Owner: "alice", AssetAccount: "Assets:Checking"}

	first, err := im.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, first.CreatedCount)
	require.Len(t, first.Errors, 1)
	assert.Contains(t, first.Errors[0], "row 1")

	// A zero-count record does not block the retry.
	second, err := im.Run(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Skipped)
	assert.NotEqual(t, first.ImportRecordID, second.ImportRecordID)

	rec, err := store.FindImportByHash(ctx, ContentHash(file, nil))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, second.ImportRecordID, rec.ID)
}

func TestRunAccumulatesRowErrors(t *testing.T) {
	im, store := newTestImporter(t)
	ctx := context.Background()

	file := []byte("Date,Payee,Amount\n" +
		"2024-03-01,Grocery Store,-50.00\n" +
		"2024-03-02,Broken Row,oops\n" +
		"bad-date,Another Row,-10.00\n" +
		"2024-03-04,Paycheck,2000.00\n")
	res, err := im.Run(ctx, Request{
		File: file, Filename: "march.csv", Owner: "alice", AssetAccount: "Assets:Checking",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.CreatedCount)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "row 2")
	assert.Contains(t, res.Errors[1], "row 3")
	assert.Contains(t, res.Errors[1], "unparseable date")

	rec, err := store.FindImportByHash(ctx, ContentHash(file, nil))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.ImportedCount)
	assert.Len(t, rec.Meta.TransactionIDs, 2)
	assert.Equal(t, res.Errors, rec.Meta.Errors)
}

func TestRunAppliesRules(t *testing.T) {
	im, store := newTestImporter(t)
	ctx := context.Background()

	rulesDoc := []byte(`rules:
  - matcher: grocery,supermarket
    category: Expenses:Food
    necessary: true
  - matcher: UBER\s*TRIP
    matcher_type: regex
    category: Expenses:Transport
`)
	file := []byte("Date,Payee,Amount\n" +
		"2024-03-01,GROCERY OUTLET,-42.00\n" +
		"2024-03-02,UBER   TRIP HELSINKI,-15.50\n" +
		"2024-03-03,WHOLEFOODS MARKET,-30.00\n")

	res, err := im.Run(ctx, Request{
		File: file, Rules: rulesDoc, Filename: "march.csv",
		Owner: "alice", AssetAccount: "Assets:Checking",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.CreatedCount)

	food := accountByName(t, store, res.LedgerID, "Expenses:Food")
	byFood, err := store.ListTransactions(ctx, res.LedgerID, ledger.TxFilter{AccountID: food.ID})
	require.NoError(t, err)
	require.Len(t, byFood, 1)
	assert.Equal(t, "GROCERY OUTLET", byFood[0].Description)
	assert.True(t, byFood[0].Necessary)

	transport := accountByName(t, store, res.LedgerID, "Expenses:Transport")
	byTransport, err := store.ListTransactions(ctx, res.LedgerID, ledger.TxFilter{AccountID: transport.ID})
	require.NoError(t, err)
	require.Len(t, byTransport, 1)

	// "market" is not a keyword of the first rule; the unmatched row lands
	// in the uncategorized bucket.
	uncat := accountByName(t, store, res.LedgerID, "Expenses:Uncategorized")
	byUncat, err := store.ListTransactions(ctx, res.LedgerID, ledger.TxFilter{AccountID: uncat.ID})
	require.NoError(t, err)
	require.Len(t, byUncat, 1)
	assert.Equal(t, "WHOLEFOODS MARKET", byUncat[0].Description)
	assert.False(t, byUncat[0].Necessary)
}

func TestRunUsesPersistedRulesWhenNoneProvided(t *testing.T) {
	im, store := newTestImporter(t)
	ctx := context.Background()
	require.NoError(t, store.SaveRule(ctx, rules.Rule{
		Matcher: "coffee", MatcherType: rules.MatcherKeyword, Category: "Expenses:Coffee",
	}))

	file := []byte("Date,Payee,Amount\n2024-03-01,COFFEE HOUSE,-4.50\n")
	res, err := im.Run(ctx, Request{
		File: file, Filename: "march.csv", Owner: "alice", AssetAccount: "Assets:Checking",
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.CreatedCount)
	accountByName(t, store, res.LedgerID, "Expenses:Coffee")
}

func TestRunQualifiesBareCategories(t *testing.T) {
	im, store := newTestImporter(t)
	ctx := context.Background()

	rulesDoc := []byte("rules:\n  - matcher: salary\n    category: Salary\n")
	file := []byte("Date,Payee,Amount\n2024-03-29,ACME SALARY,2500.00\n")
	res, err := im.Run(ctx, Request{
		File: file, Rules: rulesDoc, Filename: "payroll.csv",
		Owner: "alice", AssetAccount: "Assets:Checking",
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.CreatedCount)

	// A positive amount files the bare category under Income.
	salary := accountByName(t, store, res.LedgerID, "Income:Salary")
	assert.Equal(t, ledger.Income, salary.Type)
}

func TestRunPipelineErrors(t *testing.T) {
	im, _ := newTestImporter(t)
	ctx := context.Background()

	_, err := im.Run(ctx, Request{Owner: "alice", AssetAccount: "Assets:Checking"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file is empty")

	_, err = im.Run(ctx, Request{File: []byte("a,b\n"), Owner: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "asset account")

	_, err = im.Run(ctx, Request{File: []byte("a,b\n"), Owner: " ", AssetAccount: "Assets:Checking"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger")
}

func TestRunDefaultsMissingDates(t *testing.T) {
	im, store := newTestImporter(t)
	ctx := context.Background()

	// No date column at all; rows fall back to the run date.
	file := []byte("Payee,Amount\nGrocery Store,-50.00\n")
	res, err := im.Run(ctx, Request{
		File: file, Filename: "march.csv", Owner: "alice", AssetAccount: "Assets:Checking",
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.CreatedCount)

	list, err := store.ListTransactions(ctx, res.LedgerID, ledger.TxFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2024-06-15", list[0].Date.Format("2006-01-02"))
}

func TestRunParsesTags(t *testing.T) {
	im, store := newTestImporter(t)
	ctx := context.Background()

	file := []byte("Date,Payee,Amount,Tags\n2024-03-01,Grocery Store,-50.00,food|weekly\n")
	res, err := im.Run(ctx, Request{
		File: file, Filename: "march.csv", Owner: "alice", AssetAccount: "Assets:Checking",
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.CreatedCount)

	byTag, err := store.ListTransactions(ctx, res.LedgerID, ledger.TxFilter{Tag: "weekly"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, []string{"food", "weekly"}, byTag[0].Tags)
}

func TestRunStripsBOM(t *testing.T) {
	im, _ := newTestImporter(t)
	ctx := context.Background()

	file := append([]byte{0xef, 0xbb, 0xbf}, []byte("Date,Payee,Amount\n2024-03-01,Grocery Store,-50.00\n")...)
	res, err := im.Run(ctx, Request{
		File: file, Filename: "march.csv", Owner: "alice", AssetAccount: "Assets:Checking",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CreatedCount)
	assert.Empty(t, res.Errors)
}

func TestContentHash(t *testing.T) {
	file := []byte("Date,Amount\n2024-03-01,-1.00\n")
	plain := ContentHash(file, nil)
	assert.Len(t, plain, 64)
	assert.Equal(t, plain, ContentHash(file, nil))
	assert.NotEqual(t, plain, ContentHash(file, []byte("rules:\n")))
	assert.NotEqual(t, plain, ContentHash([]byte("other"), nil))
}

func TestResolveColumns(t *testing.T) {
	cols := resolveColumns([]string{"Date", "Payee", "Description", "Amount (EUR)", "Tags"})
	assert.Equal(t, 0, cols.date)
	assert.Equal(t, 1, cols.payee)
	assert.Equal(t, 2, cols.desc)
	assert.Equal(t, 3, cols.amount)
	assert.Equal(t, 4, cols.tags)

	// Description doubles as payee when no dedicated payee column exists,
	// and is then not consumed twice.
	cols = resolveColumns([]string{"Transaction Date", "Description", "Value"})
	assert.Equal(t, 0, cols.date)
	assert.Equal(t, 1, cols.payee)
	assert.Equal(t, -1, cols.desc)
	assert.Equal(t, 2, cols.amount)

	cols = resolveColumns([]string{"foo", "bar"})
	assert.Equal(t, -1, cols.amount)
	assert.Equal(t, -1, cols.date)
}
