package audit

import (
	"context"
	"fmt"

	"github.com/example/ledgerkit/internal/ledger"
	"github.com/example/ledgerkit/internal/money"
)

// Attach registers the trail as an observer of the store's transaction
// lifecycle. Every committed create and delete lands in the journal.
func Attach(t *Trail, store *ledger.Store) {
	store.OnTransactionCreated(func(_ context.Context, tx *ledger.Transaction) {
		t.Record(ActionTransactionCreated, describe(tx))
	})
	store.OnTransactionDeleted(func(_ context.Context, tx *ledger.Transaction) {
		t.Record(ActionTransactionDeleted, describe(tx))
	})
}

// describe renders a transaction into a stable one-line payload. Split
// amounts appear in position order so the payload is reproducible.
func describe(tx *ledger.Transaction) string {
	amounts := make([]string, len(tx.Splits))
	for i, sp := range tx.Splits {
		amounts[i] = money.Format(sp.Amount)
	}
	return fmt.Sprintf("tx=%s ledger=%s date=%s desc=%q amounts=%v",
		tx.ID, tx.LedgerID, tx.Date.Format("2006-01-02"), tx.Description, amounts)
}
