// Package importer turns raw CSV bank statements into balanced ledger
// transactions: it normalizes rows, classifies them through matching rules,
// auto-provisions accounts and guards repeated imports with a content-hash
// dedup record.
package importer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/example/ledgerkit/internal/ledger"
	"github.com/example/ledgerkit/internal/money"
	"github.com/example/ledgerkit/internal/rules"
)

// rulesMarker separates file bytes from rules bytes in the content hash so
// the same statement paired with different rules hashes differently.
const rulesMarker = "::RULES::"

const placeholderDescription = "Imported Transaction"

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Importer runs the CSV import pipeline against a ledger store.
type Importer struct {
	store *ledger.Store
	log   zerolog.Logger
	now   func() time.Time
}

// New creates an importer.
func New(store *ledger.Store, log zerolog.Logger) *Importer {
	return &Importer{store: store, log: log, now: time.Now}
}

// Request is one import call: raw statement bytes, an optional YAML rules
// document, the target ledger's owner key, the asset account all splits
// balance against, and the force-reimport flag.
type Request struct {
	File         []byte
	Rules        []byte
	Filename     string
	Owner        string
	AssetAccount string
	Force        bool
}

// Result reports one import run. Row-level failures accumulate in Errors and
// never abort the batch; Skipped marks a dedup hit that performed no work.
type Result struct {
	CreatedCount   int      `json:"created_count"`
	Skipped        bool     `json:"skipped"`
	Errors         []string `json:"errors"`
	ImportRecordID string   `json:"import_record_id"`
	LedgerID       string   `json:"ledger_id"`
}

// ContentHash computes the SHA-256 dedup key over the statement bytes and,
// when present, the rules bytes behind a separator marker.
func ContentHash(file, rulesDoc []byte) string {
	h := sha256.New()
	h.Write(file)
	if len(rulesDoc) > 0 {
		h.Write([]byte(rulesMarker))
		h.Write(rulesDoc)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Run executes the pipeline. Only pipeline-level failures (unreadable input,
// unresolvable ledger or asset account) return an error; anything wrong with
// an individual row is recorded in Result.Errors and the run continues.
func (im *Importer) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.File) == 0 {
		return nil, fmt.Errorf("import file is empty")
	}
	if strings.TrimSpace(req.AssetAccount) == "" {
		return nil, fmt.Errorf("asset account name is required")
	}

	led, err := im.store.EnsureLedger(ctx, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ledger: %w", err)
	}

	hash := ContentHash(req.File, req.Rules)
	existing, err := im.store.FindImportByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch {
		case req.Force:
			// Explicit re-import: drop the prior record and start over. The
			// re-run may create duplicate transactions; that is the
			// documented contract of force, not a defect.
			if err := im.store.DeleteImportRecord(ctx, existing.ID); err != nil {
				return nil, err
			}
		case existing.ImportedCount > 0:
			im.log.Info().Str("hash", hash).Int("count", existing.ImportedCount).
				Msg("import skipped, identical content already imported")
			return &Result{
				CreatedCount:   existing.ImportedCount,
				Skipped:        true,
				Errors:         []string{},
				ImportRecordID: existing.ID,
				LedgerID:       led.ID,
			}, nil
		default:
			// The prior attempt created nothing; clear the stale record and
			// let the re-run proceed.
			if err := im.store.DeleteImportRecord(ctx, existing.ID); err != nil {
				return nil, err
			}
		}
	}

	assetAccount, err := im.store.GetOrCreateAccountByName(
		ctx, led.ID, req.AssetAccount, ledger.ClassifyByName(req.AssetAccount))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve asset account: %w", err)
	}

	var ruleSet []rules.Rule
	if len(req.Rules) > 0 {
		ruleSet, err = rules.Load(req.Rules)
		if err != nil {
			return nil, err
		}
	} else {
		ruleSet, err = im.store.ListRules(ctx)
		if err != nil {
			return nil, err
		}
	}

	header, records, err := readCSV(req.File)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	cols := resolveColumns(header)
	runDate := im.now().UTC()

	created := 0
	var txIDs []string
	var rowErrors []string

	for i, record := range records {
		rowNum := i + 1
		txID, err := im.importRow(ctx, led.ID, assetAccount.ID, cols, record, ruleSet, runDate)
		if err != nil {
			rowErrors = append(rowErrors, fmt.Sprintf("row %d: %v", rowNum, err))
			im.log.Warn().Int("row", rowNum).Err(err).Msg("row skipped")
			continue
		}
		created++
		txIDs = append(txIDs, txID)
	}

	rec, err := im.store.CreateImportRecord(ctx, hash, req.Filename, created,
		ledger.ImportMeta{TransactionIDs: txIDs, Errors: rowErrors})
	if err != nil {
		return nil, err
	}

	im.log.Info().Str("file", req.Filename).Int("created", created).
		Int("errors", len(rowErrors)).Msg("import finished")

	if rowErrors == nil {
		rowErrors = []string{}
	}
	return &Result{
		CreatedCount:   created,
		Skipped:        false,
		Errors:         rowErrors,
		ImportRecordID: rec.ID,
		LedgerID:       led.ID,
	}, nil
}

func (im *Importer) importRow(ctx context.Context, ledgerID, assetAccountID string,
	cols columns, record []string, ruleSet []rules.Rule, runDate time.Time) (string, error) {

	if cols.amount < 0 {
		return "", fmt.Errorf("no amount column found")
	}
	amount, err := money.Parse(field(record, cols.amount))
	if err != nil {
		return "", err
	}

	txDate := runDate
	if raw := field(record, cols.date); raw != "" {
		txDate, err = parseDate(raw)
		if err != nil {
			return "", err
		}
	}

	text := strings.TrimSpace(field(record, cols.payee) + " " + field(record, cols.desc))
	if text == "" {
		text = placeholderDescription
	}

	category, necessary := classify(text, amount, ruleSet, im.log)
	categoryName, categoryType := qualifyCategory(category, amount)

	counterAccount, err := im.store.GetOrCreateAccountByName(ctx, ledgerID, categoryName, categoryType)
	if err != nil {
		return "", err
	}

	// Two balancing splits: the asset account takes the row amount, the
	// counter account its negation, so the transaction is zero-sum by
	// construction.
	tx, err := im.store.CreateTransaction(ctx, ledger.NewTransaction{
		LedgerID:    ledgerID,
		Date:        txDate,
		Description: text,
		Necessary:   necessary,
		Tags:        parseTags(field(record, cols.tags)),
		Splits: []ledger.NewSplit{
			{AccountID: assetAccountID, Amount: money.Format(amount)},
			{AccountID: counterAccount.ID, Amount: money.Format(amount.Neg())},
		},
	})
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

// classify runs the rule matcher over the combined row text. Without a match
// the row falls back to Uncategorized, filed under Expenses or Income by
// amount sign, never marked necessary.
func classify(text string, amount decimal.Decimal, ruleSet []rules.Rule, log zerolog.Logger) (string, bool) {
	if r, ok := rules.Match(text, ruleSet, log); ok {
		return r.Category, r.Necessary
	}
	if amount.IsNegative() {
		return "Expenses:Uncategorized", false
	}
	return "Income:Uncategorized", false
}

// qualifyCategory prefixes an unqualified category with Expenses: or Income:
// by amount sign and infers the counter account's type from the result.
func qualifyCategory(category string, amount decimal.Decimal) (string, ledger.AccountType) {
	if !strings.Contains(category, ":") {
		if amount.IsNegative() {
			return "Expenses:" + category, ledger.Expense
		}
		return "Income:" + category, ledger.Income
	}
	return category, ledger.ClassifyByName(category)
}

// readCSV decodes the statement with tolerance for a UTF-8 byte order mark
// and ragged rows, returning the header and data records.
func readCSV(file []byte) ([]string, [][]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(file, utf8BOM)))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var records [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		records = append(records, record)
	}
	return header, records, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", raw)
}

// parseTags splits a tag cell on pipes when present, otherwise on commas.
func parseTags(raw string) []string {
	if raw == "" {
		return nil
	}
	sep := ","
	if strings.Contains(raw, "|") {
		sep = "|"
	}
	var tags []string
	for _, t := range strings.Split(raw, sep) {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
