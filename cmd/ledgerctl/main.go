package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/example/ledgerkit/internal/config"
	"github.com/example/ledgerkit/internal/importer"
	"github.com/example/ledgerkit/internal/ledger"
	"github.com/example/ledgerkit/internal/logger"
	"github.com/example/ledgerkit/internal/money"
	"github.com/example/ledgerkit/internal/rules"
	"github.com/example/ledgerkit/pkg/audit"
)

// Version is set via ldflags when building.
var Version = "dev"

type app struct {
	ctx   context.Context
	store *ledger.Store
	log   zerolog.Logger
}

var cli struct {
	Version kong.VersionFlag `help:"Show version information"`
	Owner   string           `help:"Ledger owner key." default:"default" env:"LEDGER_OWNER"`

	Import   ImportCmd   `cmd:"" help:"Import a CSV bank statement."`
	Accounts AccountsCmd `cmd:"" help:"Inspect the chart of accounts."`
	Tx       TxCmd       `cmd:"" help:"Inspect and manage transactions."`
	Rules    RulesCmd    `cmd:"" help:"Manage persisted matching rules."`
	Migrate  MigrateCmd  `cmd:"" help:"Create or update the database schema."`
}

// ImportCmd runs the CSV import pipeline against the configured store.
type ImportCmd struct {
	File    string `arg:"" type:"existingfile" help:"CSV statement to import."`
	Rules   string `type:"existingfile" optional:"" help:"YAML rules document."`
	Account string `default:"Assets:Checking" help:"Asset account the statement belongs to."`
	Force   bool   `help:"Re-import even if identical content was imported before."`
}

func (cmd *ImportCmd) Run(a *app) error {
	file, err := os.ReadFile(cmd.File)
	if err != nil {
		return err
	}
	var rulesDoc []byte
	if cmd.Rules != "" {
		if rulesDoc, err = os.ReadFile(cmd.Rules); err != nil {
			return err
		}
	}

	res, err := importer.New(a.store, a.log).Run(a.ctx, importer.Request{
		File:         file,
		Rules:        rulesDoc,
		Filename:     filepath.Base(cmd.File),
		Owner:        cli.Owner,
		AssetAccount: cmd.Account,
		Force:        cmd.Force,
	})
	if err != nil {
		return err
	}

	if res.Skipped {
		fmt.Printf("skipped: %d transactions already imported from identical content\n", res.CreatedCount)
		return nil
	}
	fmt.Printf("imported %d transactions (%d rows failed)\n", res.CreatedCount, len(res.Errors))
	for _, e := range res.Errors {
		fmt.Println("  " + e)
	}
	return nil
}

// AccountsCmd lists or renders the chart of accounts.
type AccountsCmd struct {
	List AccountsListCmd `cmd:"" default:"1" help:"List accounts."`
	Tree AccountsTreeCmd `cmd:"" help:"Render the account hierarchy."`
}

type AccountsListCmd struct{}

func (cmd *AccountsListCmd) Run(a *app) error {
	led, err := a.store.EnsureLedger(a.ctx, cli.Owner)
	if err != nil {
		return err
	}
	accounts, err := a.store.ListAccounts(a.ctx, led.ID)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		status := ""
		if !acct.Active {
			status = " (inactive)"
		}
		fmt.Printf("%-10s %s%s\n", acct.Type, acct.Name, status)
	}
	return nil
}

type AccountsTreeCmd struct{}

func (cmd *AccountsTreeCmd) Run(a *app) error {
	led, err := a.store.EnsureLedger(a.ctx, cli.Owner)
	if err != nil {
		return err
	}
	roots, err := a.store.AccountTree(a.ctx, led.ID)
	if err != nil {
		return err
	}
	var walk func(nodes []*ledger.AccountNode, depth int)
	walk = func(nodes []*ledger.AccountNode, depth int) {
		for _, n := range nodes {
			fmt.Printf("%s%s\n", strings.Repeat("  ", depth), n.Name)
			walk(n.Children, depth+1)
		}
	}
	walk(roots, 0)
	return nil
}

// TxCmd groups transaction subcommands.
type TxCmd struct {
	List   TxListCmd   `cmd:"" default:"1" help:"List transactions, newest first."`
	Show   TxShowCmd   `cmd:"" help:"Show one transaction with its splits."`
	Delete TxDeleteCmd `cmd:"" help:"Delete a transaction and its splits."`
}

type TxListCmd struct {
	From    string `help:"Earliest date, inclusive (YYYY-MM-DD)."`
	To      string `help:"Latest date, inclusive (YYYY-MM-DD)."`
	Account string `help:"Only transactions touching this account id."`
	Tag     string `help:"Only transactions carrying this tag."`
}

func (cmd *TxListCmd) Run(a *app) error {
	led, err := a.store.EnsureLedger(a.ctx, cli.Owner)
	if err != nil {
		return err
	}

	var filter ledger.TxFilter
	if cmd.From != "" {
		from, err := time.Parse("2006-01-02", cmd.From)
		if err != nil {
			return fmt.Errorf("invalid --from date: %w", err)
		}
		filter.DateFrom = &from
	}
	if cmd.To != "" {
		to, err := time.Parse("2006-01-02", cmd.To)
		if err != nil {
			return fmt.Errorf("invalid --to date: %w", err)
		}
		filter.DateTo = &to
	}
	filter.AccountID = cmd.Account
	filter.Tag = cmd.Tag

	txs, err := a.store.ListTransactions(a.ctx, led.ID, filter)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		fmt.Printf("%s  %s  %s\n", tx.ID, tx.Date.Format("2006-01-02"), tx.Description)
	}
	return nil
}

type TxShowCmd struct {
	ID string `arg:"" help:"Transaction id."`
}

func (cmd *TxShowCmd) Run(a *app) error {
	tx, err := a.store.GetTransaction(a.ctx, cmd.ID)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s\n", tx.Date.Format("2006-01-02"), tx.Description)
	if len(tx.Tags) > 0 {
		fmt.Printf("tags: %s\n", strings.Join(tx.Tags, ", "))
	}
	for _, sp := range tx.Splits {
		acct, err := a.store.GetAccount(a.ctx, sp.AccountID)
		if err != nil {
			return err
		}
		fmt.Printf("  %-40s %10s\n", acct.Name, money.Format(sp.Amount))
	}
	return nil
}

type TxDeleteCmd struct {
	ID string `arg:"" help:"Transaction id."`
}

func (cmd *TxDeleteCmd) Run(a *app) error {
	return a.store.DeleteTransaction(a.ctx, cmd.ID)
}

// RulesCmd manages the persisted rule set used when an import supplies none.
type RulesCmd struct {
	List RulesListCmd `cmd:"" default:"1" help:"List rules in evaluation order."`
	Add  RulesAddCmd  `cmd:"" help:"Append a rule."`
}

type RulesListCmd struct{}

func (cmd *RulesListCmd) Run(a *app) error {
	list, err := a.store.ListRules(a.ctx)
	if err != nil {
		return err
	}
	for i, r := range list {
		fmt.Printf("%2d. [%s] %q -> %s\n", i+1, r.MatcherType, r.Matcher, r.Category)
	}
	return nil
}

type RulesAddCmd struct {
	Matcher   string `arg:"" help:"Comma-separated keywords, or a regex with --type=regex."`
	Category  string `arg:"" help:"Target category, e.g. Expenses:Food."`
	Type      string `default:"keyword" enum:"keyword,regex" help:"Matcher type."`
	Necessary bool   `help:"Mark matched transactions as necessary spending."`
}

func (cmd *RulesAddCmd) Run(a *app) error {
	return a.store.SaveRule(a.ctx, rules.Rule{
		Matcher:     cmd.Matcher,
		MatcherType: cmd.Type,
		Category:    cmd.Category,
		Necessary:   cmd.Necessary,
	})
}

// MigrateCmd creates the schema. Other commands run it implicitly; this one
// exists for provisioning pipelines that migrate before first use.
type MigrateCmd struct{}

func (cmd *MigrateCmd) Run(a *app) error {
	return a.store.Migrate(a.ctx)
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("ledgerctl"),
		kong.Description("Double-entry ledger store and CSV import pipeline."),
		kong.UsageOnError(),
		kong.Vars{"version": Version},
	)

	cfg, err := config.Load()
	kctx.FatalIfErrorf(err)
	log := logger.New(cfg.LogLevel, cfg.Environment)

	ctx := context.Background()
	store, err := ledger.Open(ctx, cfg.DatabaseURL, log)
	kctx.FatalIfErrorf(err)
	defer store.Close()

	err = store.Migrate(ctx)
	kctx.FatalIfErrorf(err)

	trail := audit.NewTrail()
	audit.Attach(trail, store)
	store.OnTransactionCreated(func(_ context.Context, tx *ledger.Transaction) {
		log.Info().Str("transaction", tx.ID).Str("description", tx.Description).Msg("transaction committed")
	})

	err = kctx.Run(&app{ctx: ctx, store: store, log: log})
	kctx.FatalIfErrorf(err)
}
