package ledger

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/example/ledgerkit/internal/rules"
)

// SaveRule appends a matching rule to the persisted rule set. Rules keep
// their definition order; the import pipeline evaluates them first to last.
func (s *Store) SaveRule(ctx context.Context, r rules.Rule) error {
	if r.Matcher == "" {
		return validationf("rule matcher must not be empty")
	}
	if r.MatcherType != rules.MatcherKeyword && r.MatcherType != rules.MatcherRegex {
		return validationf("invalid matcher type %q", r.MatcherType)
	}
	if r.Category == "" {
		return validationf("rule category must not be empty")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var next int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) + 1 FROM rules`).Scan(&next)
		if err != nil {
			return storeErr("next rule position", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO rules (id, position, matcher, matcher_type, category, necessary)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			uuid.New().String(), next, r.Matcher, r.MatcherType, r.Category, r.Necessary)
		if err != nil {
			return storeErr("insert rule", err)
		}
		return nil
	})
}

// ListRules returns the persisted rule set in definition order.
func (s *Store) ListRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT matcher, matcher_type, category, necessary FROM rules ORDER BY position`)
	if err != nil {
		return nil, storeErr("list rules", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var r rules.Rule
		if err := rows.Scan(&r.Matcher, &r.MatcherType, &r.Category, &r.Necessary); err != nil {
			return nil, storeErr("scan rule", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
