package importer

import "strings"

// columns holds the resolved header index per logical field, -1 when the
// file carries no matching column. Resolution happens once per file, not per
// row; each logical field has a prioritized list of header aliases.
type columns struct {
	amount int
	date   int
	payee  int
	desc   int
	tags   int
}

var (
	amountAliases = []string{"amount", "amt", "value", "transaction amount"}
	dateAliases   = []string{"date", "transaction date"}
	payeeAliases  = []string{"payee", "description", "merchant"}
	tagAliases    = []string{"tags", "tag"}
)

func resolveColumns(header []string) columns {
	lowered := make([]string, len(header))
	for i, h := range header {
		lowered[i] = strings.ToLower(strings.TrimSpace(h))
	}

	cols := columns{
		amount: indexOf(lowered, amountAliases),
		date:   indexOf(lowered, dateAliases),
		payee:  indexOf(lowered, payeeAliases),
		desc:   indexOf(lowered, []string{"desc", "description"}),
		tags:   indexOf(lowered, tagAliases),
	}

	// Any header starting with "amount" serves as a fallback, e.g.
	// "Amount (EUR)".
	if cols.amount < 0 {
		for i, h := range lowered {
			if strings.HasPrefix(h, "amount") {
				cols.amount = i
				break
			}
		}
	}

	// When payee already resolved to the description column, a second desc
	// lookup would duplicate the classification text.
	if cols.desc == cols.payee {
		cols.desc = -1
	}
	return cols
}

func indexOf(lowered []string, aliases []string) int {
	for _, alias := range aliases {
		for i, h := range lowered {
			if h == alias {
				return i
			}
		}
	}
	return -1
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
