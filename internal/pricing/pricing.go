// Package pricing maps identifiers to the amount required to reserve them.
//
// A Table is an ascending list of length thresholds. The price of an
// identifier is the amount of the last threshold whose minimum length does
// not exceed the identifier's length in runes; identifiers shorter than the
// first threshold cost 0, which means "not for sale".
package pricing

import (
	"sort"
	"unicode/utf8"

	"github.com/tbourn/username-attestor/internal/config"
)

// Threshold is one row of the table.
type Threshold = config.PriceThreshold

// Table is an immutable, ascending pricing table.
type Table struct {
	rows []Threshold
}

// New copies rows and sorts them ascending by MinLength.
func New(rows []Threshold) Table {
	cp := append([]Threshold(nil), rows...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].MinLength < cp[j].MinLength })
	return Table{rows: cp}
}

// Price returns the amount required for identifier, or 0 if it is not for sale.
func (t Table) Price(identifier string) int64 {
	n := utf8.RuneCountInString(identifier)
	var amount int64
	for _, r := range t.rows {
		if r.MinLength > n {
			break
		}
		amount = r.Amount
	}
	return amount
}

// Bracket describes the identifier lengths sharing one price; MaxLength is
// 0 for the open-ended last bracket.
type Bracket struct {
	MinLength int
	MaxLength int
	Amount    int64
}

// Brackets returns the priced ranges, skipping thresholds that are not for
// sale. It feeds the greeting that lists prices.
func (t Table) Brackets() []Bracket {
	var out []Bracket
	for i, r := range t.rows {
		if r.Amount == 0 {
			continue
		}
		b := Bracket{MinLength: r.MinLength, Amount: r.Amount}
		if i+1 < len(t.rows) {
			b.MaxLength = t.rows[i+1].MinLength - 1
		}
		out = append(out, b)
	}
	return out
}
