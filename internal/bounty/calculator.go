// Package bounty maps severity classifications to payable amounts.
package bounty

import (
	"github.com/rotisserie/eris"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
)

// ErrUnknownSeverity indicates a severity with no configured tier.
var ErrUnknownSeverity = eris.New("bounty: unknown severity")

// Table maps each severity tier to its payable amount. The table is
// configuration, not state.
type Table map[model.Severity]money.Amount

// DefaultTable returns the standard tier amounts, overridable via config.
func DefaultTable() Table {
	return Table{
		model.SeverityCritical:      money.MustParse("50000"),
		model.SeverityHigh:          money.MustParse("10000"),
		model.SeverityMedium:        money.MustParse("2500"),
		model.SeverityLow:           money.MustParse("500"),
		model.SeverityInformational: money.MustParse("0"),
	}
}

// TableFromStrings parses a severity->decimal-string map into a Table.
// Missing tiers fall back to the defaults.
func TableFromStrings(raw map[string]string) (Table, error) {
	table := DefaultTable()
	for k, v := range raw {
		sev := model.Severity(k)
		if !sev.Valid() {
			return nil, eris.Wrapf(ErrUnknownSeverity, "tier %q", k)
		}
		amount, err := money.Parse(v)
		if err != nil {
			return nil, eris.Wrapf(err, "bounty: tier %q", k)
		}
		table[sev] = amount
	}
	return table, nil
}

// Calculator derives payable amounts from severities. Pure and deterministic.
type Calculator struct {
	table Table
}

// NewCalculator creates a calculator over the given table.
func NewCalculator(table Table) *Calculator {
	if table == nil {
		table = DefaultTable()
	}
	return &Calculator{table: table}
}

// AmountFor returns the payable amount for a severity.
func (c *Calculator) AmountFor(sev model.Severity) (money.Amount, error) {
	amount, ok := c.table[sev]
	if !ok {
		return 0, eris.Wrapf(ErrUnknownSeverity, "%q", sev)
	}
	return amount, nil
}
