package bounty

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/money"
)

func TestAmountFor_Defaults(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(nil)

	tests := []struct {
		severity model.Severity
		want     string
	}{
		{model.SeverityCritical, "50000"},
		{model.SeverityHigh, "10000"},
		{model.SeverityMedium, "2500"},
		{model.SeverityLow, "500"},
		{model.SeverityInformational, "0"},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			t.Parallel()
			got, err := calc.AmountFor(tt.severity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestAmountFor_UnknownSeverity(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(nil)
	_, err := calc.AmountFor(model.Severity("catastrophic"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownSeverity))
}

func TestTableFromStrings(t *testing.T) {
	t.Parallel()

	table, err := TableFromStrings(map[string]string{
		"high": "5.00",
	})
	require.NoError(t, err)

	calc := NewCalculator(table)

	got, err := calc.AmountFor(model.SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("5.00"), got)

	// Unspecified tiers keep their defaults.
	got, err = calc.AmountFor(model.SeverityLow)
	require.NoError(t, err)
	assert.Equal(t, "500", got.String())
}

func TestTableFromStrings_Invalid(t *testing.T) {
	t.Parallel()

	_, err := TableFromStrings(map[string]string{"bogus": "1.00"})
	assert.Error(t, err)

	_, err = TableFromStrings(map[string]string{"high": "not-a-number"})
	assert.Error(t, err)
}
