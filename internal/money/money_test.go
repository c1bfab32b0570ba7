package money

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 1_000_000},
		{"5.00", 5_000_000},
		{"0.000001", 1},
		{"100.5", 100_500_000},
		{"1234567.654321", 1_234_567_654_321},
		{"0.10", 100_000},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.BaseUnits())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"abc",
		"-1",
		"-0.5",
		"1.2345678", // 7 fractional digits
		"0.0000001",
		"1e30",
	} {
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidAmount))
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	// Base units -> decimal string -> base units is lossless.
	for _, n := range []int64{0, 1, 999_999, 1_000_000, 5_000_000, 100_500_000, 1_234_567_654_321} {
		a := FromBaseUnits(n)
		back, err := Parse(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, back)
	}
}

func TestSub(t *testing.T) {
	t.Parallel()

	a := MustParse("10.50")
	b := MustParse("3.25")

	got, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, "7.25", got.String())

	_, err = b.Sub(a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnderflow))
}

func TestSubFloor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Amount(0), MustParse("1").SubFloor(MustParse("2")))
	assert.Equal(t, MustParse("1"), MustParse("3").SubFloor(MustParse("2")))
}

func TestSum(t *testing.T) {
	t.Parallel()

	got := Sum([]Amount{MustParse("1.10"), MustParse("2.20"), MustParse("0.000001")})
	assert.Equal(t, "3.300001", got.String())
	assert.Equal(t, Amount(0), Sum(nil))
}

func TestAverage_TruncatesRemainder(t *testing.T) {
	t.Parallel()

	// 10 base units over 3 payments: 3 base units each, remainder dropped.
	got := Average([]Amount{FromBaseUnits(3), FromBaseUnits(3), FromBaseUnits(4)})
	assert.Equal(t, int64(3), got.BaseUnits())

	assert.Equal(t, Amount(0), Average(nil))
}

func TestLessThan(t *testing.T) {
	t.Parallel()

	assert.True(t, MustParse("3.00").LessThan(MustParse("5.00")))
	assert.False(t, MustParse("5.00").LessThan(MustParse("5.00")))
}
