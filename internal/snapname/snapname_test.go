package snapname

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 14, 12, 0, 0, 0, time.Local)
	for _, g := range Granularities {
		name := Name("pyznap", ts, g)
		gotTs, gotG, err := Parse("pyznap", name)
		require.NoError(t, err)
		require.True(t, ts.Equal(gotTs), "got %v want %v", gotTs, ts)
		require.Equal(t, g, gotG)
	}
}

func TestParseForeignSnapshots(t *testing.T) {
	cases := []string{
		"manual-backup@2023-01-01",
		"other_2024-03-14_12:00:00_frequent",
		"pyznap_2024-03-14_12:00:00_decadely",
		"pyznap_not-a-timestamp_frequent",
		"pyznap_frequent",
	}
	for _, c := range cases {
		t.Run(c, func(t *testing.T) {
			_, _, err := Parse("pyznap", c)
			require.Error(t, err)
		})
	}
}

func TestSameWindowFrequent(t *testing.T) {
	a := time.Date(2024, 3, 14, 12, 0, 30, 0, time.Local)
	b := time.Date(2024, 3, 14, 12, 0, 59, 0, time.Local)
	c := time.Date(2024, 3, 14, 12, 1, 0, 0, time.Local)
	require.True(t, SameWindow(Frequent, a, b))
	require.False(t, SameWindow(Frequent, a, c))
}

func TestSameWindowWeekly(t *testing.T) {
	// 2024-12-30 and 2025-01-01 are both ISO week 2025-W01.
	a := time.Date(2024, 12, 30, 0, 0, 0, 0, time.Local)
	b := time.Date(2025, 1, 1, 0, 0, 0, 0, time.Local)
	require.True(t, SameWindow(Weekly, a, b))

	c := time.Date(2024, 12, 23, 0, 0, 0, 0, time.Local)
	require.False(t, SameWindow(Weekly, a, c))
}

func TestSameWindowYearly(t *testing.T) {
	a := time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)
	b := time.Date(2024, 12, 31, 23, 59, 59, 0, time.Local)
	require.True(t, SameWindow(Yearly, a, b))
}
