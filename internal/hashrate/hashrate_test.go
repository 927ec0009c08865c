package hashrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddUpdatesInstantAndAllWindows(t *testing.T) {
	start := time.Unix(0, 0)
	r := New(start)

	r.Add(1000, start.Add(1*time.Second))
	require.Equal(t, float64(1000), r.TotalHashes())
	require.Equal(t, float64(1000), r.Instant())

	// age == dt == 1s, so frac_i saturates to 1 for every window and
	// every average snaps straight to the instantaneous rate.
	for _, w := range []Window{Short, Medium, Long, Highest} {
		require.Equal(t, float64(1000), r.Average(w))
	}
}

func TestAddWithoutElapsedTimeLeavesAveragesUnchanged(t *testing.T) {
	start := time.Unix(0, 0)
	r := New(start)
	r.Add(0, start)
	require.Equal(t, float64(0), r.Instant())
	require.Equal(t, float64(0), r.TotalHashes())
	for _, w := range []Window{Short, Medium, Long, Highest} {
		require.Equal(t, float64(0), r.Average(w))
	}
}

func TestShortWindowConvergesFasterThanLongWindow(t *testing.T) {
	start := time.Unix(0, 0)
	r := New(start)

	now := start
	for i := 0; i < 120; i++ {
		now = now.Add(1 * time.Second)
		r.Add(1000, now)
	}

	now = now.Add(1 * time.Second)
	r.Add(0, now) // dh=0 => only lastUpdate moves; instant and averages are left as they were
	r.Add(10000, now.Add(1*time.Second))

	// The short window (60s) should have moved further toward the new
	// instantaneous rate than the 24h window, since frac_i shrinks with
	// window size once age exceeds it.
	require.Greater(t, r.Average(Short), r.Average(Highest))
}

func TestAddHashRateSugarMatchesDirectAdd(t *testing.T) {
	start := time.Unix(0, 0)
	direct := New(start)
	sugar := New(start)

	next := start.Add(2 * time.Second)
	direct.Add(2000, next) // 1000 h/s over 2s
	sugar.AddHashRate(1000, next)

	require.InDelta(t, direct.TotalHashes(), sugar.TotalHashes(), 1e-9)
	require.InDelta(t, direct.Instant(), sugar.Instant(), 1e-9)
}

// TestMergeIsFieldWiseAdditive covers invariant 8.
func TestMergeIsFieldWiseAdditive(t *testing.T) {
	start := time.Unix(0, 0)
	a := New(start)
	b := New(start.Add(5 * time.Second))

	a.Add(1000, start.Add(10*time.Second))
	b.Add(500, start.Add(15*time.Second))

	merged := Merge(a, b)
	require.Equal(t, a.TotalHashes()+b.TotalHashes(), merged.TotalHashes())
	require.Equal(t, a.Instant()+b.Instant(), merged.Instant())
	for _, w := range []Window{Short, Medium, Long, Highest} {
		require.Equal(t, a.Average(w)+b.Average(w), merged.Average(w))
	}
}

func TestMergeNilSourcesAreSkipped(t *testing.T) {
	start := time.Unix(0, 0)
	a := New(start)
	a.Add(1000, start.Add(1*time.Second))

	merged := Merge(a, nil)
	require.Equal(t, a.TotalHashes(), merged.TotalHashes())
}
