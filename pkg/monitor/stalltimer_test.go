package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStallTimerEscalation(t *testing.T) {
	const base = 100 * time.Millisecond
	st := NewStallTimer(base)
	require.Equal(t, base, st.Threshold())
	require.Equal(t, base, st.Increment())

	require.False(t, st.ShouldLog(base-1))
	require.True(t, st.ShouldLog(base))

	st.Advance()
	require.Equal(t, 2*base, st.Threshold())
	require.InDelta(t, float64(141*time.Millisecond), float64(st.Increment()), 1)

	st.Advance()
	require.InDelta(t, float64(341*time.Millisecond), float64(st.Threshold()), 1)
	require.InDelta(t, float64(198810*time.Microsecond), float64(st.Increment()), float64(time.Microsecond))

	prevThreshold, prevInc := st.Threshold(), st.Increment()
	for i := 0; i < 50; i++ {
		st.Advance()
		require.Equal(t, prevThreshold+prevInc, st.Threshold())
		require.LessOrEqual(t, st.Increment(), 20*base)
		require.GreaterOrEqual(t, st.Increment(), prevInc)
		prevThreshold, prevInc = st.Threshold(), st.Increment()
	}
	require.Equal(t, 20*base, st.Increment())

	st.ResetTimers()
	require.Equal(t, base, st.Threshold())
	require.Equal(t, base, st.Increment())
}

func TestStallTimerTolerance(t *testing.T) {
	require.Equal(t, 50*time.Millisecond+TimingError, NewStallTimer(50*time.Millisecond).TimingTolerance())
}
