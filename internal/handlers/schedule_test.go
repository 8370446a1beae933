package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		src   string
	}{
		{"*/5 * * * *", SpecCron, 0, "cron"},
		{"*/10 * * * * *", SpecCron, 0, "cron"},
		{"@hourly", SpecCron, 0, "cron"},
		{"@every 30s", SpecCron, 0, "cron"},
		{"cron:@daily", SpecCron, 0, "cron"},
		{"30s", SpecInterval, 30 * time.Second, "duration"},
		{"02:30", SpecInterval, 2*time.Hour + 30*time.Minute, "hhmm"},
		{"every: 00:50", SpecInterval, 50 * time.Minute, "hhmm"},
		{"interval:2h", SpecInterval, 2 * time.Hour, "duration"},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.kind, ps.Kind, tc.in)
		require.Equal(t, tc.every, ps.Every, tc.in)
		require.Equal(t, tc.src, ps.Source, tc.in)
		_, err = ps.Schedule()
		require.NoError(t, err, tc.in)
	}

	for _, bad := range []string{"", "soon", "0s", "-5m", "00:00", "01:75", "cron:", "* * *", "@fortnightly"} {
		_, err := ParseSchedule(bad)
		require.Error(t, err, bad)
	}
}

func TestParsedSpecSchedule(t *testing.T) {
	ps, err := ParseSchedule("90s")
	require.NoError(t, err)
	s, err := ps.Schedule()
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.Equal(t, base.Add(90*time.Second), s.Next(base))
	require.Equal(t, "every 1m30s", ps.String())

	ps, err = ParseSchedule("0 */15 * * * *")
	require.NoError(t, err)
	s, err = ps.Schedule()
	require.NoError(t, err)
	require.Equal(t, base.Add(15*time.Minute), s.Next(base))
}

func TestIntervalScheduleKeepsSubSecondPrecision(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for in, want := range map[string]time.Duration{
		"interval: 250ms": 250 * time.Millisecond,
		"1500ms":          1500 * time.Millisecond,
		"every:2.5s":      2500 * time.Millisecond,
	} {
		ps, err := ParseSchedule(in)
		require.NoError(t, err, in)
		s, err := ps.Schedule()
		require.NoError(t, err, in)
		require.Equal(t, base.Add(want), s.Next(base), in)
		require.Equal(t, base.Add(2*want), s.Next(s.Next(base)), in)
	}
}
