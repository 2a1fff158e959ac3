package model_test

import (
	"testing"
	"time"

	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		interval time.Duration
		wantErr  bool
	}{
		{"every_15_minutes", "*/15 * * * *", 15 * time.Minute, false},
		{"hourly", "0 * * * *", time.Hour, false},
		{"macro_hourly", "@hourly", time.Hour, false},
		{"macro_every", "@every 5m", 5 * time.Minute, false},
		{"six_fields_rejected", "0 */2 * * * *", 0, true},
		{"empty", "", 0, true},
		{"garbage", "not a cron", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			interval, err := model.ParseCron(tc.given)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.interval, interval)
		})
	}
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		expected time.Duration
		err      error
	}{
		{"seconds", "PT30S", 30 * time.Second, nil},
		{"minutes", "PT5M", 5 * time.Minute, nil},
		{"hours", "PT2H", 2 * time.Hour, nil},
		{"days", "P1D", 24 * time.Hour, nil},
		{"combined", "P1DT2H30M15S", 26*time.Hour + 30*time.Minute + 15*time.Second, nil},
		{"empty", "", 0, model.ErrISOFormat},
		{"bare_p", "P", 0, model.ErrISOFormat},
		{"bare_pt", "PT", 0, model.ErrISOFormat},
		{"fractional", "PT1.5S", 0, model.ErrISOFormat},
		{"weeks_unsupported", "P2W", 0, model.ErrISOFormat},
		{"go_style", "30s", 0, model.ErrISOFormat},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got, err := model.ParseISODuration(tc.given)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestScheduleInterval(t *testing.T) {
	t.Parallel()
	str := func(s string) *string { return &s }

	t.Run("duration", func(t *testing.T) {
		s := &model.Schedule{Duration: str("PT45S")}
		d, err := s.Interval()
		require.NoError(t, err)
		require.Equal(t, 45*time.Second, d)
	})
	t.Run("cron", func(t *testing.T) {
		s := &model.Schedule{Cron: str("*/10 * * * *")}
		d, err := s.Interval()
		require.NoError(t, err)
		require.Equal(t, 10*time.Minute, d)
	})
	t.Run("nil", func(t *testing.T) {
		var s *model.Schedule
		_, err := s.Interval()
		require.Error(t, err)
	})
	t.Run("empty", func(t *testing.T) {
		_, err := (&model.Schedule{}).Interval()
		require.Error(t, err)
	})
}
