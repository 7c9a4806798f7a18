package utskick

import (
	"testing"
	"time"
)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextFireBeforeAnchor(t *testing.T) {
	anchor := at("2024-06-01T10:00")
	now := at("2024-05-01T00:00")

	for _, period := range []Period{PeriodDisabled, PeriodDaily, PeriodWeekly, PeriodMonthly} {
		got := NextFire(anchor, period, now)
		if !got.Equal(anchor) {
			t.Errorf("period %s: expected anchor %v back, got %v", period, anchor, got)
		}
	}
}

func TestNextFireIdempotent(t *testing.T) {
	anchor := at("2024-01-01T10:00")
	now := at("2024-02-20T13:37")

	for _, period := range []Period{PeriodDisabled, PeriodDaily, PeriodWeekly, PeriodMonthly} {
		first := NextFire(anchor, period, now)
		second := NextFire(anchor, period, now)
		if !first.Equal(second) {
			t.Errorf("period %s: two calls with same inputs gave %v and %v", period, first, second)
		}
	}
}

func TestNextFireDaily(t *testing.T) {
	anchor := at("2024-01-01T10:00")
	now := time.Date(2024, 1, 2, 9, 30, 45, 123, time.UTC)

	got := NextFire(anchor, PeriodDaily, now)
	want := at("2024-01-02T09:32")
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got.Second() != 0 || got.Nanosecond() != 0 {
		t.Errorf("result not minute truncated: %v", got)
	}
}

func TestNextFireWeekly(t *testing.T) {
	anchor := at("2024-01-01T10:00")
	now := at("2024-01-10T09:00")

	got := NextFire(anchor, PeriodWeekly, now)
	want := at("2024-01-15T10:00")
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestNextFireWeeklySameDay(t *testing.T) {
	anchor := at("2024-01-01T10:00")
	now := at("2024-01-01T11:00")

	got := NextFire(anchor, PeriodWeekly, now)
	want := at("2024-01-08T10:00")
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestNextFireMonthlyClamped(t *testing.T) {
	anchor := at("2024-01-31T10:00")

	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{now: at("2024-03-15T00:00"), want: at("2024-03-31T10:00")},
		{now: at("2024-02-15T00:00"), want: at("2024-02-29T10:00")}, // leap year clamp
		{now: at("2024-03-31T11:00"), want: at("2024-04-30T10:00")},
	}

	for _, c := range cases {
		got := NextFire(anchor, PeriodMonthly, c.now)
		if !got.Equal(c.want) {
			t.Errorf("now %v: expected %v, got %v", c.now, c.want, got)
		}
	}
}

func TestNextFireMonthlyNonLeap(t *testing.T) {
	anchor := at("2023-01-31T08:00")
	now := at("2023-02-01T00:00")

	got := NextFire(anchor, PeriodMonthly, now)
	want := at("2023-02-28T08:00")
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestNextFireDisabledLeavesScheduleAlone(t *testing.T) {
	anchor := at("2024-01-01T10:00")
	now := at("2024-06-01T10:00")

	got := NextFire(anchor, PeriodDisabled, now)
	if !got.Equal(anchor) {
		t.Errorf("expected %v, got %v", anchor, got)
	}
}

func TestResolveStatus(t *testing.T) {
	cases := []struct {
		name      string
		firstSent time.Time
		lastSent  *time.Time
		now       time.Time
		want      Status
	}{
		{
			name:      "launched once first send has passed",
			firstSent: at("2024-01-01T00:00"),
			now:       at("2024-01-02T00:00"),
			want:      StatusLaunched,
		},
		{
			name:      "completed once last send has passed",
			firstSent: at("2024-01-01T00:00"),
			lastSent:  ptr(at("2024-01-05T00:00")),
			now:       at("2024-01-06T00:00"),
			want:      StatusCompleted,
		},
		{
			name:      "created before first send",
			firstSent: at("2024-06-01T00:00"),
			now:       at("2024-05-01T00:00"),
			want:      StatusCreated,
		},
		{
			name:      "still launched at the last send minute",
			firstSent: at("2024-01-01T00:00"),
			lastSent:  ptr(at("2024-01-05T00:00")),
			now:       at("2024-01-05T00:00"),
			want:      StatusLaunched,
		},
		{
			name:      "launched at exactly first send",
			firstSent: at("2024-01-01T10:00"),
			now:       time.Date(2024, 1, 1, 10, 0, 59, 0, time.UTC),
			want:      StatusLaunched,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ResolveStatus(c.firstSent, c.lastSent, c.now)
			if got != c.want {
				t.Errorf("expected %s, got %s", c.want, got)
			}
		})
	}
}

func ptr(t time.Time) *time.Time {
	return &t
}
