package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if bar.Open != 0 || bar.High != 0 || bar.Low != 0 || bar.Close != 0 {
		t.Error("expected zero OHLC values for zero-value Bar")
	}

	// A nil series reports itself empty.
	var s *Series
	if !s.Empty() || s.Len() != 0 {
		t.Error("nil Series should be empty")
	}
	if !s.Start().IsZero() || !s.End().IsZero() {
		t.Error("nil Series should have zero bounds")
	}

	if StatusRunning.Terminal() {
		t.Error("running must not be terminal")
	}
	for _, st := range []OperationStatus{StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusCancelled} {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
}

func TestParseTimeframe(t *testing.T) {
	for _, tf := range Timeframes {
		got, err := ParseTimeframe(" " + string(tf) + " ")
		if err != nil {
			t.Fatalf("ParseTimeframe(%q): %v", tf, err)
		}
		if got != tf {
			t.Errorf("ParseTimeframe(%q) = %q", tf, got)
		}
	}
	if Timeframe1Day.Duration() != 24*time.Hour {
		t.Errorf("1d duration = %v", Timeframe1Day.Duration())
	}

	_, err := ParseTimeframe("2d")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseTimeframe(2d) error = %v, want ErrInvalidArgument", err)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"tail": ModeTail, "BACKFILL": ModeBackfill, "full": ModeFull}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseMode("latest"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ParseMode(latest) error = %v, want ErrInvalidArgument", err)
	}

	var m Mode
	if err := m.UnmarshalText([]byte("backfill")); err != nil || m != ModeBackfill {
		t.Errorf("UnmarshalText = %v, %v", m, err)
	}
	if _, err := Mode(0).MarshalText(); err == nil {
		t.Error("MarshalText of zero Mode should fail")
	}
}

func TestValidateBars(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	good := []Bar{
		{Timestamp: t0, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
		{Timestamp: t0.Add(24 * time.Hour), Open: 10.5, High: 12, Low: 10, Close: 11, Volume: 200},
	}
	if err := ValidateBars(good); err != nil {
		t.Fatalf("ValidateBars(good): %v", err)
	}

	dup := []Bar{good[0], good[0]}
	if err := ValidateBars(dup); !errors.Is(err, ErrInvalidData) {
		t.Errorf("duplicate timestamps: err = %v, want ErrInvalidData", err)
	}

	reversed := []Bar{good[1], good[0]}
	if err := ValidateBars(reversed); !errors.Is(err, ErrInvalidData) {
		t.Errorf("reversed timestamps: err = %v, want ErrInvalidData", err)
	}

	badOHLC := []Bar{{Timestamp: t0, Open: 10, High: 9.5, Low: 9, Close: 9.2}}
	if err := ValidateBars(badOHLC); !errors.Is(err, ErrInvalidData) {
		t.Errorf("high below open: err = %v, want ErrInvalidData", err)
	}

	nan := []Bar{{Timestamp: t0, Open: math.NaN(), High: 1, Low: 0, Close: 1}}
	if err := ValidateBars(nan); !errors.Is(err, ErrInvalidData) {
		t.Errorf("NaN open: err = %v, want ErrInvalidData", err)
	}
}

func TestTimeRangeContains(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := TimeRange{Start: t0, End: t0.Add(time.Hour)}
	if !r.Contains(t0) {
		t.Error("range should contain its start")
	}
	if r.Contains(t0.Add(time.Hour)) {
		t.Error("range should exclude its end")
	}
	open := TimeRange{Start: t0}
	if !open.Contains(t0.AddDate(10, 0, 0)) {
		t.Error("open-ended range should contain later times")
	}
}
