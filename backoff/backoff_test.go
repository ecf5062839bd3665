package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/conduit/backoff"
)

func TestDelay(t *testing.T) {
	tests := []struct {
		name     string
		strategy backoff.Strategy
		attempts int
		want     time.Duration
	}{
		{"constant", backoff.NewConstant(5 * time.Second), 7, 5 * time.Second},
		{"first retry", backoff.NewExponential(time.Second, time.Hour), 0, time.Second},
		{"third retry", backoff.NewExponential(time.Second, time.Hour), 2, 4 * time.Second},
		{"negative attempts", backoff.NewExponential(time.Second, time.Hour), -3, time.Second},
		{"clamped", backoff.NewExponential(time.Second, 10*time.Second), 4, 10 * time.Second},
		{"clamped far out", backoff.NewExponential(time.Second, 10*time.Second), 200, 10 * time.Second},
		{"uncapped", backoff.NewExponential(time.Second, 0), 10, 1024 * time.Second},
		{"uncapped saturates", backoff.NewExponential(time.Second, 0), 500, time.Duration(1<<63 - 1)},
		{"default base", backoff.DefaultStrategy(), 0, 30 * time.Second},
		{"default ceiling", backoff.DefaultStrategy(), 20, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.strategy.Delay(tt.attempts); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
			}
		})
	}
}

func TestExponential_MonotonicUnderCap(t *testing.T) {
	e := backoff.NewExponential(30*time.Second, time.Hour)

	var prev time.Duration
	for attempts := range 70 {
		d := e.Delay(attempts)
		if d < prev || d > time.Hour {
			t.Fatalf("Delay(%d) = %v after %v", attempts, d, prev)
		}
		prev = d
	}
}
