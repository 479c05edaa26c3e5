package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBaseDelay(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first attempt", 1, 5 * time.Second},
		{"second attempt", 2, 30 * time.Second},
		{"third attempt", 3, 2 * time.Minute},
		{"last tabled attempt", 10, 24 * time.Hour},
		{"beyond table clamps to last entry", 25, 24 * time.Hour},
		{"zero or negative clamps to first entry", 0, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BaseDelay(tt.attempt))
		})
	}
}

func TestNextAttemptAt_FullJitter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for attempt := 1; attempt <= len(Schedule)+2; attempt++ {
		base := BaseDelay(attempt)
		for i := 0; i < 50; i++ {
			got := NextAttemptAt(now, attempt)
			assert.True(t, !got.Before(now), "next attempt must not be before now")
			assert.True(t, !got.After(now.Add(base)), "next attempt must not exceed base delay")
		}
	}
}

func TestBaseDelay_MonotoneNondecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= len(Schedule); attempt++ {
		d := BaseDelay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}
