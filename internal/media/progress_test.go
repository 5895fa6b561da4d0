package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker_Feed(t *testing.T) {
	tracker := NewProgressTracker(100 * time.Second)

	steps := []struct {
		line    string
		want    float64
		changed bool
	}{
		{"frame=120", 0, false},
		{"out_time_us=10000000", 10, true},
		{"out_time_ms=10000000", 10, false},
		{"out_time=00:00:30.000000", 30, true},
		{"out_time_us=20000000", 30, false},
		{"out_time_us=garbage", 30, false},
		{"out_time=-00:00:00.000000", 30, false},
		{"out_time=1:2", 30, false},
		{"no separator", 30, false},
		{"progress=continue", 30, false},
		{"out_time=00:01:40.500000", 99.9, true},
		{"progress=end", 100, true},
		{"out_time_us=1", 100, false},
	}
	for _, step := range steps {
		got, changed := tracker.Feed(step.line)
		assert.InDelta(t, step.want, got, 0.001, step.line)
		assert.Equal(t, step.changed, changed, step.line)
	}
	assert.True(t, tracker.Done())
}

func TestProgressTracker_UnknownDuration(t *testing.T) {
	tracker := NewProgressTracker(0)

	_, changed := tracker.Feed("out_time_us=5000000")
	assert.False(t, changed)
	pct, changed := tracker.Feed("progress=end")
	assert.True(t, changed)
	assert.Equal(t, 100.0, pct)
}

func TestParseClock(t *testing.T) {
	d, err := parseClock("01:02:03.250000")
	assert.NoError(t, err)
	assert.Equal(t, time.Hour+2*time.Minute+3250*time.Millisecond, d)

	for _, bad := range []string{"", "N/A", "00:61:00", "00:00:75", "a:b:c"} {
		_, err := parseClock(bad)
		assert.Error(t, err, bad)
	}
}
