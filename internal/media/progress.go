package media

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ProgressTracker turns the key=value lines ffmpeg writes with
// `-progress pipe:1` into a completion percentage.
type ProgressTracker struct {
	duration time.Duration
	position time.Duration
	percent  float64
	done     bool
}

func NewProgressTracker(duration time.Duration) *ProgressTracker {
	return &ProgressTracker{duration: duration}
}

func (t *ProgressTracker) Percent() float64 {
	return t.percent
}

func (t *ProgressTracker) Done() bool {
	return t.done
}

// Feed consumes one line and reports the new percentage when it advanced.
// Unknown keys, malformed values and positions that move backwards are ignored.
func (t *ProgressTracker) Feed(line string) (float64, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok || t.done {
		return t.percent, false
	}

	switch key {
	case "progress":
		if value != "end" {
			return t.percent, false
		}
		t.done = true
		return t.set(100)
	case "out_time_us", "out_time_ms":
		// ffmpeg reports both keys in microseconds.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return t.percent, false
		}
		return t.advance(time.Duration(us) * time.Microsecond)
	case "out_time":
		pos, err := parseClock(value)
		if err != nil {
			return t.percent, false
		}
		return t.advance(pos)
	}
	return t.percent, false
}

func (t *ProgressTracker) advance(pos time.Duration) (float64, bool) {
	if pos <= t.position || t.duration <= 0 {
		return t.percent, false
	}
	t.position = pos
	pct := float64(pos) / float64(t.duration) * 100
	// 100 is reserved for progress=end.
	return t.set(math.Min(pct, 99.9))
}

func (t *ProgressTracker) set(pct float64) (float64, bool) {
	if pct <= t.percent {
		return t.percent, false
	}
	t.percent = pct
	return pct, true
}

// parseClock reads HH:MM:SS.micro.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, strconv.ErrSyntax
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, strconv.ErrSyntax
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, strconv.ErrSyntax
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || sec < 0 || sec >= 60 {
		return 0, strconv.ErrSyntax
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec*float64(time.Second)), nil
}
