package syncer

import "time"

// Backoff computes reconnect delays: Min, then multiplied by Factor on
// each consecutive failure, capped at Max.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff starts at 100ms and caps at 5s, like the Phoenix JS
// client's rejoin schedule.
var DefaultBackoff = Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Min <= 0 {
		b.Min = DefaultBackoff.Min
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Factor < 1 {
		b.Factor = 1
	}
	d := float64(b.Min)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}
