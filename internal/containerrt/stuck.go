package containerrt

import (
	"context"
	"time"
)

// StuckDetector implements the container-stuck detector: if the last
// 100 log lines of a container do not change for 10 min, kill it. One
// instance tracks one container across supervision ticks.
type StuckDetector struct {
	rt          RuntimeAPI
	id          string
	lastTail    string
	lastChanged time.Time
	threshold   time.Duration
}

// NewStuckDetector starts tracking id as of now.
func NewStuckDetector(rt RuntimeAPI, id string, threshold time.Duration) *StuckDetector {
	return &StuckDetector{rt: rt, id: id, threshold: threshold, lastChanged: time.Now()}
}

// Poll reads the container's last 100 log lines; if they differ from
// the previous poll it resets the stuck clock. It returns true once the
// tail has been unchanged for longer than threshold, at which point the
// caller is expected to kill the container.
func (d *StuckDetector) Poll(ctx context.Context) (stuck bool, err error) {
	stdout, stderr, err := d.rt.TailLogs(ctx, d.id, 100, 0)
	if err != nil {
		return false, err
	}
	tail := stdout + "\x00" + stderr
	if tail != d.lastTail {
		d.lastTail = tail
		d.lastChanged = time.Now()
		return false, nil
	}
	return time.Since(d.lastChanged) >= d.threshold, nil
}
