package transfer

import (
	"io"
	"time"
)

// ewma is a simple exponentially weighted moving average speed tracker,
// reporting a smoothed transfer speed in bytes per second.
type ewma struct {
	alpha     float64
	value     float64
	lastSeen  time.Time
	lastBytes int64
	started   bool
}

func newEWMA(alpha float64) *ewma {
	return &ewma{alpha: alpha}
}

// observe folds in a new (time, cumulative bytes) sample and returns the
// current smoothed bytes/sec rate.
func (e *ewma) observe(now time.Time, cumulative int64) float64 {
	if !e.started {
		e.started = true
		e.lastSeen = now
		e.lastBytes = cumulative
		return 0
	}
	elapsed := now.Sub(e.lastSeen).Seconds()
	if elapsed <= 0 {
		return e.value
	}
	delta := cumulative - e.lastBytes
	instant := float64(delta) / elapsed
	if e.value == 0 {
		e.value = instant
	} else {
		e.value = e.alpha*instant + (1-e.alpha)*e.value
	}
	e.lastSeen = now
	e.lastBytes = cumulative
	return e.value
}

const defaultProgressInterval = 200 * time.Millisecond

// progressTracker accumulates bytes transferred and invokes onTick at most
// once per interval "progress events are
// throttled to at most once per 200ms per task" invariant (the interval
// is cfg.ProgressInterval; defaultProgressInterval only covers callers
// that construct a tracker without a config, e.g. tests).
type progressTracker struct {
	now         func() time.Time
	interval    time.Duration
	speed       *ewma
	lastTick    time.Time
	onTick      func(transferred int64, speed float64)
	total       int64
	transferred int64
}

func newProgressTracker(now func() time.Time, total int64, onTick func(int64, float64)) *progressTracker {
	return newProgressTrackerWithInterval(now, defaultProgressInterval, total, onTick)
}

func newProgressTrackerWithInterval(now func() time.Time, interval time.Duration, total int64, onTick func(int64, float64)) *progressTracker {
	return &progressTracker{
		now:      now,
		interval: interval,
		speed:    newEWMA(0.3),
		onTick:   onTick,
		total:    total,
	}
}

// add records n additional bytes and fires onTick if the throttle window
// has elapsed. Callers must call flush() once after the last add to
// guarantee a final 100%-accurate tick is delivered.
func (p *progressTracker) add(n int64) {
	p.transferred += n
	now := p.now()
	if p.lastTick.IsZero() || now.Sub(p.lastTick) >= p.interval {
		p.tick(now)
	}
}

func (p *progressTracker) flush() {
	p.tick(p.now())
}

func (p *progressTracker) tick(now time.Time) {
	p.lastTick = now
	speed := p.speed.observe(now, p.transferred)
	if p.onTick != nil {
		p.onTick(p.transferred, speed)
	}
}

// progressReader wraps an io.Reader, feeding every Read into a
// progressTracker. Grounded on the downloader.progressReader,
// which does the identical wrap-and-count to report download progress
// without buffering the whole body.
type progressReader struct {
	r       io.Reader
	tracker *progressTracker
}

func newProgressReader(r io.Reader, tracker *progressTracker) *progressReader {
	return &progressReader{r: r, tracker: tracker}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.tracker.add(int64(n))
	}
	return n, err
}
