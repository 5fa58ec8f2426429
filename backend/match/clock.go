package match

import (
	"sync"
	"time"
)

type (
	// Clock hands out tickers. Each match owns its own ticker so a slow match
	// never delays another.
	Clock interface {
		NewTicker(d time.Duration) Ticker
	}

	Ticker interface {
		C() <-chan time.Time
		Stop()
	}
)

type RealClock struct{}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (rt realTicker) C() <-chan time.Time { return rt.t.C }
func (rt realTicker) Stop()               { rt.t.Stop() }

// ManualClock fires its tickers only when Advance is called.
type ManualClock struct {
	mx      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Unix(0, 0)}
}

func (mc *ManualClock) NewTicker(d time.Duration) Ticker {
	mc.mx.Lock()
	defer mc.mx.Unlock()
	t := &manualTicker{
		c:        make(chan time.Time, 1),
		interval: d,
	}
	mc.tickers = append(mc.tickers, t)
	return t
}

// Advance moves the clock forward by one interval of every live ticker and
// returns how many ticks were delivered. Like time.Ticker, a tick is dropped
// if the previous one has not been consumed yet.
func (mc *ManualClock) Advance() int {
	mc.mx.Lock()
	defer mc.mx.Unlock()
	var delivered int
	for _, t := range mc.tickers {
		t.mx.Lock()
		if !t.stopped {
			select {
			case t.c <- mc.now.Add(t.interval):
				delivered++
			default:
			}
		}
		t.mx.Unlock()
	}
	mc.now = mc.now.Add(time.Nanosecond)
	return delivered
}

// Active returns the number of tickers that have not been stopped.
func (mc *ManualClock) Active() int {
	mc.mx.Lock()
	defer mc.mx.Unlock()
	var n int
	for _, t := range mc.tickers {
		t.mx.Lock()
		if !t.stopped {
			n++
		}
		t.mx.Unlock()
	}
	return n
}

type manualTicker struct {
	mx       sync.Mutex
	c        chan time.Time
	interval time.Duration
	stopped  bool
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.mx.Lock()
	t.stopped = true
	t.mx.Unlock()
}
