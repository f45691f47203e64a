package ratelimit

import (
	"sync"
	"time"
)

// TierLimits is the contracted send rate of an account tier. PerSecond may be
// fractional: 0.5 means one send every two seconds. PerDay == 0 means the day
// window is unbounded.
type TierLimits struct {
	PerSecond float64
	PerMinute int
	PerHour   int
	PerDay    int
}

// Conservative tier table, deliberately below the provider's own limits.
var tierTable = map[int]TierLimits{
	1: {PerSecond: 0.5, PerMinute: 20, PerHour: 1000, PerDay: 1000},
	2: {PerSecond: 1.0, PerMinute: 50, PerHour: 5000, PerDay: 10000},
	3: {PerSecond: 2.0, PerMinute: 100, PerHour: 50000, PerDay: 100000},
	4: {PerSecond: 5.0, PerMinute: 300, PerHour: 500000, PerDay: 0},
}

// LimitsForTier returns the limit set for an account tier, falling back to
// tier 1 for unknown tiers.
func LimitsForTier(tier int) TierLimits {
	if l, ok := tierTable[tier]; ok {
		return l
	}
	return tierTable[1]
}

type window struct {
	dur   time.Duration
	cap   int
	sends []time.Time
}

// Limiter is a sliding-window admission limiter over four windows
// (second/minute/hour/day). A send at time t is only constrained by sends in
// (t-window, t], so bursts cannot be front-loaded into a bucket boundary.
// Shared by every dispatcher in the process; all window mutations happen
// under one lock.
type Limiter struct {
	mu      sync.Mutex
	tier    int
	limits  TierLimits
	windows []*window

	// now is swappable for deterministic tests.
	now func() time.Time
}

// minWait keeps callers from busy-looping on a window that is about to open.
const minWait = 100 * time.Millisecond

func New(tier int) *Limiter {
	limits := LimitsForTier(tier)

	// A fractional per-second rate becomes a single-slot window of 1/rate
	// seconds, which enforces minimum spacing between sends.
	secDur := time.Second
	secCap := int(limits.PerSecond)
	if limits.PerSecond < 1 {
		secDur = time.Duration(float64(time.Second) / limits.PerSecond)
		secCap = 1
	}

	return &Limiter{
		tier:   tier,
		limits: limits,
		windows: []*window{
			{dur: secDur, cap: secCap},
			{dur: time.Minute, cap: limits.PerMinute},
			{dur: time.Hour, cap: limits.PerHour},
			{dur: 24 * time.Hour, cap: limits.PerDay},
		},
		now: time.Now,
	}
}

// CanSend reports whether the account's contracted rate permits sending now.
// When it does not, the returned duration is the longest wait demanded by any
// window currently at capacity; the caller sleeps and re-checks.
func (l *Limiter) CanSend() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	var wait time.Duration
	for _, w := range l.windows {
		if w.cap <= 0 || len(w.sends) < w.cap {
			continue
		}
		d := w.dur - now.Sub(w.sends[0])
		if d < minWait {
			d = minWait
		}
		if d > wait {
			wait = d
		}
	}
	if wait > 0 {
		return false, wait
	}
	return true, 0
}

// RecordSend appends "now" to all four windows.
func (l *Limiter) RecordSend() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, w := range l.windows {
		w.sends = append(w.sends, now)
	}
}

// WindowUsage is a point-in-time count against one window's capacity.
// Limit == 0 means unbounded.
type WindowUsage struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

type Usage struct {
	Tier      int         `json:"tier"`
	PerSecond WindowUsage `json:"perSecond"`
	PerMinute WindowUsage `json:"perMinute"`
	PerHour   WindowUsage `json:"perHour"`
	PerDay    WindowUsage `json:"perDay"`
}

// Usage reports current consumption per window, for the quality gate's daily
// cap check and for observability.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	return Usage{
		Tier:      l.tier,
		PerSecond: WindowUsage{Used: len(l.windows[0].sends), Limit: l.windows[0].cap},
		PerMinute: WindowUsage{Used: len(l.windows[1].sends), Limit: l.windows[1].cap},
		PerHour:   WindowUsage{Used: len(l.windows[2].sends), Limit: l.windows[2].cap},
		PerDay:    WindowUsage{Used: len(l.windows[3].sends), Limit: l.windows[3].cap},
	}
}

// prune drops timestamps that have aged out of each window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	for _, w := range l.windows {
		i := 0
		for i < len(w.sends) && now.Sub(w.sends[i]) >= w.dur {
			i++
		}
		if i > 0 {
			w.sends = append(w.sends[:0], w.sends[i:]...)
		}
	}
}
