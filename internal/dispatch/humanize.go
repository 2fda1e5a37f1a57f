package dispatch

import (
	"math/rand"
	"sync"
	"time"

	"modbot/internal/config"
)

// defaultBaseDelays maps platform log subtypes to [min,max] millisecond
// ranges. A reaction to a member joining reads plausibly slower than a
// reaction to a cosmetic thread change.
var defaultBaseDelays = map[string]config.DelayRange{
	"member.joined": {MinMS: 4000, MaxMS: 9000},
	"member.left":   {MinMS: 3000, MaxMS: 7000},
	"thread.name":   {MinMS: 1000, MaxMS: 2500},
	"thread.color":  {MinMS: 800, MaxMS: 2000},
	"thread.icon":   {MinMS: 800, MaxMS: 2000},
	"user.nickname": {MinMS: 1200, MaxMS: 3000},
}

var fallbackDelay = config.DelayRange{MinMS: 1000, MaxMS: 3000}

// Humanizer computes the optional pre-dispatch suspension:
// base(subtype) * circadian(hour) + jitter.
type Humanizer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewHumanizer() *Humanizer {
	return &Humanizer{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (h *Humanizer) Delay(cfg config.HumanizeConfig, subtype string, now time.Time) time.Duration {
	r, ok := cfg.BaseDelays[subtype]
	if !ok {
		r, ok = defaultBaseDelays[subtype]
		if !ok {
			r = fallbackDelay
		}
	}
	if r.MaxMS < r.MinMS {
		r.MaxMS = r.MinMS
	}

	h.mu.Lock()
	base := r.MinMS
	if span := r.MaxMS - r.MinMS; span > 0 {
		base += h.rng.Intn(span + 1)
	}
	// Jitter up to 15% on top of the scaled base.
	jitterFrac := h.rng.Float64() * 0.15
	h.mu.Unlock()

	scaled := float64(base) * circadianMultiplier(cfg, now.Hour())
	scaled += scaled * jitterFrac
	if scaled < 0 {
		scaled = 0
	}
	return time.Duration(scaled) * time.Millisecond
}

// circadianMultiplier attenuates reactions by hour of day: slower during
// the configured night window, slightly faster during the peak window.
func circadianMultiplier(cfg config.HumanizeConfig, hour int) float64 {
	night := cfg.NightFactor
	if night <= 0 {
		night = 2.0
	}
	peak := cfg.PeakFactor
	if peak <= 0 {
		peak = 0.8
	}
	if inHourWindow(hour, cfg.NightStart, cfg.NightEnd) {
		return night
	}
	if inHourWindow(hour, cfg.PeakStart, cfg.PeakEnd) {
		return peak
	}
	return 1.0
}

// inHourWindow checks hour membership in [start,end), wrapping past
// midnight when start > end. A zero-width window matches nothing.
func inHourWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
