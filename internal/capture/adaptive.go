package capture

import (
	"errors"
	"sync"
	"time"
)

// BitrateSetter is the part of Controller the adaptive loop drives.
type BitrateSetter interface {
	SetBitrate(media MediaType, bits int) (int, error)
}

// AdaptiveConfig configures AdaptiveBitrate.
type AdaptiveConfig struct {
	Target         BitrateSetter
	Media          MediaType
	InitialBitrate int
	Range          BitrateRange
	// Cooldown is the minimum spacing between two adjustments.
	Cooldown time.Duration
}

const (
	ewmaAlpha       = 0.3
	warmupSamples   = 3
	stableRequired  = 2
	degradeFactor   = 0.70
	minUpgradeStep  = 100_000
	defaultCooldown = 500 * time.Millisecond
)

// AdaptiveBitrate turns receiver loss/RTT reports into bitrate requests:
// multiplicative decrease on sustained loss, additive increase after a run
// of clean samples. Samples are EWMA-smoothed so one bad report does not move
// the target.
type AdaptiveBitrate struct {
	mu         sync.Mutex
	target     BitrateSetter
	media      MediaType
	rng        BitrateRange
	cooldown   time.Duration
	lastAdjust time.Time
	bitrate    int

	smoothedLoss float64
	smoothedRTT  time.Duration
	samples      int
	stableCount  int
}

func NewAdaptiveBitrate(cfg AdaptiveConfig) (*AdaptiveBitrate, error) {
	if cfg.Target == nil {
		return nil, errors.New("capture: adaptive target is required")
	}
	if !cfg.Range.valid() {
		return nil, errors.New("capture: invalid adaptive bitrate range")
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	initial := cfg.InitialBitrate
	if initial <= 0 {
		initial = cfg.Range.Min
	}
	return &AdaptiveBitrate{
		target:   cfg.Target,
		media:    cfg.Media,
		rng:      cfg.Range,
		cooldown: cooldown,
		bitrate:  cfg.Range.Clamp(initial),
	}, nil
}

// Bitrate is the last requested bitrate.
func (a *AdaptiveBitrate) Bitrate() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bitrate
}

// SetCeiling lowers or raises the maximum the loop ramps up to, e.g. when the
// operator moves the quality slider.
func (a *AdaptiveBitrate) SetCeiling(max int) {
	if a == nil || max <= 0 {
		return
	}
	a.mu.Lock()
	a.rng.Max = max
	if a.rng.Min > max {
		a.rng.Min = max
	}
	clamp := a.bitrate > max
	if clamp {
		a.bitrate = max
	}
	a.mu.Unlock()

	if clamp {
		a.apply(max)
	}
}

// Update feeds one RTT/loss sample, typically from an RTCP receiver report.
func (a *AdaptiveBitrate) Update(rtt time.Duration, loss float64) {
	if a == nil {
		return
	}
	loss = min(max(loss, 0), 1)

	a.mu.Lock()
	a.observe(rtt, loss)

	now := time.Now()
	if a.samples < warmupSamples || (!a.lastAdjust.IsZero() && now.Sub(a.lastAdjust) < a.cooldown) {
		a.mu.Unlock()
		return
	}

	// RTT alone is a long path, not congestion; it only counts together with some loss.
	degrade := a.smoothedLoss >= 0.05 || (a.smoothedRTT >= 300*time.Millisecond && a.smoothedLoss >= 0.02)
	clean := a.smoothedLoss <= 0.01

	switch {
	case degrade:
		a.stableCount = 0
	case clean:
		a.stableCount++
	case a.stableCount > 0:
		a.stableCount--
	}

	next := a.bitrate
	action := "hold"
	if degrade {
		action = "degrade"
		next = a.rng.Clamp(int(float64(next) * degradeFactor))
	} else if a.stableCount >= stableRequired && next < a.rng.Max {
		action = "upgrade"
		next = a.rng.Clamp(next + max(a.rng.Max/20, minUpgradeStep))
		a.stableCount = 0
	}

	if next == a.bitrate {
		a.mu.Unlock()
		return
	}
	prev := a.bitrate
	a.bitrate = next
	a.lastAdjust = now
	loss, rtt = a.smoothedLoss, a.smoothedRTT
	a.mu.Unlock()

	log.Info("adaptive bitrate",
		"action", action,
		"media", a.media.String(),
		"bitrate", next,
		"prev", prev,
		"smoothedLoss", loss,
		"smoothedRTT", rtt.Round(time.Millisecond),
	)
	a.apply(next)
}

func (a *AdaptiveBitrate) apply(bits int) {
	if _, err := a.target.SetBitrate(a.media, bits); err != nil && !errors.Is(err, ErrNotRunning) {
		log.Warn("adaptive bitrate rejected", "bitrate", bits, "error", err)
	}
}

func (a *AdaptiveBitrate) observe(rtt time.Duration, loss float64) {
	a.samples++
	if a.samples == 1 {
		a.smoothedLoss = loss
		a.smoothedRTT = rtt
		return
	}
	a.smoothedLoss = ewmaAlpha*loss + (1-ewmaAlpha)*a.smoothedLoss
	a.smoothedRTT = time.Duration(ewmaAlpha*float64(rtt) + (1-ewmaAlpha)*float64(a.smoothedRTT))
}
