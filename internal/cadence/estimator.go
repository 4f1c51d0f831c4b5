// Package cadence turns wrapping revolution/event-time counters into rates.
package cadence

import (
	"math"
	"sync"
)

const (
	DefaultRate         = 0.5
	DefaultMaxRateCount = 3
)

// EstimatorConfig configures an Estimator.
// Time values passed to Calculate are already scaled by the event-time field's
// resolution, so MaxTime is the counter modulus times that resolution.
type EstimatorConfig struct {
	Resolution   float64
	MaxRevs      float64
	MaxTime      float64
	Rate         float64 // samples closer than this are treated as duplicates
	MaxRateCount int     // consecutive duplicates before one is forced through
	Format       func(float64) float64
}

// Estimator computes a rate from successive (revs, time) counter samples.
// One instance per physical sensor channel.
type Estimator struct {
	mu  sync.Mutex
	cfg EstimatorConfig

	seeded    bool
	lastRevs  float64
	lastTime  float64
	value     float64
	rateCount int
}

func NewEstimator(cfg EstimatorConfig) *Estimator {
	if cfg.Resolution == 0 {
		cfg.Resolution = 1
	}
	if cfg.Rate == 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.MaxRateCount == 0 {
		cfg.MaxRateCount = DefaultMaxRateCount
	}
	if cfg.Format == nil {
		cfg.Format = func(v float64) float64 { return v }
	}
	return &Estimator{cfg: cfg}
}

// PerMinute formats revolutions per second as whole revolutions per minute
func PerMinute(v float64) float64 {
	return math.Round(v * 60)
}

// CrankRPM is the estimator used for power meter crank data:
// 16 bit revolutions and a 16 bit event time in 1/1024 s.
func CrankRPM() *Estimator {
	return NewEstimator(EstimatorConfig{
		Resolution: 1,
		MaxRevs:    1 << 16,
		MaxTime:    (1 << 16) / 1024.0,
		Format:     PerMinute,
	})
}

// WheelRevsPerSecond is the estimator used for CSC wheel data:
// 32 bit revolutions and a 16 bit event time in 1/1024 s. The rate is left in
// revolutions per second so speed keeps its precision.
func WheelRevsPerSecond() *Estimator {
	return NewEstimator(EstimatorConfig{
		Resolution: 1,
		MaxRevs:    1 << 32,
		MaxTime:    (1 << 16) / 1024.0,
	})
}

// Calculate feeds one sample and returns the current rate
func (e *Estimator) Calculate(revs, time float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seeded {
		e.seeded = true
		e.lastRevs = revs
		e.lastTime = time
		e.value = 0
		return 0
	}

	if e.underRate(time) {
		return e.value
	}

	if revs == e.lastRevs {
		e.lastTime = time
		e.value = 0
		return 0
	}

	lastTime := e.lastTime
	lastRevs := e.lastRevs
	// only a single wrap between samples is accounted for
	if time < lastTime {
		lastTime -= e.cfg.MaxTime
	}
	if revs < lastRevs {
		lastRevs -= e.cfg.MaxRevs
	}

	// a forced duplicate has no elapsed time to divide by
	if time-lastTime <= 0 {
		return e.value
	}

	e.value = e.cfg.Format((revs - lastRevs) / ((time - lastTime) / e.cfg.Resolution))
	e.lastRevs = revs
	e.lastTime = time
	return e.value
}

func (e *Estimator) underRate(time float64) bool {
	if e.rateCount >= e.cfg.MaxRateCount {
		e.rateCount = 0
		return false
	}
	// a wrapped time is never a duplicate
	if time == e.lastTime || (time > e.lastTime && time-e.lastTime < e.cfg.Rate) {
		e.rateCount++
		return true
	}
	e.rateCount = 0
	return false
}

// SetMaxRateCount replaces the number of consecutive duplicates tolerated
func (e *Estimator) SetMaxRateCount(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > 0 {
		e.cfg.MaxRateCount = n
	}
}

func (e *Estimator) MaxRateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.MaxRateCount
}

// Value returns the last computed rate
func (e *Estimator) Value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// Reset clears the stored sample so the next Calculate seeds again
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeded = false
	e.lastRevs = 0
	e.lastTime = 0
	e.value = 0
	e.rateCount = 0
}
