package cadence

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultCutoff   = 20
	DefaultMaxStill = 3000 * time.Millisecond

	minWindow = 2
	maxWindow = 15

	// the first sample has no predecessor and counts as a one second delta
	firstDelta = 1000.0
)

type LearnerConfig struct {
	Cutoff   int           // samples collected before the window is learned
	MaxStill time.Duration // longest gap a sensor may report the same counter
}

// Sample is one timestamped observation seen by the Learner
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Learner learns how many consecutive duplicate samples a sensor produces,
// reporting it once through onDone and then ignoring further input.
type Learner struct {
	mu     sync.Mutex
	cfg    LearnerConfig
	onDone func(int)

	samples []Sample
	mean    float64 // running mean of timestamp deltas in ms, seeded by firstDelta
	window  int
	done    bool
}

func NewLearner(cfg LearnerConfig, onDone func(int)) *Learner {
	if cfg.Cutoff <= 1 {
		cfg.Cutoff = DefaultCutoff
	}
	if cfg.MaxStill <= 0 {
		cfg.MaxStill = DefaultMaxStill
	}
	return &Learner{
		cfg:     cfg,
		onDone:  onDone,
		samples: make([]Sample, 0, cfg.Cutoff),
	}
}

// Update records a sample. Once the cutoff is reached the window is computed
// and reported, later calls do nothing.
func (l *Learner) Update(ts time.Time, value float64) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}

	delta := firstDelta
	if n := len(l.samples); n > 0 {
		delta = float64(ts.Sub(l.samples[n-1].Timestamp)) / float64(time.Millisecond)
	}
	l.mean += (delta - l.mean) / float64(len(l.samples)+1)
	l.samples = append(l.samples, Sample{Timestamp: ts, Value: value})

	if len(l.samples) < l.cfg.Cutoff {
		l.mu.Unlock()
		return
	}

	l.window = l.compute()
	l.done = true
	window := l.window
	onDone := l.onDone
	l.mu.Unlock()

	if onDone != nil {
		onDone(window)
	}
}

func (l *Learner) compute() int {
	if l.mean <= 0 {
		return maxWindow
	}
	maxStill := float64(l.cfg.MaxStill) / float64(time.Millisecond)
	window := int(math.Round(maxStill/l.mean)) - 1
	if window < minWindow {
		return minWindow
	}
	if window > maxWindow {
		return maxWindow
	}
	return window
}

// Window returns the learned window and whether learning has finished
func (l *Learner) Window() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.window, l.done
}

// Samples returns a copy of the collected samples
func (l *Learner) Samples() []Sample {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Sample, len(l.samples))
	copy(out, l.samples)
	return out
}

func (l *Learner) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}
