package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	Fixed          = "fixed"
	Linear         = "linear"
	Exponential    = "exponential"
	ExpEqualJitter = "exp_equal_jitter"
	ExpFullJitter  = "exp_full_jitter"
)

// Compute returns a delay in seconds for the given retry number (1 for the
// first retry). Unknown policies behave like exp_full_jitter.
func Compute(policy string, baseSeconds int, maxSeconds int, retry int, rng *rand.Rand) int {
	step := retry - 1
	if step < 0 {
		step = 0
	}
	if baseSeconds <= 0 {
		baseSeconds = 1
	}
	if maxSeconds <= 0 {
		maxSeconds = baseSeconds
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	exp := func() int {
		return min(int(float64(baseSeconds)*math.Pow(2, float64(step))), maxSeconds)
	}

	switch policy {
	case Fixed:
		return min(baseSeconds, maxSeconds)
	case Linear:
		return min(baseSeconds*(step+1), maxSeconds)
	case Exponential:
		return exp()
	case ExpEqualJitter:
		half := exp() / 2
		return half + rng.Intn(half+1)
	default:
		d := exp()
		if d <= 0 {
			return 0
		}
		return rng.Intn(d + 1)
	}
}

// Policy is a goroutine-safe retry schedule.
type Policy struct {
	Name string
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPolicy(name string, base, max time.Duration) *Policy {
	return &Policy{
		Name: name,
		Base: base,
		Max:  max,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay is the wait before the given retry. A zero base disables waiting.
func (p *Policy) Delay(retry int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	secs := Compute(p.Name, int(p.Base/time.Second), int(p.Max/time.Second), retry, p.rng)
	return time.Duration(secs) * time.Second
}
