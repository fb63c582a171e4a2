package breaker

import (
	"sync"
	"time"

	"github.com/CryptoLens/lensgate/internal/config"
	"github.com/CryptoLens/lensgate/internal/pkg/logger"
	"github.com/CryptoLens/lensgate/internal/pkg/metrics"
)

// State 熔断器状态
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func stateGaugeValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// Settings 单个服务的熔断阈值，均来自配置
type Settings struct {
	ErrorThresholdPct float64       // failure rate that opens the breaker
	MinimumCalls      int           // calls required before the rate is judged
	Window            time.Duration // failure-counting window
	ResetTimeout      time.Duration // open -> half-open delay
	HalfOpenMaxProbes int           // trial calls allowed while half-open
	HalfOpenSuccesses int           // consecutive successes that close it
}

func SettingsFrom(svc config.ServiceConfig) Settings {
	s := Settings{
		ErrorThresholdPct: svc.ErrorThresholdPct,
		MinimumCalls:      svc.MinimumCalls,
		Window:            time.Duration(svc.WindowSeconds) * time.Second,
		ResetTimeout:      time.Duration(svc.ResetTimeoutMs) * time.Millisecond,
		HalfOpenMaxProbes: svc.HalfOpenMaxProbes,
		HalfOpenSuccesses: svc.HalfOpenSuccesses,
	}
	if s.ErrorThresholdPct <= 0 {
		s.ErrorThresholdPct = 50
	}
	if s.MinimumCalls <= 0 {
		s.MinimumCalls = 5
	}
	if s.Window <= 0 {
		s.Window = time.Minute
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.HalfOpenMaxProbes <= 0 {
		s.HalfOpenMaxProbes = 3
	}
	if s.HalfOpenSuccesses <= 0 {
		s.HalfOpenSuccesses = 2
	}
	return s
}

// Breaker 单个下游服务的独立状态机。所有转换在同一把锁下完成，
// 对并发调用方原子可见。
type Breaker struct {
	name     string
	settings Settings

	mu               sync.Mutex
	state            State
	windowStart      time.Time
	failureCount     int
	callCount        int
	lastTransitionAt time.Time
	halfOpenInFlight int
	halfOpenSuccess  int

	now func() time.Time // test hook
}

func New(name string, settings Settings) *Breaker {
	return &Breaker{
		name:             name,
		settings:         settings,
		state:            StateClosed,
		lastTransitionAt: time.Now(),
		now:              time.Now,
	}
}

// State returns the current state, applying the open->half-open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Allow reports whether a call may proceed and reserves a probe slot in
// half-open. Callers must follow up with Record.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.settings.HalfOpenMaxProbes {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return true
	}
}

// Record feeds one call outcome into the state machine. A timed-out
// call counts as a failure even if the transport never returned.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if !success {
			b.transitionLocked(StateOpen)
			return
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.settings.HalfOpenSuccesses {
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		now := b.now()
		if now.Sub(b.windowStart) >= b.settings.Window {
			b.windowStart = now
			b.failureCount = 0
			b.callCount = 0
		}
		b.callCount++
		if !success {
			b.failureCount++
		}
		if b.callCount >= b.settings.MinimumCalls {
			rate := float64(b.failureCount) / float64(b.callCount) * 100
			if rate >= b.settings.ErrorThresholdPct {
				b.transitionLocked(StateOpen)
			}
		}
	case StateOpen:
		// Late results from calls dispatched before the trip; ignore.
	}
}

// refreshLocked applies the time-driven open -> half-open transition.
func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && b.now().Sub(b.lastTransitionAt) >= b.settings.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastTransitionAt = b.now()
	b.halfOpenInFlight = 0
	b.halfOpenSuccess = 0
	if to == StateClosed {
		b.windowStart = b.now()
		b.failureCount = 0
		b.callCount = 0
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(stateGaugeValue(to))
	logger.Warn("circuit breaker transition", "service", b.name, "from", string(from), "to", string(to))
}

// Registry 持有每个服务的熔断器（进程生命周期内唯一实例）
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

func (r *Registry) Register(name string, settings Settings) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := New(name, settings)
	r.breakers[name] = b
	return b
}

// Get returns the named breaker; unknown services are registered
// lazily with default settings.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b := r.breakers[name]
	r.mu.RUnlock()
	if b != nil {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.breakers[name]; b == nil {
		b = New(name, SettingsFrom(config.ServiceConfig{}))
		r.breakers[name] = b
	}
	return b
}
