package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testSettings() Settings {
	return Settings{
		ErrorThresholdPct: 50,
		MinimumCalls:      4,
		Window:            time.Minute,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 2,
		HalfOpenSuccesses: 2,
	}
}

// newTestBreaker pins the breaker clock so transitions are deterministic.
func newTestBreaker() (*Breaker, *time.Time) {
	b := New("onchain", testSettings())
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	b.lastTransitionAt = now
	b.windowStart = now
	return b, &now
}

func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	b, _ := newTestBreaker()

	// 三次全失败，但还没到 MinimumCalls，不能判定
	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	b.Record(true)
	b.Record(true)
	b.Record(false)
	assert.Equal(t, StateClosed, b.State())

	b.Record(false) // 4 calls, 50% failures
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerOpenIgnoresLateResults(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.Record(false)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// 熔断前派发的调用此时才返回：不影响打开状态
	b.Record(true)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b, now := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.Record(false)
	}
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// 半开只放行 HalfOpenMaxProbes 个探测
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
}

func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	b, now := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.Record(false)
	}
	*now = now.Add(31 * time.Second)

	assert.True(t, b.Allow())
	b.Record(true)
	assert.Equal(t, StateHalfOpen, b.State())

	assert.True(t, b.Allow())
	b.Record(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b, now := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.Record(false)
	}
	*now = now.Add(31 * time.Second)

	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerWindowExpiryResetsCounts(t *testing.T) {
	b, now := newTestBreaker()

	b.Record(false)
	b.Record(false)
	*now = now.Add(2 * time.Minute)

	// 新窗口：旧失败不再计入
	b.Record(true)
	b.Record(false)
	b.Record(true)
	b.Record(true) // 4 calls, 25% < 50%
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistryLazyRegistration(t *testing.T) {
	r := NewRegistry()
	b := r.Get("sentiment")
	assert.NotNil(t, b)
	assert.Same(t, b, r.Get("sentiment"))

	registered := r.Register("team", testSettings())
	assert.Same(t, registered, r.Get("team"))
}
