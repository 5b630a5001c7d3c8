package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClockAdvance(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := NewMockClock(base)
	assert.Equal(t, base, clock.Now())

	clock.Advance(250 * time.Millisecond)
	assert.Equal(t, base.Add(250*time.Millisecond), clock.Now())
	assert.Equal(t, 250*time.Millisecond, clock.Since(base))

	clock.Set(base.Add(time.Hour))
	assert.Equal(t, base.Add(time.Hour), clock.Now())
}

func TestMockTickerFiresOnDemand(t *testing.T) {
	t.Parallel()

	clock := NewMockClock(time.Unix(1000, 0))
	ticker := clock.NewTicker(100 * time.Millisecond).(*MockTicker)

	select {
	case <-ticker.C():
		t.Fatal("ticker fired without Tick")
	default:
	}

	clock.Advance(100 * time.Millisecond)
	ticker.Tick()
	got := <-ticker.C()
	assert.Equal(t, clock.Now(), got)
}

func TestRealClockNow(t *testing.T) {
	t.Parallel()

	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, clock.Since(before), time.Duration(0))
}
