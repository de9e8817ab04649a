package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestMockTimerFiresAtDeadline(t *testing.T) {
	t.Parallel()
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(90 * time.Second)

	clock.Advance(89 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case got := <-timer.C():
		assert.Equal(t, epoch.Add(90*time.Second), got)
	default:
		t.Fatal("timer did not fire")
	}
}

func TestMockTimerStopAndReset(t *testing.T) {
	t.Parallel()
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(time.Minute)

	assert.True(t, timer.Stop())
	assert.Equal(t, 0, clock.PendingTimers())
	clock.Advance(2 * time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}

	assert.False(t, timer.Reset(time.Minute))
	require.Equal(t, 1, clock.PendingTimers())
	clock.Advance(59 * time.Second)
	assert.Equal(t, 1, clock.PendingTimers())
	clock.Advance(time.Second)
	<-timer.C()
	assert.Equal(t, 0, clock.PendingTimers())
}

func TestMockTicker(t *testing.T) {
	t.Parallel()
	clock := NewMockClock(epoch)
	ticker := clock.NewTicker(5 * time.Second)

	for i := 1; i <= 3; i++ {
		clock.Advance(5 * time.Second)
		got := <-ticker.C()
		assert.Equal(t, epoch.Add(time.Duration(i)*5*time.Second), got)
	}

	ticker.Stop()
	clock.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
