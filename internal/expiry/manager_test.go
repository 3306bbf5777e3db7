package expiry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestManager_Fires(t *testing.T) {
	m := NewManager()
	fired := make(chan struct{})
	m.Schedule("/a", 10*time.Millisecond, func() { close(fired) })
	assert.Equal(t, 1, m.Len())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, m.Len())
}

func TestManager_Cancel(t *testing.T) {
	m := NewManager()
	var calls atomic.Int32
	m.Schedule("/a", 20*time.Millisecond, func() { calls.Add(1) })

	require.True(t, m.Cancel("/a"))
	require.False(t, m.Cancel("/a"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestManager_RescheduleReplaces(t *testing.T) {
	m := NewManager()
	var first, second atomic.Int32
	m.Schedule("/a", 20*time.Millisecond, func() { first.Add(1) })
	m.Schedule("/a", 30*time.Millisecond, func() { second.Add(1) })
	assert.Equal(t, 1, m.Len())

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestManager_NonPositiveTTL(t *testing.T) {
	m := NewManager()
	m.Schedule("/a", 0, func() { t.Error("should not fire") })
	m.Schedule("/b", -time.Second, func() { t.Error("should not fire") })
	assert.Equal(t, 0, m.Len())
}

func TestManager_Stop(t *testing.T) {
	m := NewManager()
	var calls atomic.Int32
	m.Schedule("/a", 20*time.Millisecond, func() { calls.Add(1) })
	m.Schedule("/b", 20*time.Millisecond, func() { calls.Add(1) })
	m.Stop()
	m.Schedule("/c", time.Millisecond, func() { calls.Add(1) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, m.Len())
}
