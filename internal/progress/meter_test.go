package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMeterRate(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(2000)

	now = now.Add(1 * time.Second)
	m.Add(1000)

	stats := m.Snapshot()
	assert.Equal(t, int64(1000), stats.Bytes)
	assert.InDelta(t, 1000, stats.RateBps, 100)
	assert.InDelta(t, 1000, stats.AvgBps, 100)
	assert.InDelta(t, 50, stats.Percent, 0.01)
	assert.Equal(t, time.Second, stats.Elapsed)
}

func TestMeterEWMASmoothing(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(-1)

	now = now.Add(1 * time.Second)
	m.Add(1000)

	now = now.Add(1 * time.Second)
	m.Add(3000)

	stats := m.Snapshot()
	assert.InDelta(t, 1400, stats.RateBps, 100)
	assert.InDelta(t, 2000, stats.AvgBps, 1)
}

func TestMeterUnknownTotal(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(-5)

	m.Add(10)
	m.Add(0)
	m.Add(-3)

	stats := m.Snapshot()
	assert.Equal(t, int64(-1), stats.Total)
	assert.Equal(t, int64(10), stats.Bytes)
	assert.Zero(t, stats.Percent)
	assert.Zero(t, stats.RateBps, "no time passed")
}
