package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMeter_Defaults(t *testing.T) {
	m := NewMeter(0, 0)
	assert.Equal(t, DefaultThroughputWindow, m.window)
	assert.Equal(t, DefaultSamplePeriod, m.period)
	assert.Zero(t, m.Rate())
	assert.Nil(t, m.History())
}

func TestMeter_RollingRate(t *testing.T) {
	m := NewMeter(3, 500*time.Millisecond)

	m.Add(100)
	m.Sample()
	m.Add(300)
	m.Sample()

	assert.Equal(t, uint64(400), m.Total())
	// 400 bytes over two half-second periods.
	assert.Equal(t, uint64(400), m.Rate())
	assert.Equal(t, []uint64{200, 600}, m.History())
}

func TestMeter_WindowTrims(t *testing.T) {
	m := NewMeter(2, time.Second)
	for _, n := range []int{10, 20, 30} {
		m.Add(n)
		m.Sample()
	}
	assert.Equal(t, []uint64{20, 30}, m.History())
	assert.Equal(t, uint64(25), m.Rate())
	assert.Equal(t, MeterStatus{TotalBytes: 60, BytesPerSecond: 25}, m.Status())
}

func TestMeter_IgnoresNonPositive(t *testing.T) {
	m := NewMeter(1, time.Second)
	m.Add(0)
	m.Add(-5)
	assert.Zero(t, m.Total())
}
