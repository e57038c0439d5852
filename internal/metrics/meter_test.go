package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeterWeightedMean(t *testing.T) {
	var m Meter
	m.Update(2.0, 3)
	m.Update(4.0, 1)

	assert.Equal(t, 4.0, m.Val())
	assert.InDelta(t, (2.0*3+4.0*1)/4.0, m.Avg(), 1e-12)
	assert.Equal(t, 4.0, m.Count())
}

func TestMeterReset(t *testing.T) {
	var m Meter
	m.Update(1.5, 2)
	m.Reset()

	assert.Zero(t, m.Count())
	assert.Zero(t, m.Avg())
	assert.Zero(t, m.Val())
}

func TestMeterZeroWeightCountsAsOne(t *testing.T) {
	var m Meter
	m.Update(3.0, 0)
	assert.Equal(t, 1.0, m.Count())
	assert.Equal(t, 3.0, m.Avg())
}

func TestSetResetClearsAllMeters(t *testing.T) {
	s := NewSet()
	s.Update("loss", 0.7, 128)
	s.Update("acc", 91.2, 128)

	assert.InDelta(t, 0.7, s.Get("loss").Avg(), 1e-12)

	s.Reset()
	assert.Zero(t, s.Get("loss").Count())
	assert.Zero(t, s.Get("acc").Count())
}
