package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsLastFiftyInOrder(t *testing.T) {
	r := NewRing(RingCapacity)
	for i := range 200 {
		r.Push(float64(i))
	}

	got := r.Values()
	require.Len(t, got, RingCapacity)
	for i, v := range got {
		assert.Equal(t, float64(150+i), v)
	}
}

func TestRingPartialFill(t *testing.T) {
	r := NewRing(RingCapacity)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	assert.Equal(t, []float64{1, 2, 3}, r.Values())
	assert.Equal(t, 3, r.Len())
}

func TestRingValuesIsACopy(t *testing.T) {
	r := NewRing(3)
	r.Push(1)
	vals := r.Values()
	vals[0] = 99
	assert.Equal(t, []float64{1}, r.Values())
}

func TestRingReset(t *testing.T) {
	r := NewRing(0)
	for i := range 75 {
		r.Push(float64(i))
	}
	r.Reset()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Values())

	r.Push(7)
	assert.Equal(t, []float64{7}, r.Values())
}
