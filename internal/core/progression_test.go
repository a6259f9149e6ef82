package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgression(t *testing.T) {
	p := NewProgression()
	var seen []int
	remove := p.OnChange(func(v int) { seen = append(seen, v) })

	p.Set(10)
	p.Increment(5)
	p.Set(12) // lower values are ignored
	p.Set(15)
	remove()
	p.Set(20)

	assert.Equal(t, []int{10, 15}, seen)
	assert.Equal(t, 20, p.Value())
	assert.False(t, p.Cancelled())
	p.Cancel()
	assert.True(t, p.Cancelled())
}
