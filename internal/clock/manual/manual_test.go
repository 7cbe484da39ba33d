package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := New(start)
	assert.Equal(t, start, clk.Now())

	clk.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), clk.Now())

	clk.Set(start)
	assert.Equal(t, start, clk.Now())
}
