package conditions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestChecker_NoConditions(t *testing.T) {
	c := &Checker{}
	ok, reason := c.Check()
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestChecker_Memory(t *testing.T) {
	ok, reason := (&Checker{Config: Config{MemoryBelow: intPtr(101)}}).Check()
	assert.True(t, ok, reason)

	ok, reason = (&Checker{Config: Config{MemoryBelow: intPtr(0)}}).Check()
	assert.False(t, ok)
	assert.Contains(t, reason, "memory at")
}

func TestChecker_LoadAvg(t *testing.T) {
	ok, reason := (&Checker{Config: Config{LoadAvgBelow: floatPtr(1000000)}}).Check()
	assert.True(t, ok, reason)

	ok, reason = (&Checker{Config: Config{LoadAvgBelow: floatPtr(0)}}).Check()
	assert.False(t, ok)
	assert.Contains(t, reason, "load at")
}

func TestChecker_DiskFree(t *testing.T) {
	ok, reason := (&Checker{Config: Config{DiskFreeAbove: intPtr(0), DiskFreePath: "/"}}).Check()
	assert.True(t, ok, reason)

	ok, reason = (&Checker{Config: Config{DiskFreeAbove: intPtr(101), DiskFreePath: "/"}}).Check()
	assert.False(t, ok)
	assert.Contains(t, reason, "disk free at")
}

func TestChecker_RSS(t *testing.T) {
	ok, reason := (&Checker{Config: Config{RSSBelowMB: intPtr(1 << 30)}}).Check()
	assert.True(t, ok, reason)

	ok, reason = (&Checker{Config: Config{RSSBelowMB: intPtr(1)}}).Check()
	assert.False(t, ok)
	assert.Contains(t, reason, "rss at")
}

func TestChecker_FirstFailureWins(t *testing.T) {
	c := &Checker{Config: Config{MemoryBelow: intPtr(0), RSSBelowMB: intPtr(1)}}
	ok, reason := c.Check()
	assert.False(t, ok)
	assert.Contains(t, reason, "memory at", "checks run in declaration order")
}
