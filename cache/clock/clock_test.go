package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowStartsAtOne(t *testing.T) {
	c := New()
	defer c.Close()
	require.EqualValues(t, 1, c.Now())
}

func TestNowAdvancesWithWallClock(t *testing.T) {
	c := New()
	defer c.Close()

	// Now starts at 1, so only a value past it shows the clock advanced.
	require.Eventually(t, func() bool {
		return c.Now() >= 2
	}, 3*time.Second, 50*time.Millisecond)
}

func TestStartedIsStableAfterAdvance(t *testing.T) {
	c := New()
	defer c.Close()
	started := c.Started()

	require.Eventually(t, func() bool {
		return c.Now() >= 2
	}, 3*time.Second, 50*time.Millisecond)

	require.Equal(t, started, c.Started())
}

func TestCloseStopsTheTicker(t *testing.T) {
	c := New()
	c.Close()
	require.NotPanics(t, func() { _ = c.Now() })
}
