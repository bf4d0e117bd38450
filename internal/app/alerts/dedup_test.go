package alerts

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestShouldSendAlertOncePerWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	d := New(Config{Window: 5 * time.Minute, Clock: clock.Now})

	require.True(t, d.ShouldSendAlert("t1", "CANCELED", "BTCUSDT", "binance"))
	require.False(t, d.ShouldSendAlert("t1", "CANCELED", "BTCUSDT", "binance"))

	clock.Advance(4 * time.Minute)
	require.False(t, d.ShouldSendAlert("t1", "CANCELED", "BTCUSDT", "binance"))

	require.True(t, d.ShouldSendAlert("t1", "REJECTED", "BTCUSDT", "binance"))
	require.True(t, d.ShouldSendAlert("t2", "CANCELED", "BTCUSDT", "binance"))

	clock.Advance(2 * time.Minute)
	require.True(t, d.ShouldSendAlert("t1", "CANCELED", "BTCUSDT", "binance"))
}

func TestKeyIsHourBucketed(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 5, 0, 0, time.UTC)
	require.Equal(t, Key("t", "x", "s", "e", base), Key("t", "x", "s", "e", base.Add(50*time.Minute)))
	require.NotEqual(t, Key("t", "x", "s", "e", base), Key("t", "x", "s", "e", base.Add(time.Hour)))
	require.Equal(t, Key("t", "x", "btcusdt", "BINANCE", base), Key("t", "X", "BTCUSDT", "binance", base))
}

func TestNewHourBucketSendsAgain(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 10, 59, 0, 0, time.UTC)}
	d := New(Config{Window: 5 * time.Minute, Clock: clock.Now})
	require.True(t, d.ShouldSendAlert("t1", "EXPIRED", "ETHUSDT", "binance"))
	clock.Advance(2 * time.Minute)
	require.True(t, d.ShouldSendAlert("t1", "EXPIRED", "ETHUSDT", "binance"))
}

func TestPruneBoundsMemory(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	d := New(Config{Window: time.Minute, PruneThreshold: 3, Clock: clock.Now})
	for i := 0; i < 3; i++ {
		require.True(t, d.ShouldSendAlert(fmt.Sprintf("t%d", i), "CANCELED", "BTCUSDT", "binance"))
	}
	require.Equal(t, 3, d.Len())

	clock.Advance(3 * time.Minute)
	require.True(t, d.ShouldSendAlert("fresh", "CANCELED", "BTCUSDT", "binance"))
	require.Equal(t, 1, d.Len())

	d.Reset()
	require.Zero(t, d.Len())
}

func TestConcurrentDuplicatesSendOnce(t *testing.T) {
	d := New(Config{})
	var sent atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldSendAlert("t1", "CANCELED", "BTCUSDT", "binance") {
				sent.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, sent.Load())
}
