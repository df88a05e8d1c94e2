package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/config"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestSettleAll_NoFailFast(t *testing.T) {
	t.Parallel()

	var ran atomic.Int32
	items := []int{1, 2, 3, 4, 5}
	err := settleAll(context.Background(), items, config.StageConfig{BatchSize: 2}, noSleep, func(_ context.Context, n int) error {
		ran.Add(1)
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, int32(5), ran.Load())
	assert.Contains(t, err.Error(), "even")
}

func TestSettleAll_BoundsConcurrencyAndSleepsBetweenBatches(t *testing.T) {
	t.Parallel()

	var (
		mu         sync.Mutex
		active     int
		peak       int
		sleeps     []time.Duration
		items      = make([]int, 7)
		stageConf  = config.StageConfig{BatchSize: 3, BatchDelayMS: 250}
		recordWait = func(_ context.Context, d time.Duration) error {
			mu.Lock()
			sleeps = append(sleeps, d)
			mu.Unlock()
			return nil
		}
	)
	err := settleAll(context.Background(), items, stageConf, recordWait, func(context.Context, int) error {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, 3)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, sleeps)
}

func TestSettleAll_StopsWhenCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	err := settleAll(ctx, []int{1, 2, 3, 4}, config.StageConfig{BatchSize: 2}, noSleep, func(context.Context, int) error {
		ran.Add(1)
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), ran.Load())
}

func TestSettleAll_Empty(t *testing.T) {
	t.Parallel()

	err := settleAll(context.Background(), []int(nil), config.StageConfig{}, noSleep, func(context.Context, int) error {
		t.Fatal("not called")
		return nil
	})
	assert.NoError(t, err)
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	assert.NoError(t, sleepCtx(context.Background(), 0))
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
