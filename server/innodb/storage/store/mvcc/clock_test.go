package mvcc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridClock(t *testing.T) {
	t.Run("物理时间不变时逻辑计数递增", func(t *testing.T) {
		frozen := time.Unix(1700000000, 0)
		clock := NewHybridClockWithWall(0, func() time.Time { return frozen })
		a := clock.Now()
		b := clock.Now()
		assert.Equal(t, a.Physical, b.Physical)
		assert.True(t, a.Less(b))
		assert.Equal(t, a.Logical+1, b.Logical)
	})

	t.Run("物理时间回拨不影响单调性", func(t *testing.T) {
		now := time.Unix(1700000000, 0)
		clock := NewHybridClockWithWall(0, func() time.Time { return now })
		a := clock.Now()
		now = now.Add(-time.Second)
		b := clock.Now()
		assert.True(t, a.Less(b))
	})

	t.Run("并发调用严格递增且不重复", func(t *testing.T) {
		clock := NewHybridClock(0)
		const workers, per = 8, 500
		results := make(chan Timestamp, workers*per)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				prev := ZeroTimestamp
				for j := 0; j < per; j++ {
					ts := clock.Now()
					assert.True(t, prev.Less(ts))
					prev = ts
					results <- ts
				}
			}()
		}
		wg.Wait()
		close(results)
		seen := make(map[Timestamp]bool)
		for ts := range results {
			require.False(t, seen[ts], "duplicate %s", ts)
			seen[ts] = true
		}
	})

	t.Run("合并远端时间戳", func(t *testing.T) {
		now := time.Unix(1700000000, 0)
		clock := NewHybridClockWithWall(time.Second, func() time.Time { return now })
		remote := Timestamp{Physical: now.UnixNano()/int64(time.Millisecond) + 500, Logical: 7}
		ts, err := clock.Update(remote)
		require.NoError(t, err)
		assert.True(t, remote.Less(ts))
		assert.True(t, ts.Less(clock.Now()))

		tooFar := Timestamp{Physical: now.UnixNano()/int64(time.Millisecond) + 5000}
		_, err = clock.Update(tooFar)
		assert.Error(t, err)
	})
}

func TestParseIsolationLevel(t *testing.T) {
	for in, want := range map[string]IsolationLevel{
		"read committed":  ReadCommitted,
		"SNAPSHOT":        SnapshotIsolation,
		"repeatable_read": RepeatableRead,
		"Serializable":    Serializable,
	} {
		got, err := ParseIsolationLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseIsolationLevel("chaos")
	assert.Error(t, err)
	assert.True(t, Serializable.UsesLocking())
	assert.False(t, SnapshotIsolation.UsesLocking())
}
