package mvcc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Timestamp 混合逻辑时钟值，物理部分为毫秒
type Timestamp struct {
	Physical int64  // 物理时间(ms)
	Logical  uint32 // 同一毫秒内的逻辑计数
}

// ZeroTimestamp 比任何时钟产生的值都小
var ZeroTimestamp = Timestamp{}

// Compare 返回 -1/0/1
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.Physical < other.Physical:
		return -1
	case ts.Physical > other.Physical:
		return 1
	case ts.Logical < other.Logical:
		return -1
	case ts.Logical > other.Logical:
		return 1
	}
	return 0
}

func (ts Timestamp) Less(other Timestamp) bool   { return ts.Compare(other) < 0 }
func (ts Timestamp) After(other Timestamp) bool  { return ts.Compare(other) > 0 }
func (ts Timestamp) LessEq(other Timestamp) bool { return ts.Compare(other) <= 0 }
func (ts Timestamp) IsZero() bool                { return ts == ZeroTimestamp }

func (ts Timestamp) String() string {
	return fmt.Sprintf("%d.%d", ts.Physical, ts.Logical)
}

// HybridClock 进程内单调不减的混合时钟
type HybridClock struct {
	mu      sync.Mutex
	last    Timestamp
	maxSkew time.Duration
	wall    func() time.Time
}

// NewHybridClock 创建混合时钟，maxSkew 为 0 表示不检查远端时钟偏移
func NewHybridClock(maxSkew time.Duration) *HybridClock {
	return &HybridClock{maxSkew: maxSkew, wall: time.Now}
}

// NewHybridClockWithWall 使用指定的物理时钟源，测试中可以冻结物理时间
func NewHybridClockWithWall(maxSkew time.Duration, wall func() time.Time) *HybridClock {
	return &HybridClock{maxSkew: maxSkew, wall: wall}
}

// Now 取一个严格大于之前所有返回值的时间戳
func (c *HybridClock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.wall().UnixNano() / int64(time.Millisecond)
	if physical > c.last.Physical {
		c.last = Timestamp{Physical: physical}
	} else {
		c.last.Logical++
	}
	return c.last
}

// Update 合并远端时间戳，保证之后的 Now 不小于它
func (c *HybridClock) Update(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.wall().UnixNano() / int64(time.Millisecond)
	if c.maxSkew > 0 && remote.Physical-physical > c.maxSkew.Milliseconds() {
		return c.last, errors.Errorf("remote timestamp %s ahead of local clock by more than %s", remote, c.maxSkew)
	}
	if remote.After(c.last) {
		c.last = remote
	}
	if physical > c.last.Physical {
		c.last = Timestamp{Physical: physical}
	} else {
		c.last.Logical++
	}
	return c.last, nil
}

// Last 返回最近一次发出的时间戳
func (c *HybridClock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
