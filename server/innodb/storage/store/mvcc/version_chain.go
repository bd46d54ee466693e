package mvcc

import (
	"sync"

	"github.com/pkg/errors"
)

// VersionRef 版本在链内数组中的下标
type VersionRef int32

// NoVersion 链尾
const NoVersion VersionRef = -1

// VersionedRecord 一个键的某个版本
type VersionedRecord struct {
	Value     []byte
	CreatedBy uint64    // 创建该版本的事务
	CreatedAt Timestamp // 提交时间戳
	Deleted   bool      // 是否已被更新的版本覆盖
	DeletedBy uint64
	DeletedAt Timestamp
	Prev      VersionRef // 更旧的版本
}

// VersionChain 单个键的版本链，新版本在前。
// 所有版本存放在一个数组里，用下标串联。
type VersionChain struct {
	mu       sync.RWMutex
	versions []VersionedRecord
	head     VersionRef
}

// NewVersionChain 创建空版本链
func NewVersionChain() *VersionChain {
	return &VersionChain{head: NoVersion}
}

// Len 版本数
func (c *VersionChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.versions)
}

// Read 从新到旧找第一个对 ts 可见的版本
func (c *VersionChain) Read(ts Timestamp) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := c.visibleLocked(NewReadView(ts, 0))
	if v == nil {
		return nil, false
	}
	return v.Value, true
}

// GetVersionAt 返回对 ts 可见的版本副本
func (c *VersionChain) GetVersionAt(ts Timestamp) (VersionedRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := c.visibleLocked(NewReadView(ts, 0))
	if v == nil {
		return VersionedRecord{}, false
	}
	return *v, true
}

func (c *VersionChain) visibleLocked(rv *ReadView) *VersionedRecord {
	for ref := c.head; ref != NoVersion; {
		v := &c.versions[ref]
		if rv.IsVisible(v) {
			return v
		}
		ref = v.Prev
	}
	return nil
}

// Latest 当前版本的提交时间戳
func (c *VersionChain) Latest() (Timestamp, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.head == NoVersion {
		return ZeroTimestamp, false
	}
	return c.versions[c.head].CreatedAt, true
}

// checkAdvance ts 必须晚于链头，调用方持有 c.mu
func (c *VersionChain) checkAdvance(ts Timestamp) error {
	if c.head == NoVersion {
		return nil
	}
	if head := c.versions[c.head].CreatedAt; !head.Less(ts) {
		return errors.Wrapf(ErrTimestampRegression, "version at %s not after head %s", ts, head)
	}
	return nil
}

// install 追加新版本并标记旧的链头被覆盖，调用方持有 c.mu。
// 链按 created_at 降序，早于链头的时间戳被拒绝。
func (c *VersionChain) install(value []byte, txnID uint64, ts Timestamp) error {
	if err := c.checkAdvance(ts); err != nil {
		return err
	}
	if c.head != NoVersion {
		prev := &c.versions[c.head]
		prev.Deleted = true
		prev.DeletedBy = txnID
		prev.DeletedAt = ts
	}
	c.versions = append(c.versions, VersionedRecord{
		Value:     value,
		CreatedBy: txnID,
		CreatedAt: ts,
		Prev:      c.head,
	})
	c.head = VersionRef(len(c.versions) - 1)
	return nil
}

// prune 去掉在 horizon 之前就已被覆盖的版本，返回去掉的个数。
// 调用方持有 c.mu。
func (c *VersionChain) prune(horizon Timestamp) int {
	keep := make([]VersionRef, 0, len(c.versions))
	for ref := c.head; ref != NoVersion; ref = c.versions[ref].Prev {
		v := &c.versions[ref]
		if v.Deleted && v.DeletedAt.Less(horizon) {
			// 链按 created_at 降序，之后的版本被覆盖得更早
			break
		}
		keep = append(keep, ref)
	}
	removed := len(c.versions) - len(keep)
	if removed == 0 {
		return 0
	}

	// 由旧到新重建数组
	compacted := make([]VersionedRecord, len(keep))
	for i := range keep {
		v := c.versions[keep[len(keep)-1-i]]
		v.Prev = VersionRef(i - 1)
		compacted[i] = v
	}
	c.versions = compacted
	if len(compacted) == 0 {
		c.head = NoVersion
	} else {
		c.head = VersionRef(len(compacted) - 1)
	}
	return removed
}
