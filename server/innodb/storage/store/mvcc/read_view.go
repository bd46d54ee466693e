package mvcc

// ReadView MVCC读视图
type ReadView struct {
	readTS       Timestamp // 读时间戳
	creatorTrxID uint64    // 创建该ReadView的事务ID
}

// NewReadView 创建新的ReadView
func NewReadView(readTS Timestamp, creatorTrxID uint64) *ReadView {
	return &ReadView{readTS: readTS, creatorTrxID: creatorTrxID}
}

// IsVisible 判断给定版本是否对当前读视图可见：
// created_at <= ts 且 (未被删除 或 deleted_at > ts)
func (rv *ReadView) IsVisible(v *VersionedRecord) bool {
	if v.CreatedAt.After(rv.readTS) {
		return false
	}
	return !v.Deleted || v.DeletedAt.After(rv.readTS)
}

// GetReadTS 获取读时间戳
func (rv *ReadView) GetReadTS() Timestamp {
	return rv.readTS
}

// GetCreatorTrxID 获取创建该ReadView的事务ID
func (rv *ReadView) GetCreatorTrxID() uint64 {
	return rv.creatorTrxID
}
