package manager

import (
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

// KeyDirectory 键到页的映射，每个键独占一页
type KeyDirectory struct {
	pages    *xsync.MapOf[string, uint64]
	nextPage atomic.Uint64
}

// NewKeyDirectory 创建空目录
func NewKeyDirectory() *KeyDirectory {
	return &KeyDirectory{pages: xsync.NewMapOf[string, uint64]()}
}

// Lookup 查找键所在的页
func (d *KeyDirectory) Lookup(key string) (uint64, bool) {
	return d.pages.Load(key)
}

// Assign 返回键所在的页，没有时分配新页
func (d *KeyDirectory) Assign(key string) uint64 {
	id, _ := d.pages.LoadOrCompute(key, func() uint64 {
		return d.nextPage.Inc()
	})
	return id
}

// Bind 重建时登记已有的映射
func (d *KeyDirectory) Bind(key string, id uint64) {
	d.pages.Store(key, id)
	d.ResumeAbove(id)
}

// ResumeAbove 保证之后分配的页号大于 id
func (d *KeyDirectory) ResumeAbove(id uint64) {
	for {
		cur := d.nextPage.Load()
		if cur >= id || d.nextPage.CAS(cur, id) {
			return
		}
	}
}

// NextPageID 下一次分配将得到的页号
func (d *KeyDirectory) NextPageID() uint64 {
	return d.nextPage.Load() + 1
}

// Len 键数
func (d *KeyDirectory) Len() int {
	return d.pages.Size()
}

// Row 页中保存的一行
type Row struct {
	Key    string
	Value  []byte
	PageID uint64
	LSN    uint64
}

// Rebuild 扫描页存储重建目录，返回所有非空页上的行
func (d *KeyDirectory) Rebuild(cache *PageCache) ([]Row, error) {
	ids, err := cache.Store().PageIDs()
	if err != nil {
		return nil, err
	}
	var rows []Row
	for _, id := range ids {
		d.ResumeAbove(id)
		p, err := cache.Get(id)
		if err != nil {
			return nil, err
		}
		key, value, ok, err := DecodeRow(p.Data)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		d.Bind(key, id)
		rows = append(rows, Row{Key: key, Value: value, PageID: id, LSN: p.LSN})
	}
	return rows, nil
}
