package manager

import (
	"container/list"
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// cacheItem 缓存项
type cacheItem struct {
	page   *Page
	dirty  bool
	recLSN uint64 // 第一次把该页弄脏的日志记录
}

// PageCacheStats 缓存统计
type PageCacheStats struct {
	Hits, Misses, Evictions, Flushed uint64
	Cached, Dirty                    int
}

// PageCache 页缓存。干净页按 LRU 淘汰，脏页常驻直到刷出；
// 同时维护脏页表 page -> recLSN。
type PageCache struct {
	sync.Mutex

	store    PageStore
	capacity int

	items map[uint64]*list.Element
	order *list.List

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	flushed   atomic.Uint64
}

// NewPageCache 创建页缓存，capacity 为可缓存的干净页数上限
func NewPageCache(store PageStore, capacity int) *PageCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &PageCache{
		store:    store,
		capacity: capacity,
		items:    make(map[uint64]*list.Element),
		order:    list.New(),
	}
}

// Store 底层页存储
func (c *PageCache) Store() PageStore { return c.store }

// getLocked 取缓存项，不在缓存时从存储加载
func (c *PageCache) getLocked(id uint64) (*cacheItem, error) {
	if elem, ok := c.items[id]; ok {
		c.order.MoveToFront(elem)
		c.hits.Inc()
		return elem.Value.(*cacheItem), nil
	}
	c.misses.Inc()
	p, err := c.store.ReadPage(id)
	if err != nil {
		return nil, err
	}
	item := &cacheItem{page: p}
	c.items[id] = c.order.PushFront(item)
	c.evictLocked()
	return item, nil
}

// Get 返回页的副本
func (c *PageCache) Get(id uint64) (*Page, error) {
	c.Lock()
	defer c.Unlock()
	item, err := c.getLocked(id)
	if err != nil {
		return nil, err
	}
	return item.page.Clone(), nil
}

// Apply 把日志记录 lsn 的修改写入页并标记为脏
func (c *PageCache) Apply(id, lsn uint64, data []byte) error {
	c.Lock()
	defer c.Unlock()
	item, err := c.getLocked(id)
	if err != nil {
		return err
	}
	c.applyLocked(item, lsn, data)
	return nil
}

// ApplyIfNewer redo 使用：只有页上的 LSN 早于 lsn 时才重做，返回是否重做
func (c *PageCache) ApplyIfNewer(id, lsn uint64, data []byte) (bool, error) {
	c.Lock()
	defer c.Unlock()
	item, err := c.getLocked(id)
	if err != nil {
		return false, err
	}
	if item.page.LSN >= lsn {
		return false, nil
	}
	c.applyLocked(item, lsn, data)
	return true, nil
}

func (c *PageCache) applyLocked(item *cacheItem, lsn uint64, data []byte) {
	item.page.Data = append([]byte(nil), data...)
	item.page.LSN = lsn
	if !item.dirty {
		item.dirty = true
		item.recLSN = lsn
	}
}

// DirtyPages 脏页表副本
func (c *PageCache) DirtyPages() map[uint64]uint64 {
	c.Lock()
	defer c.Unlock()
	dpt := make(map[uint64]uint64)
	for id, elem := range c.items {
		if item := elem.Value.(*cacheItem); item.dirty {
			dpt[id] = item.recLSN
		}
	}
	return dpt
}

// FlushDirty 把 LSN 不超过 flushedLSN 的脏页写回存储，返回写回页数。
// 日志尚未落盘的页保持脏状态，保证先写日志。
func (c *PageCache) FlushDirty(flushedLSN uint64) (int, error) {
	c.Lock()
	defer c.Unlock()

	ids := make([]uint64, 0)
	for id, elem := range c.items {
		item := elem.Value.(*cacheItem)
		if item.dirty && item.page.LSN <= flushedLSN {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i, id := range ids {
		item := c.items[id].Value.(*cacheItem)
		if err := c.store.WritePage(item.page); err != nil {
			return i, err
		}
		item.dirty = false
		item.recLSN = 0
		c.flushed.Inc()
	}
	if len(ids) > 0 {
		if err := c.store.Sync(); err != nil {
			return len(ids), err
		}
	}
	c.evictLocked()
	return len(ids), nil
}

// evictLocked 超出容量时从尾部淘汰干净页，最近使用的一页不淘汰
func (c *PageCache) evictLocked() {
	front := c.order.Front()
	for elem := c.order.Back(); elem != nil && elem != front && c.order.Len() > c.capacity; {
		prev := elem.Prev()
		if item := elem.Value.(*cacheItem); !item.dirty {
			delete(c.items, item.page.ID)
			c.order.Remove(elem)
			c.evictions.Inc()
		}
		elem = prev
	}
}

// Stats 统计快照
func (c *PageCache) Stats() PageCacheStats {
	c.Lock()
	defer c.Unlock()
	dirty := 0
	for _, elem := range c.items {
		if elem.Value.(*cacheItem).dirty {
			dirty++
		}
	}
	return PageCacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Flushed:   c.flushed.Load(),
		Cached:    len(c.items),
		Dirty:     dirty,
	}
}
