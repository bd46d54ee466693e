package manager

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/atomic"
)

var pageCRCTable = crc32.MakeTable(crc32.Castagnoli)

// PageStore 页存储。写入只在对应日志落盘之后发生，由调用方保证。
type PageStore interface {
	ReadPage(id uint64) (*Page, error)
	WritePage(p *Page) error
	PageIDs() ([]uint64, error)
	Sync() error
	Close() error
}

// MemoryPageStore 内存页存储，进程内模拟崩溃时它代表磁盘
type MemoryPageStore struct {
	mu     sync.RWMutex
	pages  map[uint64]*Page
	writes atomic.Uint64
}

// NewMemoryPageStore 创建内存页存储
func NewMemoryPageStore() *MemoryPageStore {
	return &MemoryPageStore{pages: make(map[uint64]*Page)}
}

func (s *MemoryPageStore) ReadPage(id uint64) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.pages[id]; ok {
		return p.Clone(), nil
	}
	return &Page{ID: id}, nil
}

func (s *MemoryPageStore) WritePage(p *Page) error {
	s.mu.Lock()
	s.pages[p.ID] = p.Clone()
	s.mu.Unlock()
	s.writes.Inc()
	return nil
}

func (s *MemoryPageStore) PageIDs() ([]uint64, error) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.pages))
	for id := range s.pages {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Writes 累计写页次数
func (s *MemoryPageStore) Writes() uint64 { return s.writes.Load() }

func (s *MemoryPageStore) Sync() error  { return nil }
func (s *MemoryPageStore) Close() error { return nil }

// FilePageStore 单文件页存储，第 id 页位于 id*pageSize 处
type FilePageStore struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int
}

// OpenFilePageStore 打开或创建页文件
func OpenFilePageStore(path string, pageSize int) (*FilePageStore, error) {
	if pageSize <= pageHeaderSize {
		pageSize = DefaultPageSize
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "open page file %s", path)
	}
	return &FilePageStore{file: f, pageSize: pageSize}, nil
}

func (s *FilePageStore) ReadPage(id uint64) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id)
}

func (s *FilePageStore) readLocked(id uint64) (*Page, error) {
	buf := make([]byte, s.pageSize)
	n, err := s.file.ReadAt(buf, int64(id)*int64(s.pageSize))
	if err != nil && err != io.EOF {
		return nil, errors.Annotatef(err, "read page %d", id)
	}
	if n < pageHeaderSize {
		return &Page{ID: id}, nil
	}

	lsn := binary.BigEndian.Uint64(buf[0:8])
	length := int(binary.BigEndian.Uint32(buf[8:12]))
	sum := binary.BigEndian.Uint32(buf[12:16])
	if lsn == 0 && length == 0 && sum == 0 {
		return &Page{ID: id}, nil
	}
	if pageHeaderSize+length > n {
		return nil, &TxnError{Kind: ErrChecksumMismatch, Detail: "page length out of range"}
	}
	data := buf[pageHeaderSize : pageHeaderSize+length]
	if crc32.Checksum(append(append([]byte(nil), buf[:12]...), data...), pageCRCTable) != sum {
		return nil, &TxnError{Kind: ErrChecksumMismatch, Detail: "page checksum mismatch"}
	}
	return &Page{ID: id, LSN: lsn, Data: append([]byte(nil), data...)}, nil
}

func (s *FilePageStore) WritePage(p *Page) error {
	if len(p.Data) > MaxPageData(s.pageSize) {
		return ErrValueTooLarge
	}
	buf := make([]byte, s.pageSize)
	binary.BigEndian.PutUint64(buf[0:8], p.LSN)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(p.Data)))
	copy(buf[pageHeaderSize:], p.Data)
	sum := crc32.Checksum(append(append([]byte(nil), buf[:12]...), p.Data...), pageCRCTable)
	binary.BigEndian.PutUint32(buf[12:16], sum)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.WriteAt(buf, int64(p.ID)*int64(s.pageSize)); err != nil {
		return errors.Annotatef(err, "write page %d", p.ID)
	}
	return nil
}

// PageIDs 写过的页，按ID升序
func (s *FilePageStore) PageIDs() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.file.Stat()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var ids []uint64
	header := make([]byte, pageHeaderSize)
	for id := uint64(1); int64(id)*int64(s.pageSize) < info.Size(); id++ {
		if _, err := s.file.ReadAt(header, int64(id)*int64(s.pageSize)); err != nil && err != io.EOF {
			return nil, errors.Trace(err)
		}
		for _, b := range header {
			if b != 0 {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (s *FilePageStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Trace(s.file.Sync())
}

func (s *FilePageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Trace(s.file.Close())
}
