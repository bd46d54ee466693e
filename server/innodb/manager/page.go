package manager

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-txncore/util"
)

// DefaultPageSize 默认页大小
const DefaultPageSize = 16384

// pageHeaderSize 页头：lsn u64 | data_len u32 | crc u32
const pageHeaderSize = 8 + 4 + 4

// Page 固定大小的页。Data 为空表示该页未被使用。
type Page struct {
	ID   uint64
	LSN  uint64 // 最后一次修改该页的日志记录
	Data []byte
}

// Clone 深拷贝
func (p *Page) Clone() *Page {
	return &Page{ID: p.ID, LSN: p.LSN, Data: append([]byte(nil), p.Data...)}
}

// IsEmpty 页是否未存放任何行
func (p *Page) IsEmpty() bool {
	return len(p.Data) == 0
}

// MaxPageData 页内可存放的最大数据长度
func MaxPageData(pageSize int) int {
	return pageSize - pageHeaderSize
}

// EncodeRow 行格式：key_len u32 | key | value
func EncodeRow(key string, value []byte) []byte {
	buf := make([]byte, 0, 4+len(key)+len(value))
	buf = util.WriteWithLength(buf, []byte(key))
	return util.WriteBytes(buf, value)
}

// DecodeRow 解析行，空数据返回 ok=false
func DecodeRow(data []byte) (key string, value []byte, ok bool, err error) {
	if len(data) == 0 {
		return "", nil, false, nil
	}
	r := util.NewBufferReader(data)
	k := r.ReadWithLength()
	if err := r.Err(); err != nil {
		return "", nil, false, errors.Annotatef(err, "decode row of %d bytes", len(data))
	}
	return string(k), append([]byte(nil), r.Remaining()...), true, nil
}
