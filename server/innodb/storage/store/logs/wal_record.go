package logs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// RecordKind 日志记录类型
type RecordKind uint8

const (
	KindBegin RecordKind = iota + 1
	KindUpdate
	KindCommit
	KindAbort
	KindCLR
	KindCheckpoint
)

func (k RecordKind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindUpdate:
		return "UPDATE"
	case KindCommit:
		return "COMMIT"
	case KindAbort:
		return "ABORT"
	case KindCLR:
		return "CLR"
	case KindCheckpoint:
		return "CHECKPOINT"
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// 记录格式(大端)：
//
//	lsn u64 | txn_id u64 | kind u8 | payload_len u32 | payload | checksum u32
//
// checksum 为 CRC32C，覆盖头部与负载。
const (
	HeaderSize  = 8 + 8 + 1 + 4
	TrailerSize = 4
	// MaxPayload 单条记录负载上限，超过视为损坏
	MaxPayload = 64 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	// ErrChecksumMismatch 记录校验失败
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	// ErrShortRecord 剩余字节不足一条完整记录
	ErrShortRecord = errors.New("wal: short record")
	// ErrBadPayload 负载无法按类型解析
	ErrBadPayload = errors.New("wal: malformed payload")
)

// Record 一条日志记录。各类型只使用其中一部分字段：
//
//	UPDATE      PageID Before After
//	CLR         PageID After UndoOfLSN UndoNextLSN
//	COMMIT      CommitPhysical CommitLogical
//	CHECKPOINT  Body
type Record struct {
	LSN     uint64
	PrevLSN uint64 // 同一事务的上一条记录，0 表示无
	TxnID   uint64
	Kind    RecordKind

	PageID uint64
	Before []byte
	After  []byte

	UndoOfLSN   uint64
	UndoNextLSN uint64

	CommitPhysical int64
	CommitLogical  uint32

	Body []byte
}

// IsTxnEnd 是否为事务终结记录
func (r *Record) IsTxnEnd() bool {
	return r.Kind == KindCommit || r.Kind == KindAbort
}

// ChangesPage 是否修改页面(需要 redo)
func (r *Record) ChangesPage() bool {
	return r.Kind == KindUpdate || r.Kind == KindCLR
}

func (r *Record) String() string {
	switch r.Kind {
	case KindUpdate:
		return fmt.Sprintf("lsn=%d txn=%d prev=%d %s page=%d before=%d after=%d",
			r.LSN, r.TxnID, r.PrevLSN, r.Kind, r.PageID, len(r.Before), len(r.After))
	case KindCLR:
		return fmt.Sprintf("lsn=%d txn=%d prev=%d %s page=%d undo_of=%d undo_next=%d",
			r.LSN, r.TxnID, r.PrevLSN, r.Kind, r.PageID, r.UndoOfLSN, r.UndoNextLSN)
	case KindCommit:
		return fmt.Sprintf("lsn=%d txn=%d prev=%d %s ts=%d.%d",
			r.LSN, r.TxnID, r.PrevLSN, r.Kind, r.CommitPhysical, r.CommitLogical)
	case KindCheckpoint:
		return fmt.Sprintf("lsn=%d %s body=%d", r.LSN, r.Kind, len(r.Body))
	}
	return fmt.Sprintf("lsn=%d txn=%d prev=%d %s", r.LSN, r.TxnID, r.PrevLSN, r.Kind)
}

func (r *Record) payloadSize() int {
	n := 8 // prev lsn
	switch r.Kind {
	case KindUpdate:
		n += 8 + 4 + len(r.Before) + 4 + len(r.After)
	case KindCLR:
		n += 8 + 8 + 8 + 4 + len(r.After)
	case KindCommit:
		n += 8 + 4
	case KindCheckpoint:
		n += len(r.Body)
	}
	return n
}

// EncodedSize 编码后的字节数
func (r *Record) EncodedSize() int {
	return HeaderSize + r.payloadSize() + TrailerSize
}

// Encode 把记录追加到 buf
func (r *Record) Encode(buf *bytes.Buffer) {
	start := buf.Len()
	var scratch [8]byte
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(scratch[:], v)
		buf.Write(scratch[:8])
	}
	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(scratch[:4], v)
		buf.Write(scratch[:4])
	}
	putBytes := func(b []byte) {
		putU32(uint32(len(b)))
		buf.Write(b)
	}

	putU64(r.LSN)
	putU64(r.TxnID)
	buf.WriteByte(byte(r.Kind))
	putU32(uint32(r.payloadSize()))

	putU64(r.PrevLSN)
	switch r.Kind {
	case KindUpdate:
		putU64(r.PageID)
		putBytes(r.Before)
		putBytes(r.After)
	case KindCLR:
		putU64(r.PageID)
		putU64(r.UndoOfLSN)
		putU64(r.UndoNextLSN)
		putBytes(r.After)
	case KindCommit:
		putU64(uint64(r.CommitPhysical))
		putU32(r.CommitLogical)
	case KindCheckpoint:
		buf.Write(r.Body)
	}

	putU32(crc32.Checksum(buf.Bytes()[start:], castagnoli))
}

// Decode 从 data 头部解出一条记录，返回记录和消耗的字节数
func Decode(data []byte) (*Record, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, ErrShortRecord
	}
	payloadLen := binary.BigEndian.Uint32(data[17:21])
	if payloadLen > MaxPayload {
		return nil, 0, ErrChecksumMismatch
	}
	total := HeaderSize + int(payloadLen) + TrailerSize
	if len(data) < total {
		return nil, 0, ErrShortRecord
	}
	body := data[:total-TrailerSize]
	want := binary.BigEndian.Uint32(data[total-TrailerSize : total])
	if crc32.Checksum(body, castagnoli) != want {
		return nil, total, ErrChecksumMismatch
	}

	r := &Record{
		LSN:   binary.BigEndian.Uint64(data[0:8]),
		TxnID: binary.BigEndian.Uint64(data[8:16]),
		Kind:  RecordKind(data[16]),
	}
	p := payloadReader{buf: data[HeaderSize : HeaderSize+int(payloadLen)]}
	r.PrevLSN = p.u64()
	switch r.Kind {
	case KindBegin, KindAbort:
	case KindUpdate:
		r.PageID = p.u64()
		r.Before = p.bytes()
		r.After = p.bytes()
	case KindCLR:
		r.PageID = p.u64()
		r.UndoOfLSN = p.u64()
		r.UndoNextLSN = p.u64()
		r.After = p.bytes()
	case KindCommit:
		r.CommitPhysical = int64(p.u64())
		r.CommitLogical = p.u32()
	case KindCheckpoint:
		r.Body = p.rest()
	default:
		return nil, total, ErrBadPayload
	}
	if p.err {
		return nil, total, ErrBadPayload
	}
	return r, total, nil
}

type payloadReader struct {
	buf []byte
	off int
	err bool
}

func (p *payloadReader) need(n int) bool {
	if p.err || p.off+n > len(p.buf) {
		p.err = true
		return false
	}
	return true
}

func (p *payloadReader) u64() uint64 {
	if !p.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(p.buf[p.off:])
	p.off += 8
	return v
}

func (p *payloadReader) u32() uint32 {
	if !p.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(p.buf[p.off:])
	p.off += 4
	return v
}

func (p *payloadReader) bytes() []byte {
	n := int(p.u32())
	if !p.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, p.buf[p.off:p.off+n])
	p.off += n
	return out
}

func (p *payloadReader) rest() []byte {
	out := make([]byte, len(p.buf)-p.off)
	copy(out, p.buf[p.off:])
	p.off = len(p.buf)
	return out
}
