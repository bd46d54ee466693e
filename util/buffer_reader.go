package util

import "github.com/juju/errors"

// ErrShortBuffer 读取越过了缓冲区末尾
var ErrShortBuffer = errors.New("short buffer")

// ReadUB4 调用方保证 cursor+4 不越界
func ReadUB4(buff []byte, cursor int) (int, uint32) {
	i := uint32(buff[cursor])
	i |= uint32(buff[cursor+1]) << 8
	i |= uint32(buff[cursor+2]) << 16
	i |= uint32(buff[cursor+3]) << 24
	return cursor + 4, i
}

// ReadUB8 调用方保证 cursor+8 不越界
func ReadUB8(buff []byte, cursor int) (int, uint64) {
	cursor, lo := ReadUB4(buff, cursor)
	cursor, hi := ReadUB4(buff, cursor)
	return cursor, uint64(lo) | uint64(hi)<<32
}

// BufferReader 顺序读取 buffer_writer 写出的数据。
// 第一次越界后记录错误，之后的读取都返回零值。
type BufferReader struct {
	buff   []byte
	cursor int
	err    error
}

func NewBufferReader(buff []byte) *BufferReader {
	return &BufferReader{buff: buff}
}

func (r *BufferReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.cursor+n > len(r.buff) {
		r.err = errors.Annotatef(ErrShortBuffer, "need %d bytes at offset %d of %d", n, r.cursor, len(r.buff))
		return false
	}
	return true
}

// ReadUB1 读一个字节
func (r *BufferReader) ReadUB1() byte {
	if !r.need(1) {
		return 0
	}
	b := r.buff[r.cursor]
	r.cursor++
	return b
}

func (r *BufferReader) ReadUB4() uint32 {
	if !r.need(4) {
		return 0
	}
	var v uint32
	r.cursor, v = ReadUB4(r.buff, r.cursor)
	return v
}

func (r *BufferReader) ReadUB8() uint64 {
	if !r.need(8) {
		return 0
	}
	var v uint64
	r.cursor, v = ReadUB8(r.buff, r.cursor)
	return v
}

// ReadBytes 返回的切片与底层缓冲区共享内存
func (r *BufferReader) ReadBytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.buff[r.cursor : r.cursor+n]
	r.cursor += n
	return b
}

// ReadWithLength 读取 WriteWithLength 写出的内容
func (r *BufferReader) ReadWithLength() []byte {
	n := r.ReadUB4()
	return r.ReadBytes(int(n))
}

// Remaining 剩余未读字节
func (r *BufferReader) Remaining() []byte {
	if r.err != nil {
		return nil
	}
	return r.buff[r.cursor:]
}

func (r *BufferReader) Err() error {
	return r.err
}
