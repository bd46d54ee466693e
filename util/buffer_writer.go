package util

// 小端编码，调用方持有返回的切片

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteBytes(buf []byte, from []byte) []byte {
	return append(buf, from...)
}

func WriteUB4(buf []byte, i uint32) []byte {
	return append(buf,
		byte(i&0xFF),
		byte((i>>8)&0xFF),
		byte((i>>16)&0xFF),
		byte((i>>24)&0xFF))
}

func WriteUB8(buf []byte, i uint64) []byte {
	buf = WriteUB4(buf, uint32(i))
	return WriteUB4(buf, uint32(i>>32))
}

// WriteWithLength 4 字节长度前缀 + 内容
func WriteWithLength(buf []byte, from []byte) []byte {
	buf = WriteUB4(buf, uint32(len(from)))
	return append(buf, from...)
}
