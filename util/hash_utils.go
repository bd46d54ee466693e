package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashString 字符串键的Hash，避免一次 []byte 拷贝
func HashString(key string) uint64 {
	return xxhash.ChecksumString64(key)
}

// ShardIndex 返回键落在 n 个分片中的下标
func ShardIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(HashString(key) % uint64(n))
}
