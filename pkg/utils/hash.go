package utils

import (
	"crypto/md5"
	"fmt"
	"hash/fnv"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// Bucket maps key onto [0, n) stably across processes.
func Bucket(key string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Seed64 derives a deterministic PRNG seed from text.
func Seed64(text string) int64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
