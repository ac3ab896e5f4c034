package transport

import "sync"

// bufferSize fits the largest mDNS message (RFC 6762 §17: 9000 bytes).
const bufferSize = 9000

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// GetBuffer returns a receive buffer from the pool.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer to the pool. Buffers of the wrong size are dropped.
func PutBuffer(b *[]byte) {
	if b == nil || len(*b) != bufferSize {
		return
	}
	bufferPool.Put(b)
}
