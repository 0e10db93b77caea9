// Package pool keeps bucketed sync.Pool instances for the per-frame scratch
// buffers of the encoder: header element tables, probability snapshots and
// batch-buffer staging.
package pool

import "sync"

// Size classes. The 2K class fits one probability context and the packed
// compressed header; the 8K class fits the unpacked header element table.
const (
	Size256B = 256
	Size2K   = 2048
	Size8K   = 8192
	Size32K  = 32768
	Size256K = 262144
)

var sizes = [5]int{Size256B, Size2K, Size8K, Size32K, Size256K}

var pools [5]sync.Pool

func init() {
	for i := range pools {
		sz := sizes[i]
		pools[i] = sync.Pool{
			New: func() any {
				b := make([]byte, sz)
				return &b
			},
		}
	}
}

func bucketIndex(size int) int {
	for i, sz := range sizes {
		if size <= sz {
			return i
		}
	}
	return len(sizes) - 1
}

// Get returns a slice of length size. Its contents are unspecified.
// The caller must call Put when done.
func Get(size int) []byte {
	bp := pools[bucketIndex(size)].Get().(*[]byte)
	b := *bp
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

// GetZeroed is Get with the returned bytes cleared.
func GetZeroed(size int) []byte {
	b := Get(size)
	clear(b)
	return b
}

// Put returns b to its pool. Slices whose capacity is not exactly a size
// class are dropped, so every pooled slice serves its whole bucket.
func Put(b []byte) {
	c := cap(b)
	idx := bucketIndex(c)
	if sizes[idx] != c {
		return
	}
	b = b[:c]
	pools[idx].Put(&b)
}
