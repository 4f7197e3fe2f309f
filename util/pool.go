package util

import "sync"

// DefaultBufSize fits the largest device frame: a 12-byte header plus a
// 64 KiB body.
const DefaultBufSize = 12 + 64*1024

// BufPool provides reusable frame buffers for the device wire codec,
// so polling many terminals does not allocate a body per reply.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.  Buffers that were
// resliced below DefaultBufSize are dropped.
func PutBuf(buf *[]byte) {
	if buf == nil || cap(*buf) < DefaultBufSize {
		return
	}
	*buf = (*buf)[:DefaultBufSize]
	BufPool.Put(buf)
}
