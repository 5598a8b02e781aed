package nsq

import (
	"bytes"
	"sync"
)

// maxPooledBufferSize bounds buffers returned to the pool (64KB).
const maxPooledBufferSize = 65536

// commandBufferPool holds buffers used to serialize outgoing commands.
var commandBufferPool = sync.Pool{
	New: func() any {
		return &bytes.Buffer{}
	},
}

// getCommandBuffer returns an empty pooled buffer.
func getCommandBuffer() *bytes.Buffer {
	b := commandBufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// putCommandBuffer returns a buffer to the pool.
func putCommandBuffer(b *bytes.Buffer) {
	if b == nil {
		return
	}
	// IDENTIFY bodies and large batches should not pin memory
	if b.Cap() <= maxPooledBufferSize {
		b.Reset()
		commandBufferPool.Put(b)
	}
}
