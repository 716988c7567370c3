//go:build linux || darwin

package ioloop

// WriteBucket is one queued write: its scatter/gather buffers and how far the OS has
// consumed them. It is mutated only by the drain on the loop goroutine.
type WriteBucket struct {
	bufs    []Buf
	index   int // first buffer not fully written
	offset  int // bytes of bufs[index] already written
	written int
	total   int
	handler WriteHandler
	handle  *Handle
	done    bool
}

func newWriteBucket(h *Handle, bufs []Buf, handler WriteHandler) *WriteBucket {
	b := &WriteBucket{
		bufs:    bufs,
		total:   BufsLen(bufs),
		handler: handler,
		handle:  h,
	}
	b.skipEmpty()
	return b
}

// Handle returns the handle the bucket was queued on.
func (b *WriteBucket) Handle() *Handle {
	return b.handle
}

// Bufs returns the buffers of the write.
func (b *WriteBucket) Bufs() []Buf {
	return b.bufs
}

// Written is the number of bytes the OS has accepted so far.
func (b *WriteBucket) Written() int {
	return b.written
}

// Len is the total number of bytes in the bucket.
func (b *WriteBucket) Len() int {
	return b.total
}

// Index is the position of the first buffer that is not fully written.
func (b *WriteBucket) Index() int {
	return b.index
}

// Complete reports whether every buffer has been written.
func (b *WriteBucket) Complete() bool {
	return b.index == len(b.bufs)
}

// advance accounts n bytes accepted by the OS, moving past every fully consumed buffer.
func (b *WriteBucket) advance(n int) {
	b.written += n
	for n > 0 && b.index < len(b.bufs) {
		rest := len(b.bufs[b.index]) - b.offset
		if n < rest {
			b.offset += n
			return
		}
		n -= rest
		b.index++
		b.offset = 0
	}
	b.skipEmpty()
}

func (b *WriteBucket) skipEmpty() {
	for b.index < len(b.bufs) && len(b.bufs[b.index])-b.offset == 0 {
		b.index++
		b.offset = 0
	}
}

// finish delivers the terminal callback. It is a no-op after the first call.
func (b *WriteBucket) finish(err error) {
	if b.done {
		return
	}
	b.done = true
	if b.handler != nil {
		b.handler.OnWrite(b, err)
	}
}
