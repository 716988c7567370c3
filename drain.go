//go:build linux || darwin

package ioloop

import (
	"io"

	"github.com/rs/zerolog/log"
)

var errEOF = io.EOF

// drain writes as much of the queue as the OS accepts in this writability event. A bucket
// leaves the queue before its handler runs, so handlers may write or close freely. At most
// WriteBudget writev calls are issued per event; empty buckets cost nothing.
func (h *Handle) drain() {
	budget := h.loop.config.WriteBudget
	for h.state == StateConnected && h.writeQueue.Length() > 0 {
		b := h.writeQueue.Peek().(*WriteBucket)
		if !b.Complete() {
			if budget == 0 {
				break
			}
			budget--
			n, err := h.writeBucket(b)
			if n > 0 {
				b.advance(n)
				h.stats.BytesWritten += uint64(n)
				h.loop.stats.BytesWritten += uint64(n)
			}
			if err == ErrWouldBlock {
				break
			}
			if err != nil {
				h.failWrites(&IOError{Op: "writev", Err: err})
				return
			}
			if !b.Complete() {
				// short write, the socket buffer is full
				break
			}
		}
		h.writeQueue.Remove()
		h.stats.WritesCompleted++
		b.finish(nil)
	}
	if h.state != StateConnected {
		return
	}
	if err := h.syncWatchers(); err != nil {
		log.Error().Msgf("[%d] error occurs while updating netpoll: %v", h.fd, err)
	}
}

func (h *Handle) writeBucket(b *WriteBucket) (int, error) {
	iovs, err := gather(b.bufs, b.index, b.offset, h.loop.iovs)
	if err != nil {
		return 0, err
	}
	h.stats.WriteCalls++
	n, err := h.loop.sys.writev(h.fd, iovs)
	for i := range iovs {
		iovs[i] = nil
	}
	h.loop.iovs = iovs[:0]
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] writev %d buffers, wrote %d of %d remaining bytes", h.fd, len(iovs), n, b.total-b.written)
	}
	return n, err
}

// failWrites shuts the write path: the current and every following bucket fail with err
// and later writes are refused.
func (h *Handle) failWrites(err error) {
	log.Debug().Msgf("[%d] write path failed: %v", h.fd, err)
	h.writeErr = err
	h.failQueue(err)
	if h.state != StateConnected {
		return
	}
	if serr := h.syncWatchers(); serr != nil {
		log.Error().Msgf("[%d] error occurs while updating netpoll: %v", h.fd, serr)
	}
}

func (h *Handle) failQueue(err error) {
	for h.writeQueue.Length() > 0 {
		b := h.writeQueue.Remove().(*WriteBucket)
		b.finish(err)
	}
}
