package ioloop

import (
	"github.com/pkg/errors"
)

// maxIovecs mirrors IOV_MAX on linux and darwin.
const maxIovecs = 1024

// Buf is a view over caller-owned memory. The reactor never copies or retains it
// past the operation it is attached to.
type Buf []byte

// Len returns the number of bytes the view covers.
func (b Buf) Len() int {
	return len(b)
}

// BufsLen sums the lengths of bufs.
func BufsLen(bufs []Buf) int {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	return total
}

// Bufs is a convenience for building a scatter/gather list from plain slices.
func Bufs(data ...[]byte) []Buf {
	bufs := make([]Buf, len(data))
	for i, d := range data {
		bufs[i] = Buf(d)
	}
	return bufs
}

// gather converts the unwritten tail of bufs, starting at bufs[index][offset:], into the
// vector handed to writev. Empty buffers are dropped and the vector is capped at
// maxIovecs entries.
func gather(bufs []Buf, index, offset int, iovs [][]byte) ([][]byte, error) {
	if index < 0 || index > len(bufs) {
		return nil, errors.Errorf("gather: index %d out of range [0,%d]", index, len(bufs))
	}
	if index < len(bufs) && (offset < 0 || offset > len(bufs[index])) {
		return nil, errors.Errorf("gather: offset %d out of range for buffer of %d bytes", offset, len(bufs[index]))
	}
	if index == len(bufs) && offset != 0 {
		return nil, errors.Errorf("gather: offset %d past the last buffer", offset)
	}
	iovs = iovs[:0]
	for i := index; i < len(bufs) && len(iovs) < maxIovecs; i++ {
		b := bufs[i]
		if i == index {
			b = b[offset:]
		}
		if len(b) == 0 {
			continue
		}
		iovs = append(iovs, b)
	}
	return iovs, nil
}
