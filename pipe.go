//go:build linux || darwin

package ioloop

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defPipeHighWater = 16

// Pipe relays bytes between two handles in both directions. Reading from a side pauses
// while the other side has highWater or more buckets queued. When either side reaches EOF
// the data already read is flushed to the other side and both handles are closed; any
// other error closes both at once.
//
// Read buffers are queued for writing without a copy, so the loop allocator must not reuse
// a buffer before its write completes. The default allocator never does.
type Pipe struct {
	sides     [2]*pipeSide
	highWater int
	handler   CloseHandler
	closing   bool
	closed    bool
}

type pipeSide struct {
	pipe   *Pipe
	src    *Handle
	dst    *Handle
	paused bool
	bytes  uint64
}

// PipeStats counts the bytes moved in each direction.
type PipeStats struct {
	AToB uint64
	BToA uint64
}

// NewPipe starts relaying between a and b. handler, if set, is invoked once with a after
// both handles are closed.
func NewPipe(a, b *Handle, highWater int, handler CloseHandler) (*Pipe, error) {
	if a == nil || b == nil || a == b {
		return nil, errors.New("pipe: two distinct handles are required")
	}
	if highWater <= 0 {
		highWater = defPipeHighWater
	}
	p := &Pipe{highWater: highWater, handler: handler}
	p.sides[0] = &pipeSide{pipe: p, src: a, dst: b}
	p.sides[1] = &pipeSide{pipe: p, src: b, dst: a}
	for _, side := range p.sides {
		if err := side.src.SetReadHandler(side); err != nil {
			p.Close()
			return nil, err
		}
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] piped to [%d]", a.FD(), b.FD())
	}
	return p, nil
}

func (p *Pipe) Stats() PipeStats {
	return PipeStats{AToB: p.sides[0].bytes, BToA: p.sides[1].bytes}
}

func (p *Pipe) Closed() bool {
	return p.closed
}

// Close closes both handles, dropping anything still queued.
func (p *Pipe) Close() {
	if p.closed {
		return
	}
	p.closed = true
	for _, side := range p.sides {
		if state := side.src.State(); state != StateClosing && state != StateClosed {
			side.src.Close(nil)
		}
	}
	if log.Debug().Enabled() {
		stats := p.Stats()
		log.Debug().Msgf("[%d] pipe closed, relayed %d/%d bytes", p.sides[0].src.FD(), stats.AToB, stats.BToA)
	}
	if p.handler != nil {
		p.handler.OnClose(p.sides[0].src)
	}
}

// closeAfterFlush closes the pipe once every bucket already queued on both handles is
// written.
func (p *Pipe) closeAfterFlush() {
	if p.closing || p.closed {
		return
	}
	p.closing = true
	for _, side := range p.sides {
		side.src.SetReadHandler(nil)
	}
	pending := 0
	for _, side := range p.sides {
		if side.dst.QueueLen() == 0 {
			continue
		}
		_, err := side.dst.Write(nil, WriteFunc(func(_ *WriteBucket, err error) {
			pending--
			if pending == 0 || err != nil {
				p.Close()
			}
		}))
		if err != nil {
			p.Close()
			return
		}
		pending++
	}
	if pending == 0 {
		p.Close()
	}
}

func (s *pipeSide) OnRead(_ *Handle, data []byte, err error) {
	p := s.pipe
	if p.closed {
		return
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			p.closeAfterFlush()
			return
		}
		log.Debug().Msgf("[%d] pipe read failed: %v", s.src.FD(), err)
		p.Close()
		return
	}
	_, err = s.dst.Write([]Buf{data}, s)
	if err != nil {
		log.Debug().Msgf("[%d] pipe write failed: %v", s.dst.FD(), err)
		p.Close()
		return
	}
	if s.dst.QueueLen() >= p.highWater && !s.paused {
		s.paused = true
		if err = s.src.SetReadHandler(nil); err != nil {
			p.Close()
		}
	}
}

func (s *pipeSide) OnWrite(b *WriteBucket, err error) {
	p := s.pipe
	if p.closed {
		return
	}
	if err != nil {
		log.Debug().Msgf("[%d] pipe write failed: %v", s.dst.FD(), err)
		p.Close()
		return
	}
	s.bytes += uint64(b.Written())
	if s.paused && !p.closing && s.dst.QueueLen() < p.highWater {
		s.paused = false
		if err = s.src.SetReadHandler(s); err != nil {
			p.Close()
		}
	}
}
