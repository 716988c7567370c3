//go:build linux || darwin

package ioloop

import (
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

type HandleStats struct {
	BytesRead       uint64
	BytesWritten    uint64
	ReadCalls       uint64
	WriteCalls      uint64
	WritesCompleted uint64
}

type LoopStats struct {
	Iterations    uint64
	Events        uint64
	HandlesOpened uint64
	HandlesClosed uint64
	BytesRead     uint64
	BytesWritten  uint64
	LiveHandles   int
	ArmedHandles  int
}

func (l *Loop) Stats() LoopStats {
	stats := l.stats
	stats.LiveHandles = l.registry.Len()
	stats.ArmedHandles = l.registry.Armed()
	return stats
}

func (l *Loop) logStats() {
	if !log.Debug().Enabled() {
		return
	}
	stats := l.Stats()
	log.Debug().Msgf("event loop %s: iterations: %d events: %d handles opened: %d closed: %d read: %s written: %s",
		l.Name, stats.Iterations, stats.Events, stats.HandlesOpened, stats.HandlesClosed,
		humanize.Bytes(stats.BytesRead), humanize.Bytes(stats.BytesWritten))
	for _, h := range l.registry.Handles() {
		hs := h.stats
		log.Debug().Msgf("[%d] handle:%d state:%s queued:%d read: %s written: %s",
			h.fd, h.id, h.state, h.writeQueue.Length(), humanize.Bytes(hs.BytesRead), humanize.Bytes(hs.BytesWritten))
	}
}
