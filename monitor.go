//go:build linux || darwin

package ioloop

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// raiseOpenFilesLimit lifts the soft RLIMIT_NOFILE towards limit, capped by the hard limit.
func raiseOpenFilesLimit(limit uint64) {
	rLimit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, rLimit)
	if err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return
	}
	if rLimit.Cur >= limit {
		return
	}
	next := limit
	if rLimit.Max < next {
		next = rLimit.Max
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: next, Max: rLimit.Max})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
		return
	}
	log.Info().Msgf("raised open files limit from %d to %d", rLimit.Cur, next)
}
