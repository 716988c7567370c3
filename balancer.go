//go:build linux || darwin

package ioloop

import (
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Balancer spreads keys over a fixed set of targets with jump consistent hashing. A target
// marked down is skipped in favour of the next active one.
type Balancer struct {
	Name    string
	targets []net.Addr
	down    []bool
	active  int
}

func NewBalancer(name string, targets []net.Addr) (*Balancer, error) {
	if len(targets) == 0 {
		return nil, errors.Wrapf(ErrNoActiveTargets, "balancer %s", name)
	}
	return &Balancer{
		Name:    name,
		targets: append([]net.Addr(nil), targets...),
		down:    make([]bool, len(targets)),
		active:  len(targets),
	}, nil
}

// Pick returns the target for key and its index.
func (b *Balancer) Pick(key string) (net.Addr, int, error) {
	if b.active == 0 {
		return nil, -1, errors.Wrapf(ErrNoActiveTargets, "balancer %s", b.Name)
	}
	n := len(b.targets)
	i := jumpHash(xxhash.Sum64String(key), n)
	for b.down[i] {
		i = (i + 1) % n
	}
	return b.targets[i], i, nil
}

func (b *Balancer) MarkDown(i int) {
	if i < 0 || i >= len(b.targets) || b.down[i] {
		return
	}
	b.down[i] = true
	b.active--
	log.Info().Msgf("balancer %s: target %s is down, %d active", b.Name, b.targets[i], b.active)
}

func (b *Balancer) MarkUp(i int) {
	if i < 0 || i >= len(b.targets) || !b.down[i] {
		return
	}
	b.down[i] = false
	b.active++
	log.Info().Msgf("balancer %s: target %s is up, %d active", b.Name, b.targets[i], b.active)
}

func (b *Balancer) Targets() []net.Addr {
	return b.targets
}

func (b *Balancer) Active() int {
	return b.active
}
