//go:build linux || darwin

package ioloop

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type testNameServer struct {
	addr    string
	queries *atomic.Int32
	server  *dns.Server
}

func mustRR(s string) dns.RR {
	rr, err := dns.NewRR(s)
	if err != nil {
		panic(err)
	}
	return rr
}

func startNameServer(t *testing.T) *testNameServer {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ns := &testNameServer{addr: pc.LocalAddr().String(), queries: atomic.NewInt32(0)}
	started := make(chan struct{})
	ns.server = &dns.Server{
		PacketConn:        pc,
		Handler:           dns.HandlerFunc(ns.serve),
		NotifyStartedFunc: func() { close(started) },
	}
	go ns.server.ActivateAndServe()
	<-started
	t.Cleanup(func() {
		ns.server.Shutdown()
	})
	return ns
}

func (ns *testNameServer) serve(w dns.ResponseWriter, req *dns.Msg) {
	ns.queries.Inc()
	q := req.Question[0]
	m := new(dns.Msg)
	m.SetReply(req)
	switch q.Name {
	case "example.test.":
		switch q.Qtype {
		case dns.TypeA:
			m.Answer = append(m.Answer, mustRR("example.test. 60 IN A 192.0.2.10"), mustRR("example.test. 30 IN A 192.0.2.11"))
		case dns.TypeAAAA:
			m.Answer = append(m.Answer, mustRR("example.test. 60 IN AAAA 2001:db8::10"))
		}
	case "alias.test.":
		m.Answer = append(m.Answer, mustRR("alias.test. 60 IN CNAME example.test."), mustRR("example.test. 60 IN A 192.0.2.10"))
	case "empty.test.":
	case "broken.test.":
		m.Rcode = dns.RcodeServerFailure
	case "silent.test.":
		return
	default:
		m.Rcode = dns.RcodeNameError
	}
	w.WriteMsg(m)
}

type lookup struct {
	calls    int
	status   Status
	timeouts int
	host     *HostEnt
}

func (l *lookup) callback() HostCallback {
	return func(status Status, timeouts int, host *HostEnt) {
		l.calls++
		l.status, l.timeouts, l.host = status, timeouts, host
	}
}

func newTestResolver(t *testing.T, config ResolverConfig) (*Loop, *Resolver) {
	t.Helper()
	loop, err := NewLoop(LoopConfig{Name: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() {
		if !loop.closed {
			loop.Close()
		}
	})
	r, err := NewResolver(loop, config)
	require.NoError(t, err)
	return loop, r
}

func resolve(t *testing.T, loop *Loop, r *Resolver, name string, family Family) *lookup {
	t.Helper()
	l := &lookup{}
	require.NoError(t, r.GetHostByName(name, family, l.callback()))
	assert.Equal(t, 0, l.calls, "results are never delivered synchronously")
	require.NoError(t, loop.Run())
	require.Equal(t, 1, l.calls)
	assert.False(t, r.Pending())
	return l
}

func TestResolveAddresses(t *testing.T) {
	ns := startNameServer(t)
	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{ns.addr}})

	l := resolve(t, loop, r, "example.test", FamilyInet)
	require.Equal(t, StatusSuccess, l.status, l.status.String())
	assert.Equal(t, 0, l.timeouts)
	assert.Equal(t, "example.test", l.host.Name)
	assert.Equal(t, FamilyInet, l.host.Family)
	assert.Equal(t, []net.IP{net.ParseIP("192.0.2.10").To4(), net.ParseIP("192.0.2.11").To4()}, l.host.Addrs)

	l = resolve(t, loop, r, "Example.Test.", FamilyInet6)
	require.Equal(t, StatusSuccess, l.status)
	assert.Equal(t, []net.IP{net.ParseIP("2001:db8::10")}, l.host.Addrs)
	assert.Equal(t, int32(2), ns.queries.Load())
	assert.Equal(t, 0, loop.Registry().Armed())
}

func TestResolveFollowsAliases(t *testing.T) {
	ns := startNameServer(t)
	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{ns.addr}})
	l := resolve(t, loop, r, "alias.test", FamilyInet)
	require.Equal(t, StatusSuccess, l.status)
	assert.Equal(t, "example.test", l.host.Name)
	assert.Equal(t, []string{"alias.test"}, l.host.Aliases)
}

func TestResolveFailureStatuses(t *testing.T) {
	ns := startNameServer(t)
	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{ns.addr}, Attempts: 2})
	for name, want := range map[string]Status{
		"missing.test": StatusNotFound,
		"empty.test":   StatusNoData,
		"broken.test":  StatusServFail,
	} {
		l := resolve(t, loop, r, name, FamilyInet)
		assert.Equal(t, want, l.status, name)
		assert.Nil(t, l.host, name)
	}
}

func TestResolveTimesOut(t *testing.T) {
	ns := startNameServer(t)
	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{ns.addr}, TimeoutMs: 30, Attempts: 2})
	l := resolve(t, loop, r, "silent.test", FamilyInet)
	assert.Equal(t, StatusTimeout, l.status)
	assert.Equal(t, 2, l.timeouts)
	assert.Eventually(t, func() bool { return ns.queries.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestResolveFailsOverToNextServer(t *testing.T) {
	ns := startNameServer(t)
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	require.NoError(t, dead.Close())

	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{deadAddr, ns.addr}, TimeoutMs: 1000})
	l := resolve(t, loop, r, "example.test", FamilyInet)
	require.Equal(t, StatusSuccess, l.status, l.status.String())
	assert.Equal(t, 0, l.timeouts)
}

func TestResolveWithoutQueries(t *testing.T) {
	ns := startNameServer(t)
	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{ns.addr}})

	l := resolve(t, loop, r, "192.0.2.1", FamilyInet)
	require.Equal(t, StatusSuccess, l.status)
	assert.Equal(t, []net.IP{net.ParseIP("192.0.2.1").To4()}, l.host.Addrs)

	l = resolve(t, loop, r, "::1", FamilyInet6)
	require.Equal(t, StatusSuccess, l.status)
	assert.Equal(t, []net.IP{net.IPv6loopback}, l.host.Addrs)

	assert.Equal(t, StatusNotFound, resolve(t, loop, r, "192.0.2.1", FamilyInet6).status)
	assert.Equal(t, StatusBadFamily, resolve(t, loop, r, "example.test", Family(99)).status)
	assert.Equal(t, StatusBadName, resolve(t, loop, r, "bad..name", FamilyInet).status)
	assert.Equal(t, int32(0), ns.queries.Load())
}

func TestResolveServesRepeatsFromCache(t *testing.T) {
	ns := startNameServer(t)
	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{ns.addr}, CacheSize: 16})
	require.Equal(t, StatusSuccess, resolve(t, loop, r, "alias.test", FamilyInet).status)
	require.Eventually(t, func() bool {
		_, ok := r.cache.Get(cacheKey(FamilyInet, "alias.test."))
		return ok
	}, time.Second, 5*time.Millisecond)

	l := resolve(t, loop, r, "ALIAS.test", FamilyInet)
	require.Equal(t, StatusSuccess, l.status)
	assert.Equal(t, "example.test", l.host.Name)
	assert.Equal(t, []string{"alias.test"}, l.host.Aliases)
	assert.Equal(t, int32(1), ns.queries.Load())

	l.host.Addrs[0][0] = 10
	again := resolve(t, loop, r, "alias.test", FamilyInet)
	assert.Equal(t, net.ParseIP("192.0.2.10").To4(), again.host.Addrs[0], "cached entries are copied out")
}

func TestResolverCloseDestroysPendingLookups(t *testing.T) {
	ns := startNameServer(t)
	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{ns.addr}})
	pending, ready := &lookup{}, &lookup{}
	require.NoError(t, r.GetHostByName("silent.test", FamilyInet, pending.callback()))
	require.NoError(t, r.GetHostByName("127.0.0.1", FamilyInet, ready.callback()))
	assert.True(t, r.Pending())

	require.NoError(t, r.Close())
	assert.Equal(t, 1, pending.calls)
	assert.Equal(t, StatusDestruction, pending.status)
	assert.Equal(t, 1, ready.calls)
	assert.Equal(t, StatusSuccess, ready.status)
	assert.Equal(t, 0, loop.Registry().Len())
	assert.False(t, loop.Alive())
	require.NoError(t, loop.Run())
	assert.Equal(t, 1, pending.calls)

	err := r.GetHostByName("example.test", FamilyInet, pending.callback())
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.NoError(t, r.Close())
}

func TestResolverClosedFromCallback(t *testing.T) {
	ns := startNameServer(t)
	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{ns.addr}})
	second, pending := &lookup{}, &lookup{}
	first := 0
	require.NoError(t, r.GetHostByName("127.0.0.1", FamilyInet, func(status Status, _ int, _ *HostEnt) {
		first++
		assert.Equal(t, StatusSuccess, status)
		assert.NoError(t, r.Close())
	}))
	require.NoError(t, r.GetHostByName("127.0.0.2", FamilyInet, second.callback()))
	require.NoError(t, r.GetHostByName("silent.test", FamilyInet, pending.callback()))

	assert.NotPanics(t, func() {
		_, err := loop.Poll(10 * time.Millisecond)
		assert.NoError(t, err)
	})
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, StatusSuccess, second.status)
	assert.Equal(t, 1, pending.calls)
	assert.Equal(t, StatusDestruction, pending.status)
	assert.False(t, r.Pending())
	assert.False(t, loop.Alive())
	assert.Equal(t, 0, loop.Registry().Len())
}

func TestResolverRetriesRejectedSend(t *testing.T) {
	ns := startNameServer(t)
	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{ns.addr}})
	require.Equal(t, StatusSuccess, resolve(t, loop, r, "example.test", FamilyInet).status)
	stale := r.conns[0]
	require.NotNil(t, stale)
	require.NoError(t, stale.handle.Close(nil))

	var out bytes.Buffer
	logger, level := log.Logger, zerolog.GlobalLevel()
	log.Logger = zerolog.New(&out)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	l := &lookup{}
	err := r.GetHostByName("example.test", FamilyInet, l.callback())
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "sent to")
	assert.Nil(t, r.conns[0])

	require.NoError(t, loop.Run())
	require.Equal(t, 1, l.calls)
	assert.Equal(t, StatusSuccess, l.status)
	assert.Equal(t, 0, l.timeouts)
	assert.Equal(t, int32(2), ns.queries.Load())
}

func TestNewResolverRejectsBadConfig(t *testing.T) {
	loop, err := NewLoop(LoopConfig{Name: t.Name()})
	require.NoError(t, err)
	defer loop.Close()
	for _, config := range []ResolverConfig{
		{Servers: []string{"127.0.0.1"}, Attempts: -1},
		{Servers: []string{"127.0.0.1"}, TimeoutMs: -5},
		{Servers: []string{"127.0.0.1"}, CacheSize: -1},
	} {
		_, err = NewResolver(loop, config)
		assert.Error(t, err, "%+v", config)
	}
	assert.False(t, loop.Alive())
}

func TestLoopCloseDestroysResolver(t *testing.T) {
	ns := startNameServer(t)
	loop, r := newTestResolver(t, ResolverConfig{Servers: []string{ns.addr}})
	l := &lookup{}
	require.NoError(t, r.GetHostByName("silent.test", FamilyInet, l.callback()))
	require.NoError(t, loop.Close())
	assert.Equal(t, 1, l.calls)
	assert.Equal(t, StatusDestruction, l.status)
}

func TestResolverReadsResolvConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("search example.test\nnameserver 127.0.0.1\nnameserver ::1\n"), 0o644))
	servers, err := resolverServers(ResolverConfig{ResolvConf: path})
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "127.0.0.1:53", servers[0].String())
	assert.Equal(t, "[::1]:53", servers[1].String())

	_, err = resolverServers(ResolverConfig{ResolvConf: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestParseServer(t *testing.T) {
	addr, err := parseServer("8.8.8.8", "53")
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8:53", addr.String())

	addr, err = parseServer("[2001:db8::1]:5353", "53")
	require.NoError(t, err)
	assert.Equal(t, 5353, addr.Port)

	_, err = parseServer("dns.example", "53")
	assert.Error(t, err)
	_, err = parseServer("127.0.0.1:99999", "53")
	assert.Error(t, err)
}

func TestStatusAndFamilyNames(t *testing.T) {
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "destruction", StatusDestruction.String())
	assert.Equal(t, "status(42)", Status(42).String())
	assert.Equal(t, "inet6", FamilyInet6.String())
}
