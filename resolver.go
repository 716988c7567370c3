//go:build linux || darwin

package ioloop

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/eapache/queue"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// cacheEntryCost is the cost of one cached name, large enough that ristretto's per item
// bookkeeping cost barely changes the entry capacity.
const cacheEntryCost = 1 << 10

type Family int

const (
	FamilyInet  Family = unix.AF_INET
	FamilyInet6 Family = unix.AF_INET6
)

func (f Family) String() string {
	switch f {
	case FamilyInet:
		return "inet"
	case FamilyInet6:
		return "inet6"
	}
	return "family(" + strconv.Itoa(int(f)) + ")"
}

// Status is the outcome of a host lookup.
type Status int

const (
	StatusSuccess Status = iota
	StatusNoData
	StatusFormErr
	StatusServFail
	StatusNotFound
	StatusNotImp
	StatusRefused
	StatusBadName
	StatusBadFamily
	StatusBadResp
	StatusConnRefused
	StatusTimeout
	StatusDestruction
)

var statusNames = [...]string{
	"success", "no data", "format error", "server failure", "not found", "not implemented",
	"refused", "bad name", "bad family", "bad response", "connection refused", "timeout",
	"destruction",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
	return statusNames[s]
}

// HostEnt is a resolved host.
type HostEnt struct {
	Name    string
	Aliases []string
	Family  Family
	Addrs   []net.IP
}

func (h *HostEnt) clone() *HostEnt {
	c := &HostEnt{Name: h.Name, Family: h.Family}
	c.Aliases = append(c.Aliases, h.Aliases...)
	for _, ip := range h.Addrs {
		c.Addrs = append(c.Addrs, append(net.IP(nil), ip...))
	}
	return c
}

// HostCallback receives the single outcome of GetHostByName. timeouts counts the attempts
// that went unanswered; host is nil unless status is StatusSuccess.
type HostCallback func(status Status, timeouts int, host *HostEnt)

type query struct {
	id       uint16
	name     string
	fqdn     string
	qtype    uint16
	family   Family
	callback HostCallback
	msg      []byte
	server   int
	sends    int
	timeouts int
	refused  bool
	deadline time.Time
}

type lookupResult struct {
	q      *query
	status Status
	host   *HostEnt
}

// Resolver resolves host names over UDP handles on its loop. It is pumped once per loop
// iteration and keeps the loop alive while lookups are outstanding.
type Resolver struct {
	loop     *Loop
	servers  []net.Addr
	timeout  time.Duration
	attempts int
	conns    []*resolverConn
	queries  map[uint16]*query
	ready    *queue.Queue
	cache    *ristretto.Cache
	closed   bool
}

type resolverConn struct {
	resolver *Resolver
	server   int
	handle   *Handle
}

func (c *resolverConn) OnConnect(_ *ConnectRequest, err error) {
	if err != nil {
		log.Debug().Msgf("name server %s unreachable: %v", c.resolver.servers[c.server], err)
		c.resolver.dropConn(c)
	}
}

func (c *resolverConn) OnRead(_ *Handle, data []byte, err error) {
	c.resolver.onReply(c, data, err)
}

func NewResolver(loop *Loop, config ResolverConfig) (*Resolver, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	servers, err := resolverServers(config)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		loop:     loop,
		servers:  servers,
		timeout:  time.Duration(config.TimeoutMs) * time.Millisecond,
		attempts: config.Attempts,
		conns:    make([]*resolverConn, len(servers)),
		queries:  make(map[uint16]*query),
		ready:    queue.New(),
	}
	if config.CacheSize > 0 {
		r.cache, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: config.CacheSize * 10,
			MaxCost:     config.CacheSize * cacheEntryCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, errors.Wrap(err, "resolver cache")
		}
	}
	loop.AddPump(r)
	log.Info().Msgf("resolver using name servers %v", servers)
	return r, nil
}

func resolverServers(config ResolverConfig) ([]net.Addr, error) {
	names, port := config.Servers, "53"
	if len(names) == 0 {
		clientConfig, err := dns.ClientConfigFromFile(config.ResolvConf)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", config.ResolvConf)
		}
		names, port = clientConfig.Servers, clientConfig.Port
	}
	servers := make([]net.Addr, 0, len(names))
	for _, name := range names {
		addr, err := parseServer(name, port)
		if err != nil {
			return nil, err
		}
		servers = append(servers, addr)
	}
	if len(servers) == 0 {
		return nil, errors.New("resolver: no name servers configured")
	}
	return servers, nil
}

func parseServer(server, defPort string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		host, port = server, defPort
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.Errorf("resolver: name server %q is not an ip address", server)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 0xffff {
		return nil, errors.Errorf("resolver: bad port in name server %q", server)
	}
	return &net.UDPAddr{IP: ip, Port: p}, nil
}

// GetHostByName looks up name for family. callback always runs later on the loop,
// numeric hosts and cache hits included.
func (r *Resolver) GetHostByName(name string, family Family, callback HostCallback) error {
	if callback == nil {
		return errors.New("gethostbyname: nil callback")
	}
	if r.closed {
		return errors.Wrap(ErrInvalidState, "resolver is closed")
	}
	q := &query{name: name, family: family, callback: callback}
	switch family {
	case FamilyInet:
		q.qtype = dns.TypeA
	case FamilyInet6:
		q.qtype = dns.TypeAAAA
	default:
		r.finishLater(q, StatusBadFamily, nil)
		return nil
	}
	if ip := net.ParseIP(name); ip != nil {
		status, host := numericHost(name, ip, family)
		r.finishLater(q, status, host)
		return nil
	}
	if _, ok := dns.IsDomainName(name); !ok || name == "" {
		r.finishLater(q, StatusBadName, nil)
		return nil
	}
	q.fqdn = dns.Fqdn(strings.ToLower(name))
	if host, ok := r.lookupCache(q); ok {
		r.finishLater(q, StatusSuccess, host)
		return nil
	}
	msg := new(dns.Msg)
	msg.SetQuestion(q.fqdn, q.qtype)
	msg.Id = r.nextID()
	packed, err := msg.Pack()
	if err != nil {
		log.Debug().Msgf("can't pack query for %s: %v", name, err)
		r.finishLater(q, StatusBadName, nil)
		return nil
	}
	q.id = msg.Id
	q.msg = packed
	q.server = jumpHash(xxhash.Sum64String(q.fqdn), len(r.servers))
	r.queries[q.id] = q
	r.send(q)
	r.updateReading()
	return nil
}

func numericHost(name string, ip net.IP, family Family) (Status, *HostEnt) {
	ip4 := ip.To4()
	switch {
	case family == FamilyInet && ip4 != nil:
		return StatusSuccess, &HostEnt{Name: name, Family: family, Addrs: []net.IP{ip4}}
	case family == FamilyInet6 && ip4 == nil:
		return StatusSuccess, &HostEnt{Name: name, Family: family, Addrs: []net.IP{ip.To16()}}
	}
	return StatusNotFound, nil
}

func (r *Resolver) nextID() uint16 {
	for {
		id := dns.Id()
		if _, ok := r.queries[id]; !ok {
			return id
		}
	}
}

func (r *Resolver) send(q *query) {
	q.sends++
	q.refused = false
	q.deadline = time.Now().Add(r.timeout)
	c, err := r.conn(q.server)
	if err != nil {
		log.Debug().Msgf("can't reach name server %s: %v", r.servers[q.server], err)
		r.refuse(q)
		return
	}
	sends := q.sends
	_, err = c.handle.Write([]Buf{q.msg}, WriteFunc(func(_ *WriteBucket, err error) {
		if err == nil {
			return
		}
		r.dropConn(c)
		if cur, ok := r.queries[q.id]; ok && cur == q && q.sends == sends {
			r.refuse(q)
		}
	}))
	if err != nil {
		r.dropConn(c)
		r.refuse(q)
		return
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("query %d %s %s sent to %s (attempt %d)", q.id, q.fqdn, dns.TypeToString[q.qtype], r.servers[q.server], q.sends)
	}
}

// refuse makes the next pump move q on to another server without counting a timeout.
func (r *Resolver) refuse(q *query) {
	q.refused = true
	q.deadline = time.Now()
}

func (r *Resolver) conn(server int) (*resolverConn, error) {
	if c := r.conns[server]; c != nil {
		return c, nil
	}
	c := &resolverConn{resolver: r, server: server}
	h, _, err := r.loop.Dial(r.servers[server], c)
	if err != nil {
		return nil, err
	}
	c.handle = h
	r.conns[server] = c
	return c, nil
}

func (r *Resolver) dropConn(c *resolverConn) {
	if r.conns[c.server] != c {
		return
	}
	r.conns[c.server] = nil
	if state := c.handle.State(); state != StateClosing && state != StateClosed {
		c.handle.Close(nil)
	}
	for _, q := range r.queries {
		if q.server == c.server && !q.refused {
			r.refuse(q)
		}
	}
}

func (r *Resolver) retry(q *query, status Status) {
	if q.sends >= r.attempts*len(r.servers) {
		r.finish(q, status, nil)
		return
	}
	q.server = (q.server + 1) % len(r.servers)
	r.send(q)
}

func (r *Resolver) onReply(c *resolverConn, data []byte, err error) {
	defer r.updateReading()
	if err != nil {
		// ICMP errors surface as read errors on the connected socket
		log.Debug().Msgf("name server %s: %v", r.servers[c.server], err)
		for _, q := range r.queries {
			if q.server == c.server {
				r.refuse(q)
			}
		}
		return
	}
	msg := new(dns.Msg)
	if err = msg.Unpack(data); err != nil {
		log.Debug().Msgf("dropping malformed reply from %s: %v", r.servers[c.server], err)
		return
	}
	q, ok := r.queries[msg.Id]
	if !ok || q.server != c.server || !msg.Response {
		return
	}
	if len(msg.Question) != 1 || msg.Question[0].Qtype != q.qtype || !strings.EqualFold(msg.Question[0].Name, q.fqdn) {
		return
	}
	switch msg.Rcode {
	case dns.RcodeSuccess:
		host, ttl := hostFromReply(q, msg)
		if host == nil {
			r.finish(q, StatusNoData, nil)
			return
		}
		r.storeCache(q, host, ttl)
		r.finish(q, StatusSuccess, host)
	case dns.RcodeNameError:
		r.finish(q, StatusNotFound, nil)
	case dns.RcodeFormatError:
		r.finish(q, StatusFormErr, nil)
	case dns.RcodeServerFailure:
		r.retry(q, StatusServFail)
	case dns.RcodeNotImplemented:
		r.retry(q, StatusNotImp)
	case dns.RcodeRefused:
		r.retry(q, StatusRefused)
	default:
		r.finish(q, StatusBadResp, nil)
	}
}

func hostFromReply(q *query, msg *dns.Msg) (*HostEnt, time.Duration) {
	host := &HostEnt{Family: q.family}
	canonical := q.fqdn
	ttl := ^uint32(0)
	for _, rr := range msg.Answer {
		switch v := rr.(type) {
		case *dns.CNAME:
			host.Aliases = append(host.Aliases, strings.TrimSuffix(v.Hdr.Name, "."))
			canonical = v.Target
		case *dns.A:
			if q.qtype != dns.TypeA {
				continue
			}
			host.Addrs = append(host.Addrs, v.A.To4())
		case *dns.AAAA:
			if q.qtype != dns.TypeAAAA {
				continue
			}
			host.Addrs = append(host.Addrs, v.AAAA.To16())
		default:
			continue
		}
		if rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
	}
	if len(host.Addrs) == 0 {
		return nil, 0
	}
	host.Name = strings.TrimSuffix(canonical, ".")
	return host, time.Duration(ttl) * time.Second
}

func cacheKey(family Family, fqdn string) string {
	return strconv.Itoa(int(family)) + "|" + fqdn
}

func (r *Resolver) lookupCache(q *query) (*HostEnt, bool) {
	if r.cache == nil {
		return nil, false
	}
	v, ok := r.cache.Get(cacheKey(q.family, q.fqdn))
	if !ok {
		return nil, false
	}
	host := v.(*HostEnt).clone()
	if log.Debug().Enabled() {
		log.Debug().Msgf("cache hit for %s", q.fqdn)
	}
	return host, true
}

func (r *Resolver) storeCache(q *query, host *HostEnt, ttl time.Duration) {
	if r.cache == nil || ttl <= 0 {
		return
	}
	r.cache.SetWithTTL(cacheKey(q.family, q.fqdn), host.clone(), cacheEntryCost, ttl)
}

func (r *Resolver) finish(q *query, status Status, host *HostEnt) {
	delete(r.queries, q.id)
	if log.Debug().Enabled() {
		log.Debug().Msgf("query %d %s finished: %s after %d timeouts", q.id, q.fqdn, status, q.timeouts)
	}
	q.callback(status, q.timeouts, host)
}

func (r *Resolver) finishLater(q *query, status Status, host *HostEnt) {
	r.ready.Add(&lookupResult{q: q, status: status, host: host})
}

// updateReading arms the name server handles only while lookups are outstanding, so an idle
// resolver does not keep the loop running.
func (r *Resolver) updateReading() {
	want := len(r.queries) > 0
	for _, c := range r.conns {
		if c == nil || (c.handle.readHandler != nil) == want {
			continue
		}
		var handler ReadHandler
		if want {
			handler = c
		}
		if err := c.handle.SetReadHandler(handler); err != nil {
			log.Debug().Msgf("[%d] can't update name server reading: %v", c.handle.FD(), err)
		}
	}
}

func (r *Resolver) Pending() bool {
	return len(r.queries) > 0 || r.ready.Length() > 0
}

func (r *Resolver) Deadline() (time.Time, bool) {
	if r.ready.Length() > 0 {
		return time.Now(), true
	}
	var next time.Time
	found := false
	for _, q := range r.queries {
		if !found || q.deadline.Before(next) {
			next, found = q.deadline, true
		}
	}
	return next, found
}

// Pump delivers deferred results and moves expired lookups to their next attempt.
func (r *Resolver) Pump(now time.Time) {
	for n := r.ready.Length(); n > 0 && !r.closed && r.ready.Length() > 0; n-- {
		res := r.ready.Remove().(*lookupResult)
		res.q.callback(res.status, res.q.timeouts, res.host)
	}
	if r.closed {
		return
	}
	for _, q := range r.queries {
		if r.closed {
			return
		}
		if now.Before(q.deadline) {
			continue
		}
		status := StatusConnRefused
		if !q.refused {
			q.timeouts++
			status = StatusTimeout
		}
		r.retry(q, status)
	}
	r.updateReading()
}

// Close destroys the resolver. Outstanding lookups complete with StatusDestruction.
func (r *Resolver) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.loop.RemovePump(r)
	for r.ready.Length() > 0 {
		res := r.ready.Remove().(*lookupResult)
		res.q.callback(res.status, res.q.timeouts, res.host)
	}
	for id, q := range r.queries {
		delete(r.queries, id)
		q.callback(StatusDestruction, q.timeouts, nil)
	}
	for i, c := range r.conns {
		if c == nil {
			continue
		}
		r.conns[i] = nil
		if state := c.handle.State(); state != StateClosing && state != StateClosed {
			c.handle.Close(nil)
		}
	}
	if r.cache != nil {
		r.cache.Close()
	}
	return nil
}
