//go:build linux || darwin

package ioloop

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type readyEvent struct {
	fd    int
	ready Interest
}

// fakeReactor is level triggered over a readiness table the test controls.
type fakeReactor struct {
	interest map[int]Interest
	level    map[int]Interest
	injected []readyEvent
	waits    int
	wakeups  int
	closed   bool
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{
		interest: make(map[int]Interest),
		level:    make(map[int]Interest),
	}
}

func (r *fakeReactor) Watch(fd int, in Interest) error {
	r.interest[fd] |= in
	return nil
}

func (r *fakeReactor) Unwatch(fd int, in Interest) error {
	r.interest[fd] &^= in
	if r.interest[fd] == 0 {
		delete(r.interest, fd)
	}
	return nil
}

func (r *fakeReactor) Wait(_ time.Duration, fn func(fd int, ready Interest)) (int, error) {
	r.waits++
	events := r.injected
	r.injected = nil
	fds := make([]int, 0, len(r.interest))
	for fd := range r.interest {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	for _, fd := range fds {
		if ready := r.level[fd] & r.interest[fd]; ready != 0 {
			events = append(events, readyEvent{fd: fd, ready: ready})
		}
	}
	for _, ev := range events {
		fn(ev.fd, ev.ready)
	}
	return len(events), nil
}

func (r *fakeReactor) Wakeup() error {
	r.wakeups++
	return nil
}

func (r *fakeReactor) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReactor) setReady(fd int, in Interest) {
	r.level[fd] = in
}

// inject reports ready on the next Wait regardless of interest, like an event collected
// before the interest changed.
func (r *fakeReactor) inject(fd int, ready Interest) {
	r.injected = append(r.injected, readyEvent{fd: fd, ready: ready})
}

type readResult struct {
	data []byte
	err  error
}

// fakeSys records writes and replays scripted results. Without a script writev accepts
// everything and read would block.
type fakeSys struct {
	quota       []int
	writevErrs  []error
	written     []byte
	writevCalls int
	iovCounts   []int
	reads       map[int][]readResult
	connectErr  error
	socketErr   error
	closed      []int
}

func newFakeSys() *fakeSys {
	return &fakeSys{reads: make(map[int][]readResult)}
}

func (s *fakeSys) read(fd int, p []byte) (int, error) {
	results := s.reads[fd]
	if len(results) == 0 {
		return 0, ErrWouldBlock
	}
	res := results[0]
	s.reads[fd] = results[1:]
	if res.err != nil {
		return 0, res.err
	}
	return copy(p, res.data), nil
}

func (s *fakeSys) writev(_ int, iovs [][]byte) (int, error) {
	s.writevCalls++
	s.iovCounts = append(s.iovCounts, len(iovs))
	if len(s.writevErrs) > 0 {
		err := s.writevErrs[0]
		s.writevErrs = s.writevErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	limit := -1
	if len(s.quota) > 0 {
		limit = s.quota[0]
		s.quota = s.quota[1:]
	}
	n := 0
	for _, iov := range iovs {
		if limit >= 0 && n+len(iov) > limit {
			s.written = append(s.written, iov[:limit-n]...)
			n = limit
			break
		}
		s.written = append(s.written, iov...)
		n += len(iov)
	}
	return n, nil
}

func (s *fakeSys) connect(int, unix.Sockaddr) error {
	return s.connectErr
}

func (s *fakeSys) socketError(int) error {
	return s.socketErr
}

func (s *fakeSys) accept(int) (int, unix.Sockaddr, error) {
	return -1, nil, ErrWouldBlock
}

func (s *fakeSys) close(fd int) error {
	s.closed = append(s.closed, fd)
	return nil
}

func newTestLoop(t *testing.T) (*Loop, *fakeReactor, *fakeSys) {
	t.Helper()
	reactor, sys := newFakeReactor(), newFakeSys()
	loop, err := NewLoop(LoopConfig{Name: t.Name()}, WithReactor(reactor), withSys(sys))
	require.NoError(t, err)
	t.Cleanup(func() {
		if !loop.closed {
			loop.Close()
		}
	})
	return loop, reactor, sys
}

// testSocketPair returns real descriptors so Open can inspect them. The fake close leaves
// them open, the cleanup closes them.
func testSocketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func openConnected(t *testing.T, loop *Loop) *Handle {
	t.Helper()
	fd, _ := testSocketPair(t)
	h, err := loop.OpenStream(fd)
	require.NoError(t, err)
	return h
}

// requireWatchers checks that the armed watchers follow from the handle state.
func requireWatchers(t *testing.T, h *Handle, reactor *fakeReactor) {
	t.Helper()
	var wantRead, wantWrite bool
	switch h.State() {
	case StateConnecting:
		wantWrite = true
	case StateConnected:
		wantRead = h.readHandler != nil && !h.readDone
		wantWrite = h.QueueLen() > 0
	case StateListening:
		wantRead = h.acceptHandler != nil
	}
	require.Equal(t, wantRead, h.ReadArmed(), "read watcher in state %s", h.State())
	require.Equal(t, wantWrite, h.WriteArmed(), "write watcher in state %s", h.State())
	require.Equal(t, wantRead, reactor.interest[h.FD()]&InterestRead != 0)
	require.Equal(t, wantWrite, reactor.interest[h.FD()]&InterestWrite != 0)
}

func bytesOf(n int, c byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return b
}
