//go:build linux || darwin

package ioloop

import (
	"github.com/pkg/errors"
)

// HandleID is a stable identifier of a registry slot. A slot is reused after its handle
// closes, with a new generation, so stale identifiers never resolve to the new handle.
type HandleID uint64

func makeHandleID(index, gen uint32) HandleID {
	return HandleID(uint64(gen)<<32 | uint64(index))
}

func (id HandleID) index() uint32 {
	return uint32(id)
}

func (id HandleID) generation() uint32 {
	return uint32(id >> 32)
}

type slot struct {
	handle *Handle
	gen    uint32
}

// Registry is the arena of live handles owned by a Loop.
type Registry struct {
	slots []slot
	free  []uint32
	byFd  map[int]HandleID
	armed int
}

func newRegistry() *Registry {
	return &Registry{
		byFd: make(map[int]HandleID),
	}
}

func (r *Registry) add(h *Handle) (HandleID, error) {
	if _, ok := r.byFd[h.fd]; ok {
		return 0, errors.Wrapf(ErrFDInUse, "fd %d", h.fd)
	}
	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}
	s := &r.slots[index]
	s.gen++
	s.handle = h
	id := makeHandleID(index, s.gen)
	r.byFd[h.fd] = id
	return id, nil
}

func (r *Registry) remove(h *Handle) {
	index := h.id.index()
	if int(index) >= len(r.slots) || r.slots[index].handle != h {
		return
	}
	r.slots[index].handle = nil
	r.free = append(r.free, index)
	if id, ok := r.byFd[h.fd]; ok && id == h.id {
		delete(r.byFd, h.fd)
	}
}

// Get resolves id to its live handle.
func (r *Registry) Get(id HandleID) (*Handle, bool) {
	index := id.index()
	if int(index) >= len(r.slots) {
		return nil, false
	}
	s := r.slots[index]
	if s.handle == nil || s.gen != id.generation() {
		return nil, false
	}
	return s.handle, true
}

func (r *Registry) lookupFd(fd int) (*Handle, bool) {
	id, ok := r.byFd[fd]
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// Len is the number of live handles.
func (r *Registry) Len() int {
	return len(r.byFd)
}

// Armed is the number of live handles with at least one watcher armed.
func (r *Registry) Armed() int {
	return r.armed
}

// Handles returns a snapshot of the live handles in slot order.
func (r *Registry) Handles() []*Handle {
	handles := make([]*Handle, 0, len(r.byFd))
	for _, s := range r.slots {
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
	}
	return handles
}
