//go:build linux || darwin

package ioloop

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReusesSlotsWithNewGeneration(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	first := openConnected(t, loop)
	id := first.ID()
	got, ok := loop.Registry().Get(id)
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 1, loop.Registry().Len())

	require.NoError(t, first.Close(nil))
	_, ok = loop.Registry().Get(id)
	assert.False(t, ok)

	second := openConnected(t, loop)
	assert.Equal(t, id.index(), second.ID().index())
	assert.NotEqual(t, id, second.ID())
	_, ok = loop.Registry().Get(id)
	assert.False(t, ok, "a stale id must not resolve to the new handle")
	got, ok = loop.Registry().Get(second.ID())
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistryRefusesLiveDescriptor(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	h := openConnected(t, loop)
	_, err := loop.OpenStream(h.FD())
	assert.True(t, errors.Is(err, ErrFDInUse))
	assert.Equal(t, 1, loop.Registry().Len())

	require.NoError(t, h.Close(nil))
	again, err := loop.OpenStream(h.FD())
	require.NoError(t, err)
	assert.Equal(t, h.FD(), again.FD())
}

func TestRegistryTracksArmedHandles(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	a := openConnected(t, loop)
	b := openConnected(t, loop)
	assert.Equal(t, 0, loop.Registry().Armed())

	require.NoError(t, a.SetReadHandler(ReadFunc(func(*Handle, []byte, error) {})))
	_, err := a.Write([]Buf{Buf("x")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, loop.Registry().Armed(), "one handle with two watchers counts once")

	_, err = b.Write([]Buf{Buf("y")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, loop.Registry().Armed())

	require.NoError(t, a.Close(nil))
	assert.Equal(t, 1, loop.Registry().Armed())
	assert.Len(t, loop.Registry().Handles(), 1)
}
