package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassForClampsAndRounds(t *testing.T) {
	c, err := classFor(1)
	require.NoError(t, err)
	require.Equal(t, 0, c) // clamped up to minClassShift (256B)

	c, err = classFor(256)
	require.NoError(t, err)
	require.Equal(t, 0, c)

	c, err = classFor(257)
	require.NoError(t, err)
	require.Equal(t, 1, c)

	_, err = classFor(0)
	require.Error(t, err)

	_, err = classFor(1 << 21)
	require.Error(t, err)
}

func TestAllocatorReusesFreedBlock(t *testing.T) {
	arena, err := NewArena(1 << 16)
	require.NoError(t, err)
	alloc := NewAllocator(arena)

	a, err := alloc.Allocate(100)
	require.NoError(t, err)

	require.NoError(t, alloc.Deallocate(a, 100))

	b, err := alloc.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, a, b, "second allocation should reuse the freed block instead of bumping")
}

func TestAllocatorBumpsWhenFreeListEmpty(t *testing.T) {
	arena, err := NewArena(1 << 16)
	require.NoError(t, err)
	alloc := NewAllocator(arena)

	a, err := alloc.Allocate(100)
	require.NoError(t, err)
	b, err := alloc.Allocate(100)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestAllocatorExhaustion(t *testing.T) {
	arena, err := NewArena(256)
	require.NoError(t, err)
	alloc := NewAllocator(arena)

	_, err = alloc.Allocate(256)
	require.NoError(t, err)

	_, err = alloc.Allocate(256)
	require.Error(t, err)
}
