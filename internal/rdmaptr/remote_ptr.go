// Package rdmaptr implements the typed remote pointer abstraction: a
// 64-bit word packing a node id into the high 16 bits and a virtual
// address into the low 48 bits.
package rdmaptr

import (
	"fmt"
	"unsafe"
)

const (
	addressBits    = 48
	addressBitmask = (uint64(1) << addressBits) - 1
	idBitmask      = ^addressBitmask
)

// RemotePtr is a typed pointer to memory living on node ID(), at virtual
// address Address(). Arithmetic scales by sizeof(T) and always preserves
// the id field.
type RemotePtr[T any] struct {
	raw uint64
}

// New builds a RemotePtr from an explicit node id and address.
func New[T any](id uint16, address uint64) RemotePtr[T] {
	return RemotePtr[T]{raw: (uint64(id) << addressBits) | (address & addressBitmask)}
}

// FromRaw reinterprets a raw 64-bit word as a RemotePtr.
func FromRaw[T any](raw uint64) RemotePtr[T] {
	return RemotePtr[T]{raw: raw}
}

// Nullptr is the distinguished null value: id=0, address=0.
func Nullptr[T any]() RemotePtr[T] {
	return RemotePtr[T]{}
}

// IsNull reports whether p equals Nullptr[T]().
func (p RemotePtr[T]) IsNull() bool {
	return p.raw == 0
}

// ID returns the node id portion of the pointer.
func (p RemotePtr[T]) ID() uint16 {
	return uint16((p.raw & idBitmask) >> addressBits)
}

// Address returns the virtual-address portion of the pointer.
func (p RemotePtr[T]) Address() uint64 {
	return p.raw & addressBitmask
}

// Raw returns the full 64-bit encoded word.
func (p RemotePtr[T]) Raw() uint64 {
	return p.raw
}

func elemSize[T any]() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero))
}

// Add returns p advanced by k elements of T, preserving the id field.
func (p RemotePtr[T]) Add(k int64) RemotePtr[T] {
	stride := elemSize[T]()
	delta := uint64(k) * stride
	return RemotePtr[T]{raw: (p.raw & idBitmask) | ((p.Address() + delta) & addressBitmask)}
}

// Inc advances p by one element of T and returns the new value (prefix
// increment semantics).
func (p *RemotePtr[T]) Inc() RemotePtr[T] {
	*p = p.Add(1)
	return *p
}

// PostInc advances p by one element of T and returns the value before the
// increment (postfix increment semantics).
func (p *RemotePtr[T]) PostInc() RemotePtr[T] {
	old := *p
	*p = p.Add(1)
	return old
}

// Rebind reinterprets a RemotePtr<T> as a RemotePtr<U> without changing the
// raw encoded value.
func Rebind[U any, T any](p RemotePtr[T]) RemotePtr[U] {
	return RemotePtr[U]{raw: p.raw}
}

func (p RemotePtr[T]) String() string {
	return fmt.Sprintf("(id=%d, address=0x%x)", p.ID(), p.Address())
}

// Equal reports whether two pointers encode the same raw value.
func (p RemotePtr[T]) Equal(o RemotePtr[T]) bool {
	return p.raw == o.raw
}

// Less orders pointers by raw value, useful for deterministic iteration in
// tests.
func (p RemotePtr[T]) Less(o RemotePtr[T]) bool {
	return p.raw < o.raw
}
