// Package rdmaverbs is the thin cgo layer over libibverbs and librdmacm.
// Everything above this package (device, connmgr, channel, pool) talks to
// RDMA hardware only through the types and functions exported here.
package rdmaverbs

/*
#cgo LDFLAGS: -libverbs -lrdmacm
#include <infiniband/verbs.h>
#include <rdma/rdma_cma.h>
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// AccessFlags mirrors the ibv_access_flags bitmask used when registering a
// memory region or negotiating QP attributes.
type AccessFlags int

const (
	AccessLocalWrite   = AccessFlags(C.IBV_ACCESS_LOCAL_WRITE)
	AccessRemoteWrite  = AccessFlags(C.IBV_ACCESS_REMOTE_WRITE)
	AccessRemoteRead   = AccessFlags(C.IBV_ACCESS_REMOTE_READ)
	AccessRemoteAtomic = AccessFlags(C.IBV_ACCESS_REMOTE_ATOMIC)
)

// DefaultAccessFlags grants everything the connection manager's QPs need:
// local write plus remote read/write/atomic (spec: "access flags include
// local write + remote read/write + atomic").
const DefaultAccessFlags = AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead | AccessRemoteAtomic

// DeviceInfo describes one enumerated HCA.
type DeviceInfo struct {
	Name string
	ctx  *Context
}

// Context wraps an opened ibv_context.
type Context struct {
	ptr *C.struct_ibv_context
}

// Close releases the device context.
func (c *Context) Close() error {
	if c == nil || c.ptr == nil {
		return nil
	}
	if rc := C.ibv_close_device(c.ptr); rc != 0 {
		return fmt.Errorf("ibv_close_device: %d", rc)
	}
	c.ptr = nil
	return nil
}

// GetDeviceList enumerates the HCAs visible to this process. Devices must be
// closed by the caller once a context has been opened via Open.
func GetDeviceList() ([]DeviceInfo, error) {
	var n C.int
	list := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, fmt.Errorf("ibv_get_device_list: no devices")
	}
	defer C.ibv_free_device_list(list)

	devices := make([]DeviceInfo, 0, int(n))
	slice := unsafe.Slice(list, int(n))
	for _, dev := range slice {
		name := C.GoString(C.ibv_get_device_name(dev))
		devices = append(devices, DeviceInfo{Name: name})
	}
	return devices, nil
}

// PortIsActive reports whether the named device's given port is ACTIVE,
// used by the device package to pick the first usable port.
func PortIsActive(name string, port int) (bool, error) {
	ctx, err := OpenDevice(name)
	if err != nil {
		return false, err
	}
	defer ctx.Close()

	var attr C.struct_ibv_port_attr
	if rc := C.ibv_query_port(ctx.ptr, C.uint8_t(port), (*C.struct_ibv_port_attr)(unsafe.Pointer(&attr))); rc != 0 {
		return false, fmt.Errorf("ibv_query_port: %d", rc)
	}
	return attr.state == C.IBV_PORT_ACTIVE, nil
}

// OpenDevice opens the named device by re-walking ibv_get_device_list and
// matching on name, since ibv_context pointers don't outlive the list.
func OpenDevice(name string) (*Context, error) {
	var n C.int
	list := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, fmt.Errorf("ibv_get_device_list: no devices")
	}
	defer C.ibv_free_device_list(list)

	slice := unsafe.Slice(list, int(n))
	for _, dev := range slice {
		if C.GoString(C.ibv_get_device_name(dev)) == name {
			ctx := C.ibv_open_device(dev)
			if ctx == nil {
				return nil, fmt.Errorf("ibv_open_device(%s): failed", name)
			}
			return &Context{ptr: ctx}, nil
		}
	}
	return nil, fmt.Errorf("device %q not found", name)
}

// ProtectionDomain wraps an ibv_pd.
type ProtectionDomain struct {
	ptr *C.struct_ibv_pd
}

// AllocPD allocates a new protection domain on the given device context.
func AllocPD(ctx *Context) (*ProtectionDomain, error) {
	pd := C.ibv_alloc_pd(ctx.ptr)
	if pd == nil {
		return nil, fmt.Errorf("ibv_alloc_pd: failed")
	}
	return &ProtectionDomain{ptr: pd}, nil
}

func (pd *ProtectionDomain) Close() error {
	if pd == nil || pd.ptr == nil {
		return nil
	}
	if rc := C.ibv_dealloc_pd(pd.ptr); rc != 0 {
		return fmt.Errorf("ibv_dealloc_pd: %d", rc)
	}
	pd.ptr = nil
	return nil
}

// MemoryRegion wraps an ibv_mr. The backing buffer must be kept alive by the
// caller for the lifetime of the registration (it is pinned, not copied).
type MemoryRegion struct {
	ptr  *C.struct_ibv_mr
	Addr uintptr
	Len  uint64
	Lkey uint32
	Rkey uint32
}

// RegisterMemoryRegion pins buf with the HCA under pd, yielding lkey/rkey.
func RegisterMemoryRegion(pd *ProtectionDomain, buf []byte, access AccessFlags) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("cannot register a zero-length region")
	}
	addr := unsafe.Pointer(&buf[0])
	mr := C.ibv_reg_mr(pd.ptr, addr, C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return nil, fmt.Errorf("ibv_reg_mr: failed")
	}
	return &MemoryRegion{
		ptr:  mr,
		Addr: uintptr(addr),
		Len:  uint64(len(buf)),
		Lkey: uint32(mr.lkey),
		Rkey: uint32(mr.rkey),
	}, nil
}

func (mr *MemoryRegion) Close() error {
	if mr == nil || mr.ptr == nil {
		return nil
	}
	if rc := C.ibv_dereg_mr(mr.ptr); rc != 0 {
		return fmt.Errorf("ibv_dereg_mr: %d", rc)
	}
	mr.ptr = nil
	return nil
}

// CompletionQueue wraps an ibv_cq.
type CompletionQueue struct {
	ptr *C.struct_ibv_cq
}

// CreateCQ creates a completion queue of the given capacity on ctx.
func CreateCQ(ctx *Context, capacity int) (*CompletionQueue, error) {
	cq := C.ibv_create_cq(ctx.ptr, C.int(capacity), nil, nil, 0)
	if cq == nil {
		return nil, fmt.Errorf("ibv_create_cq: failed")
	}
	return &CompletionQueue{ptr: cq}, nil
}

func (cq *CompletionQueue) Close() error {
	if cq == nil || cq.ptr == nil {
		return nil
	}
	if rc := C.ibv_destroy_cq(cq.ptr); rc != 0 {
		return fmt.Errorf("ibv_destroy_cq: %d", rc)
	}
	cq.ptr = nil
	return nil
}

// WorkCompletionStatus mirrors ibv_wc_status; only Success is non-fatal.
type WorkCompletionStatus int

const WCSuccess = WorkCompletionStatus(C.IBV_WC_SUCCESS)

// WorkCompletion is a polled completion queue entry.
type WorkCompletion struct {
	WrID   uint64
	Status WorkCompletionStatus
	Opcode int
}

// PollCQ polls up to len(out) completions from cq, returning the number
// filled in. A negative return from ibv_poll_cq surfaces as an error.
func PollCQ(cq *CompletionQueue, out []WorkCompletion) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	raw := make([]C.struct_ibv_wc, len(out))
	n := C.ibv_poll_cq(cq.ptr, C.int(len(out)), &raw[0])
	if n < 0 {
		return 0, fmt.Errorf("ibv_poll_cq: failed")
	}
	for i := 0; i < int(n); i++ {
		out[i] = WorkCompletion{
			WrID:   uint64(raw[i].wr_id),
			Status: WorkCompletionStatus(raw[i].status),
			Opcode: int(raw[i].opcode),
		}
	}
	return int(n), nil
}
