package rdmaverbs

/*
#include <infiniband/verbs.h>
#include <rdma/rdma_cma.h>
#include <netinet/in.h>
#include <arpa/inet.h>
#include <string.h>
#include <stdlib.h>
#include <fcntl.h>
*/
import "C"

import (
	"fmt"
	"net"
	"strconv"
	"unsafe"
)

// PortSpace mirrors rdma_port_space; this library only ever uses RDMA_PS_TCP
// (reliable-connected semantics over rdma_cm).
const PortSpaceTCP = C.RDMA_PS_TCP

// EventChannel wraps an rdma_event_channel.
type EventChannel struct {
	ptr *C.struct_rdma_event_channel
}

// CreateEventChannel opens a new rdma_cm event channel.
func CreateEventChannel() (*EventChannel, error) {
	ec := C.rdma_create_event_channel()
	if ec == nil {
		return nil, fmt.Errorf("rdma_create_event_channel: failed")
	}
	return &EventChannel{ptr: ec}, nil
}

// SetNonBlocking puts the event channel's fd into O_NONBLOCK mode so the
// broker's event loop can multiplex it with a poll-based timeout instead of
// blocking forever in rdma_get_cm_event.
func (ec *EventChannel) SetNonBlocking() error {
	fd := ec.Fd()
	flags := C.fcntl(C.int(fd), C.F_GETFL, 0)
	if flags < 0 {
		return fmt.Errorf("fcntl F_GETFL: failed")
	}
	if C.fcntl(C.int(fd), C.F_SETFL, flags|C.O_NONBLOCK) < 0 {
		return fmt.Errorf("fcntl F_SETFL: failed")
	}
	return nil
}

// Fd returns the pollable file descriptor backing this event channel.
func (ec *EventChannel) Fd() int {
	return int(ec.ptr.fd)
}

func (ec *EventChannel) Close() error {
	if ec == nil || ec.ptr == nil {
		return nil
	}
	C.rdma_destroy_event_channel(ec.ptr)
	ec.ptr = nil
	return nil
}

// CMEventType mirrors rdma_cm_event_type for the events this library acts
// on.
type CMEventType int

const (
	EventAddrResolved    CMEventType = C.RDMA_CM_EVENT_ADDR_RESOLVED
	EventRouteResolved   CMEventType = C.RDMA_CM_EVENT_ROUTE_RESOLVED
	EventConnectRequest  CMEventType = C.RDMA_CM_EVENT_CONNECT_REQUEST
	EventEstablished     CMEventType = C.RDMA_CM_EVENT_ESTABLISHED
	EventDisconnected    CMEventType = C.RDMA_CM_EVENT_DISCONNECTED
	EventRejected        CMEventType = C.RDMA_CM_EVENT_REJECTED
	EventConnectError    CMEventType = C.RDMA_CM_EVENT_CONNECT_ERROR
	EventUnreachable     CMEventType = C.RDMA_CM_EVENT_UNREACHABLE
	EventAddrError       CMEventType = C.RDMA_CM_EVENT_ADDR_ERROR
	EventRouteError      CMEventType = C.RDMA_CM_EVENT_ROUTE_ERROR
)

func (t CMEventType) String() string {
	return C.GoString(C.rdma_event_str(C.enum_rdma_cm_event_type(t)))
}

// CMEvent wraps an rdma_cm_event. Ack must be called exactly once to return
// it to the kernel.
type CMEvent struct {
	ptr  *C.struct_rdma_cm_event
	acked bool
}

func (e *CMEvent) Type() CMEventType { return CMEventType(e.ptr.event) }
func (e *CMEvent) ID() *CMID         { return &CMID{ptr: e.ptr.id} }

// PrivateData returns a copy of the connection-establishment private data
// payload delivered with this event. connmgr decodes it into a node id plus
// the peer's channel bootstrap advertisement.
func (e *CMEvent) PrivateData() []byte {
	n := int(e.ptr.param.conn.private_data_len)
	if n == 0 {
		return nil
	}
	return C.GoBytes(e.ptr.param.conn.private_data, C.int(n))
}

// Ack returns the event to the kernel so the id may be reused. Safe to call
// more than once.
func (e *CMEvent) Ack() {
	if e.acked || e.ptr == nil {
		return
	}
	C.rdma_ack_cm_event(e.ptr)
	e.acked = true
}

// GetCMEvent retrieves the next event from ec. Returns (nil, err) on EAGAIN
// when the channel is non-blocking and nothing is pending; callers should
// treat that as "no event yet" rather than an error.
func GetCMEvent(ec *EventChannel) (*CMEvent, error) {
	var ev *C.struct_rdma_cm_event
	rc := C.rdma_get_cm_event(ec.ptr, &ev)
	if rc != 0 {
		return nil, fmt.Errorf("rdma_get_cm_event: %d", rc)
	}
	return &CMEvent{ptr: ev}, nil
}

// CMID wraps an rdma_cm_id.
type CMID struct {
	ptr *C.struct_rdma_cm_id
	// qp is set once a QP has been created (either via rdma_create_qp or,
	// for loopback, manually attached).
	qp *QueuePair
}

// CreateID allocates a new, unbound rdma_cm_id on the given event channel.
func CreateID(ec *EventChannel) (*CMID, error) {
	var id *C.struct_rdma_cm_id
	rc := C.rdma_create_id(ec.ptr, &id, nil, C.enum_rdma_port_space(PortSpaceTCP))
	if rc != 0 {
		return nil, fmt.Errorf("rdma_create_id: %d", rc)
	}
	return &CMID{ptr: id}, nil
}

func (id *CMID) QP() *QueuePair {
	if id.qp != nil {
		return id.qp
	}
	if id.ptr.qp != nil {
		return &QueuePair{ptr: id.ptr.qp}
	}
	return nil
}

func (id *CMID) PD() *ProtectionDomain {
	if id.ptr.verbs == nil {
		return nil
	}
	return &ProtectionDomain{ptr: id.ptr.pd}
}

func (id *CMID) Context() *Context {
	if id.ptr.verbs == nil {
		return nil
	}
	return &Context{ptr: id.ptr.verbs}
}

func sockaddrIn(host string, port uint16) (C.struct_sockaddr_in, error) {
	var addr C.struct_sockaddr_in
	C.memset(unsafe.Pointer(&addr), 0, C.sizeof_struct_sockaddr_in)
	addr.sin_family = C.AF_INET
	addr.sin_port = C.htons(C.uint16_t(port))

	if host == "" {
		addr.sin_addr.s_addr = C.htonl(C.INADDR_ANY)
		return addr, nil
	}

	ips, err := net.LookupHost(host)
	if err != nil || len(ips) == 0 {
		return addr, fmt.Errorf("resolve %q: %w", host, err)
	}
	ip4 := net.ParseIP(ips[0]).To4()
	if ip4 == nil {
		return addr, fmt.Errorf("no IPv4 address for %q", host)
	}
	cstr := C.CString(ips[0])
	defer C.free(unsafe.Pointer(cstr))
	if C.inet_pton(C.AF_INET, cstr, unsafe.Pointer(&addr.sin_addr)) != 1 {
		return addr, fmt.Errorf("inet_pton failed for %q", ips[0])
	}
	return addr, nil
}

// BindAddr binds id to host:port (host may be empty for INADDR_ANY).
func (id *CMID) BindAddr(host string, port uint16) error {
	addr, err := sockaddrIn(host, port)
	if err != nil {
		return err
	}
	rc := C.rdma_bind_addr(id.ptr, (*C.struct_sockaddr)(unsafe.Pointer(&addr)))
	if rc != 0 {
		return fmt.Errorf("rdma_bind_addr: %d", rc)
	}
	return nil
}

// Listen starts listening for incoming connection requests with the given
// backlog.
func (id *CMID) Listen(backlog int) error {
	if rc := C.rdma_listen(id.ptr, C.int(backlog)); rc != 0 {
		return fmt.Errorf("rdma_listen: %d", rc)
	}
	return nil
}

// BoundPort returns the port id is bound to, useful when the caller asked
// for an ephemeral port.
func (id *CMID) BoundPort() uint16 {
	sa := (*C.struct_sockaddr_in)(unsafe.Pointer(C.rdma_get_local_addr(id.ptr)))
	return uint16(C.ntohs(sa.sin_port))
}

// ResolveAddr kicks off address resolution toward host:port with the given
// millisecond timeout.
func (id *CMID) ResolveAddr(host string, port uint16, timeoutMs int) error {
	addr, err := sockaddrIn(host, port)
	if err != nil {
		return err
	}
	rc := C.rdma_resolve_addr(id.ptr, nil, (*C.struct_sockaddr)(unsafe.Pointer(&addr)), C.int(timeoutMs))
	if rc != 0 {
		return fmt.Errorf("rdma_resolve_addr: %d", rc)
	}
	return nil
}

// ResolveRoute kicks off route resolution after address resolution has
// completed.
func (id *CMID) ResolveRoute(timeoutMs int) error {
	if rc := C.rdma_resolve_route(id.ptr, C.int(timeoutMs)); rc != 0 {
		return fmt.Errorf("rdma_resolve_route: %d", rc)
	}
	return nil
}

// CreateQP creates a QP on id via rdma_create_qp, sized per attr.
func (id *CMID) CreateQP(pd *ProtectionDomain, attr QPInitAttr) error {
	var init C.struct_ibv_qp_init_attr
	C.memset(unsafe.Pointer(&init), 0, C.sizeof_struct_ibv_qp_init_attr)
	init.qp_type = C.IBV_QPT_RC
	init.send_cq = attr.SendCQ.ptr
	init.recv_cq = attr.RecvCQ.ptr
	init.cap.max_send_wr = C.uint32_t(attr.MaxSendWr)
	init.cap.max_recv_wr = C.uint32_t(attr.MaxRecvWr)
	init.cap.max_send_sge = C.uint32_t(attr.MaxSendSge)
	init.cap.max_recv_sge = C.uint32_t(attr.MaxRecvSge)
	if attr.SignalAll {
		init.sq_sig_all = 1
	}

	rc := C.rdma_create_qp(id.ptr, pd.ptr, &init)
	if rc != 0 {
		return fmt.Errorf("rdma_create_qp: %d", rc)
	}
	return nil
}

// Connect issues rdma_connect carrying privateData verbatim (the connection
// manager encodes the local node id plus the channel's bootstrap
// information into this payload — see connmgr's wire encoding).
func (id *CMID) Connect(privateData []byte) error {
	var param C.struct_rdma_conn_param
	C.memset(unsafe.Pointer(&param), 0, C.sizeof_struct_rdma_conn_param)
	if len(privateData) > 0 {
		param.private_data = unsafe.Pointer(&privateData[0])
		param.private_data_len = C.uint8_t(len(privateData))
	}
	param.initiator_depth = 8
	param.responder_resources = 8
	param.retry_count = 7
	param.rnr_retry_count = 1

	if rc := C.rdma_connect(id.ptr, &param); rc != 0 {
		return fmt.Errorf("rdma_connect: %d", rc)
	}
	return nil
}

// Accept issues rdma_accept carrying privateData verbatim.
func (id *CMID) Accept(privateData []byte) error {
	var param C.struct_rdma_conn_param
	C.memset(unsafe.Pointer(&param), 0, C.sizeof_struct_rdma_conn_param)
	if len(privateData) > 0 {
		param.private_data = unsafe.Pointer(&privateData[0])
		param.private_data_len = C.uint8_t(len(privateData))
	}
	param.initiator_depth = 8
	param.responder_resources = 8
	param.rnr_retry_count = 1

	if rc := C.rdma_accept(id.ptr, &param); rc != 0 {
		return fmt.Errorf("rdma_accept: %d", rc)
	}
	return nil
}

// Disconnect tears down the connection. Safe to call on an id that was
// never connected.
func (id *CMID) Disconnect() error {
	if rc := C.rdma_disconnect(id.ptr); rc != 0 {
		return fmt.Errorf("rdma_disconnect: %d", rc)
	}
	return nil
}

// Destroy releases id and its QP (if any).
func (id *CMID) Destroy() error {
	if id == nil || id.ptr == nil {
		return nil
	}
	C.rdma_destroy_id(id.ptr)
	id.ptr = nil
	return nil
}

func (id *CMID) String() string {
	return fmt.Sprintf("cmid{%p}", id.ptr)
}

// ParseHostPort splits "host:port" the way connmgr.Connect's caller provides
// it.
func ParseHostPort(hostport string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}
