package rdmaverbs

/*
#include <infiniband/verbs.h>
#include <string.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// LoopbackPortNum is the physical port used when driving a self-loop QP
// through INIT/RTR/RTS manually, bypassing rdma_cm entirely.
const LoopbackPortNum = 1

// CreateLoopbackQP builds a QP directly against pd/ctx (no rdma_cm
// negotiation) sized per attr, for the self-to-self connection path.
func CreateLoopbackQP(ctx *Context, pd *ProtectionDomain, attr QPInitAttr) (*QueuePair, error) {
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

	qp := C.ibv_create_qp(pd.ptr, &init)
	if qp == nil {
		return nil, fmt.Errorf("ibv_create_qp: failed")
	}
	return &QueuePair{ptr: qp}, nil
}

// qpAttrMask mirrors ibv_qp_attr_mask bits used in the three loopback
// transitions below.
const (
	maskState       = C.IBV_QP_STATE
	maskPkeyIndex   = C.IBV_QP_PKEY_INDEX
	maskPort        = C.IBV_QP_PORT
	maskAccessFlags = C.IBV_QP_ACCESS_FLAGS
	maskPathMTU     = C.IBV_QP_PATH_MTU
	maskDestQPN     = C.IBV_QP_DEST_QPN
	maskRQPSN       = C.IBV_QP_RQ_PSN
	maskMaxDestRd   = C.IBV_QP_MAX_DEST_RD_ATOMIC
	maskMinRnrTimer = C.IBV_QP_MIN_RNR_TIMER
	maskAVWithPort  = C.IBV_QP_AV
	maskTimeout     = C.IBV_QP_TIMEOUT
	maskRetryCnt    = C.IBV_QP_RETRY_CNT
	maskRnrRetry    = C.IBV_QP_RNR_RETRY
	maskSQPSN       = C.IBV_QP_SQ_PSN
	maskMaxQPRd     = C.IBV_QP_MAX_QP_RD_ATOMIC
)

// ModifyQPInit drives qp from RESET to INIT, granting the access flags the
// connection manager requires (local write + remote read/write/atomic).
func ModifyQPInit(qp *QueuePair, access AccessFlags, port uint8) error {
	var attr C.struct_ibv_qp_attr
	C.memset(unsafe.Pointer(&attr), 0, C.sizeof_struct_ibv_qp_attr)
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = C.uint8_t(port)
	attr.qp_access_flags = C.uint32_t(access)

	mask := C.int(maskState | maskPkeyIndex | maskPort | maskAccessFlags)
	if rc := C.ibv_modify_qp(qp.ptr, &attr, mask); rc != 0 {
		return fmt.Errorf("ibv_modify_qp(INIT): %d", rc)
	}
	return nil
}

// ModifyQPToRTR drives qp from INIT to RTR, looping back to its own qp_num
// on LoopbackPortNum.
func ModifyQPToRTR(qp *QueuePair, destQPN uint32, port uint8) error {
	var attr C.struct_ibv_qp_attr
	C.memset(unsafe.Pointer(&attr), 0, C.sizeof_struct_ibv_qp_attr)
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.IBV_MTU_4096
	attr.dest_qp_num = C.uint32_t(destQPN)
	attr.rq_psn = 0
	attr.max_dest_rd_atomic = 8
	attr.min_rnr_timer = 12
	attr.ah_attr.is_global = 0
	attr.ah_attr.dlid = 0
	attr.ah_attr.sl = 0
	attr.ah_attr.src_path_bits = 0
	attr.ah_attr.port_num = C.uint8_t(port)

	mask := C.int(maskState | maskPathMTU | maskDestQPN | maskRQPSN | maskMaxDestRd | maskMinRnrTimer | maskAVWithPort)
	if rc := C.ibv_modify_qp(qp.ptr, &attr, mask); rc != 0 {
		return fmt.Errorf("ibv_modify_qp(RTR): %d", rc)
	}
	return nil
}

// ModifyQPToRTS drives qp from RTR to RTS.
func ModifyQPToRTS(qp *QueuePair) error {
	var attr C.struct_ibv_qp_attr
	C.memset(unsafe.Pointer(&attr), 0, C.sizeof_struct_ibv_qp_attr)
	attr.qp_state = C.IBV_QPS_RTS
	attr.timeout = 12
	attr.retry_cnt = 7
	attr.rnr_retry = 1
	attr.sq_psn = 0
	attr.max_rd_atomic = 8

	mask := C.int(maskState | maskTimeout | maskRetryCnt | maskRnrRetry | maskSQPSN | maskMaxQPRd)
	if rc := C.ibv_modify_qp(qp.ptr, &attr, mask); rc != 0 {
		return fmt.Errorf("ibv_modify_qp(RTS): %d", rc)
	}
	return nil
}

// DestroyQP releases a QP created via CreateLoopbackQP. QPs created through
// rdma_create_qp are destroyed as part of rdma_destroy_id instead.
func DestroyQP(qp *QueuePair) error {
	if qp == nil || qp.ptr == nil {
		return nil
	}
	if rc := C.ibv_destroy_qp(qp.ptr); rc != 0 {
		return fmt.Errorf("ibv_destroy_qp: %d", rc)
	}
	qp.ptr = nil
	return nil
}
