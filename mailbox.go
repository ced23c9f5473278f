package tcmu

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/agrover/tcmu-runner/scsi"
)

var byteOrder binary.ByteOrder = binary.LittleEndian

// struct tcmu_mailbox, at the start of the uio map.
const (
	offMbVersion  = 0
	offMbFlags    = 2
	offMbCmdrOff  = 4
	offMbCmdrSize = 8
	offMbCmdHead  = 12
	// cmd_tail sits on its own cache line
	offMbCmdTail = 64
)

// struct tcmu_cmd_entry. The header is followed by a union of the request,
// filled in by the kernel, and the response.
const (
	offEntLenOp = 0
	offEntCmdID = 4

	offReq         = 8
	offReqIovCnt   = offReq
	offReqCdbOff   = offReq + 16
	offReqIov0Base = offReq + 40
	// struct iovec is {base, len}, both pointer sized
	iovSize = 2 * ptrSize

	offRespSCSIStatus = offReq
	offRespSense      = offReq + 8

	entOpMask = 0x7
)

type tcmuOpcode uint32

const (
	tcmuOpPad tcmuOpcode = 0
	tcmuOpCmd tcmuOpcode = 1
)

// mailbox is the shared map of a TCMU device: the mailbox header followed
// by the command ring and the data area. Ring positions are relative to the
// start of the ring.
type mailbox []byte

func (m mailbox) version() uint16 {
	return byteOrder.Uint16(m[offMbVersion:])
}

func (m mailbox) flags() uint16 {
	return byteOrder.Uint16(m[offMbFlags:])
}

func (m mailbox) cmdrOff() uint32 {
	return byteOrder.Uint32(m[offMbCmdrOff:])
}

func (m mailbox) cmdrSize() uint32 {
	return byteOrder.Uint32(m[offMbCmdrSize:])
}

// head is advanced by the kernel as it queues commands.
func (m mailbox) head() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m[offMbCmdHead])))
}

func (m mailbox) tail() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m[offMbCmdTail])))
}

func (m mailbox) setTail(pos uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m[offMbCmdTail])), pos)
}

// advance returns the ring position following the entry e at pos.
func (m mailbox) advance(pos uint32, e cmdEntry) uint32 {
	return (pos + uint32(e.size())) % m.cmdrSize()
}

func (m mailbox) entry(pos uint32) cmdEntry {
	return cmdEntry(m[m.cmdrOff()+pos:])
}

// cdb returns the CDB of e, cut to its length. CDBs of an unknown group are
// returned as the opcode alone and rejected by the handler.
func (m mailbox) cdb(e cmdEntry) scsi.CDB {
	cdb := scsi.CDB(m[byteOrder.Uint64(e[offReqCdbOff:]):])
	n, err := cdb.Length()
	if err != nil {
		n = 1
	}
	return cdb[:n:n]
}

// iovec returns the data buffer of iovec idx of e. The kernel stores each
// iov_base as an offset into the map.
func (m mailbox) iovec(e cmdEntry, idx int) []byte {
	iov := e[offReqIov0Base+idx*iovSize:]
	base := readPtr(iov)
	n := readPtr(iov[ptrSize:])
	return m[base : base+n : base+n]
}

func readPtr(b []byte) uint64 {
	if ptrSize == 8 {
		return byteOrder.Uint64(b)
	}
	return uint64(byteOrder.Uint32(b))
}

// cmdEntry is one entry of the command ring. Entry lengths are 8 byte
// aligned, leaving the low bits of len_op for the opcode.
type cmdEntry []byte

func (e cmdEntry) op() tcmuOpcode {
	return tcmuOpcode(byteOrder.Uint32(e[offEntLenOp:]) & entOpMask)
}

func (e cmdEntry) size() int {
	return int(byteOrder.Uint32(e[offEntLenOp:]) &^ entOpMask)
}

func (e cmdEntry) cmdID() uint16 {
	return byteOrder.Uint16(e[offEntCmdID:])
}

func (e cmdEntry) setCmdID(id uint16) {
	byteOrder.PutUint16(e[offEntCmdID:], id)
}

func (e cmdEntry) iovCnt() int {
	return int(byteOrder.Uint32(e[offReqIovCnt:]))
}

func (e cmdEntry) setStatus(status byte) {
	e[offRespSCSIStatus] = status
}

// setSense copies data into the sense buffer, zeroing the rest of it.
func (e cmdEntry) setSense(data []byte) {
	buf := e[offRespSense : offRespSense+tcmuSenseBufferSize]
	n := copy(buf, data)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}
