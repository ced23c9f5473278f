package tcmu

import (
	"bytes"

	"github.com/agrover/tcmu-runner/scsi"
	"github.com/prometheus/common/log"
)

// modeSelectBufSize bounds the parameter list MODE SELECT accepts.
const modeSelectBufSize = 512

// modePage generates the current body of one mode page into buf, truncated
// to len(buf), and returns the untruncated body length. buf may be nil.
type modePage struct {
	page    byte
	subpage byte
	get     func(dev DeviceInfo, buf []byte) int
}

// Table order is the order page 0x3f returns them in.
var modePages = []modePage{
	{scsi.ModePageRWErrorRecovery, 0, rwRecoveryPage},
	{scsi.ModePageCaching, 0, cachingPage},
	{scsi.ModePageControl, 0, controlPage},
}

func findModePage(page, subpage byte) *modePage {
	for i := range modePages {
		if modePages[i].page == page && modePages[i].subpage == subpage {
			return &modePages[i]
		}
	}
	return nil
}

func rwRecoveryPage(dev DeviceInfo, buf []byte) int {
	data := newPageBuf(12)
	data[0] = scsi.ModePageRWErrorRecovery
	data[1] = 0x0a
	copy(buf, data)
	return len(data)
}

func cachingPage(dev DeviceInfo, buf []byte) int {
	data := newPageBuf(20)
	data[0] = scsi.ModePageCaching
	data[1] = 0x12
	if dev.WriteCacheEnabled() {
		// WCE
		data[2] = 0x04
	}
	copy(buf, data)
	return len(data)
}

func controlPage(dev DeviceInfo, buf []byte) int {
	data := newPageBuf(12)
	data[0] = scsi.ModePageControl
	data[1] = 0x0a
	// GLTSD: log parameters are never implicitly saved
	data[2] = 0x02
	// TAS, the LIO default
	data[5] = 0x40
	// BUSY TIMEOUT PERIOD: unlimited
	data.putUint16(8, 0xffff)
	copy(buf, data)
	return len(data)
}

// shortBlockDescriptor sets the BLOCK DESCRIPTOR LENGTH in the mode header
// and, if it fits, the 8 byte descriptor after it.
func shortBlockDescriptor(dev DeviceInfo, buf pageBuf, ten bool) int {
	const descLen = 8
	hdrLen := 4
	if ten {
		buf.putUint16(6, descLen)
		hdrLen = 8
	} else {
		buf[3] = descLen
	}
	if hdrLen+descLen > len(buf) {
		return descLen
	}

	numLBAs := dev.NumLBAs()
	if numLBAs < 0x100000000 {
		buf.putUint32(hdrLen, uint32(numLBAs))
	} else {
		buf.putUint32(hdrLen, 0xffffffff)
	}
	// byte 4 of the descriptor is reserved
	buf.putUint24(hdrLen+5, dev.BlockSize())
	return descLen
}

// longBlockDescriptor is the LONGLBA form, MODE SENSE(10) only.
func longBlockDescriptor(dev DeviceInfo, buf pageBuf) int {
	const descLen = 16
	buf.putUint16(6, descLen)
	if 8+descLen > len(buf) {
		return descLen
	}
	buf.putUint64(8, dev.NumLBAs())
	buf.putUint32(8+12, dev.BlockSize())
	return descLen
}

// EmulateModeSense handles MODE SENSE(6) and MODE SENSE(10) for disks. The
// mode data length always reports the full size, even when the allocation
// length truncates what is transferred.
func EmulateModeSense(dev DeviceInfo, cdb scsi.CDB, iov IOVec) Status {
	ten := cdb.Opcode() == scsi.ModeSense10
	pageCode := cdb[2] & 0x3f
	subpageCode := cdb[3]
	allocLen := int(cdb.XferLen())

	if allocLen == 0 {
		return StatusOK
	}

	// Mode parameter header; the mode data length is filled in at the end.
	used := 4
	if ten {
		used = 8
	}
	if used > allocLen {
		return StatusInvalidCDB
	}

	out := newPageBuf(allocLen)

	// MEDIUM TYPE 00h and no DEVICE-SPECIFIC PARAMETER bits.
	if cdb[1]&0x08 == 0 { // !DBD
		if ten && cdb[1]&0x10 != 0 { // LLBAA
			used += longBlockDescriptor(dev, out)
		} else {
			used += shortBlockDescriptor(dev, out, ten)
		}
	}

	var buf []byte
	if used < allocLen {
		buf = out[used:]
	}

	sense := func(p *modePage) bool {
		ret := p.get(dev, buf)
		if !ten && used+ret >= 255 {
			return false
		}
		// Keep counting once the allocation length is exhausted.
		if buf != nil && used+ret >= allocLen {
			buf = nil
		}
		used += ret
		if buf != nil {
			buf = buf[ret:]
		}
		return true
	}

	if pageCode == scsi.ModePageAll {
		for i := range modePages {
			if !sense(&modePages[i]) {
				log.Debugf("mode sense: page 0x%x overflows the 6 byte header", modePages[i].page)
				return StatusInvalidCDB
			}
		}
	} else {
		p := findModePage(pageCode, subpageCode)
		if p == nil {
			log.Debugf("mode sense: page 0x%x/0x%x not supported", pageCode, subpageCode)
			return StatusInvalidCDB
		}
		if !sense(p) {
			return StatusInvalidCDB
		}
	}

	if ten {
		out.putUint16(0, uint16(used-2))
	} else {
		out[0] = byte(used - 1)
	}

	iov.CopyInto(out)
	return StatusOK
}

// EmulateModeSelect handles MODE SELECT(6) and MODE SELECT(10). Nothing is
// changeable, so it only succeeds when the page sent matches the current one.
func EmulateModeSelect(dev DeviceInfo, cdb scsi.CDB, iov IOVec) Status {
	ten := cdb.Opcode() == scsi.ModeSelect10
	pageCode := cdb[2] & 0x3f
	subpageCode := cdb[3]
	allocLen := int(cdb.XferLen())
	hdrLen := 4
	if ten {
		hdrLen = 8
	}

	if allocLen == 0 {
		return StatusOK
	}

	in := make([]byte, modeSelectBufSize)
	if iov.Length() >= modeSelectBufSize {
		return StatusInvalidParamListLen
	}
	iov.CopyFrom(in)

	// PF must be set and SP clear.
	if cdb[1]&0x10 == 0 || cdb[1]&0x01 != 0 {
		return StatusInvalidCDB
	}

	p := findModePage(pageCode, subpageCode)
	if p == nil {
		return StatusInvalidCDB
	}
	cur := make([]byte, modeSelectBufSize)
	ret := p.get(dev, cur[hdrLen:])
	if ret <= 0 {
		return StatusInvalidCDB
	}
	if !ten && hdrLen+ret >= 255 {
		return StatusInvalidCDB
	}

	if allocLen < hdrLen+ret {
		return StatusInvalidParamListLen
	}

	if !bytes.Equal(cur[hdrLen:hdrLen+ret], in[hdrLen:hdrLen+ret]) {
		log.Debugf("mode select: page 0x%x differs from current values", pageCode)
		return StatusInvalidParamList
	}
	return StatusOK
}
