package tcmu

import (
	"github.com/agrover/tcmu-runner/scsi"
)

// EmulateReadCapacity10 answers READ CAPACITY(10). Devices with 2^32 or
// more blocks report 0xffffffff so the initiator retries with READ
// CAPACITY(16).
func EmulateReadCapacity10(numLBAs uint64, blockSize uint32, cdb scsi.CDB, iov IOVec) Status {
	buf := newPageBuf(8)
	if numLBAs < 0x100000000 {
		// last LBA
		buf.putUint32(0, uint32(numLBAs-1))
	} else {
		buf.putUint32(0, 0xffffffff)
	}
	buf.putUint32(4, blockSize)

	iov.CopyInto(buf)
	return StatusOK
}

// EmulateReadCapacity16 answers READ CAPACITY(16).
func EmulateReadCapacity16(numLBAs uint64, blockSize uint32, cdb scsi.CDB, iov IOVec) Status {
	buf := newPageBuf(32)
	buf.putUint64(0, numLBAs-1)
	buf.putUint32(8, blockSize)
	// LBPME, and LBPRZ to match the LBPRZ field of VPD page 0xb2
	buf[14] = 0x80 | 0x40

	iov.CopyInto(buf)
	return StatusOK
}

// EmulateStartStop accepts START STOP UNIT only for starting the unit with
// no power condition. Medium ejection is not supported and ignored.
func EmulateStartStop(cdb scsi.CDB) Status {
	if (cdb[4]>>4)&0xf != 0 {
		return StatusInvalidCDB
	}
	if cdb[4]&0x01 == 0 {
		return StatusInvalidCDB
	}
	return StatusOK
}

// EmulateTestUnitReady always reports the unit ready; a device that is not
// open is answered before the command reaches the emulators.
func EmulateTestUnitReady(cdb scsi.CDB) Status {
	return StatusOK
}
