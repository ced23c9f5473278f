package tcmu

import (
	"bytes"
	"fmt"

	"github.com/agrover/tcmu-runner/scsi"
	"github.com/prometheus/common/log"
)

const (
	vpdMaxUnmapLBACount       = 32 * 1024 * 1024
	vpdMaxUnmapBlockDescCount = 0x04
	vpdMaxWriteSameLength     = 0xffffffff

	// scsiNameMaxLen is the largest multiple of four a one byte DESIGNATOR
	// LENGTH can hold.
	scsiNameMaxLen = 252
	// The ASCII designators are bounded so their one byte length fields,
	// which include a terminator, cannot wrap.
	t10WWNMaxLen    = 255 - 8 - 1
	cfgStringMaxLen = 255 - 1

	// Large enough for every page 0x83 descriptor at its maximum length.
	vpd83BufSize = 2048

	// t10VendorID is what the kernel reports in its own T10 vendor id
	// designator, whatever the standard INQUIRY vendor is.
	t10VendorID = "LIO-ORG"
)

// InquiryInfo holds the general vendor information for the emulated SCSI Device. Fields are padded or truncated to their INQUIRY field widths.
type InquiryInfo struct {
	VendorID   string
	ProductID  string
	ProductRev string
}

var defaultInquiry = InquiryInfo{
	VendorID:   "LIO-ORG",
	ProductID:  "TCMU device",
	ProductRev: "0002",
}

// FixedString pads s with spaces, or truncates it, to exactly length bytes.
func FixedString(s string, length int) []byte {
	p := []byte(s)
	l := len(p)
	if l >= length {
		return p[:length]
	}
	sp := bytes.Repeat([]byte{' '}, length-l)
	return append(p, sp...)
}

// EmulateInquiry handles INQUIRY (0x12). port may be nil when the device is
// not part of an ALUA target port group; inq may be nil for the defaults.
func EmulateInquiry(dev DeviceInfo, port *TargetPort, inq *InquiryInfo, cdb scsi.CDB, iov IOVec) Status {
	if inq == nil {
		inq = &defaultInquiry
	}
	if cdb[1]&0x01 == 0 {
		if cdb[2] == 0x00 {
			return EmulateStdInquiry(port, inq, iov)
		}
		return StatusInvalidCDB
	}
	return EmulateEvpdInquiry(dev, port, inq, cdb, iov)
}

// EmulateStdInquiry writes the 36 byte standard INQUIRY data.
func EmulateStdInquiry(port *TargetPort, inq *InquiryInfo, iov IOVec) Status {
	buf := newPageBuf(36)
	buf[2] = 0x05 // SPC-3
	buf[3] = 0x02 // response data format
	buf[5] = 0x08 // 3PC, XCOPY
	if port != nil && port.Group != nil {
		buf.setBits(5, port.Group.TPGS)
	}
	buf[7] = 0x02 // CmdQue
	buf.putFixed(8, inq.VendorID, 8)
	buf.putFixed(16, inq.ProductID, 16)
	buf.putFixed(32, inq.ProductRev, 4)
	buf[4] = 31 // Set additional length to 31

	iov.CopyInto(buf)
	return StatusOK
}

// EmulateEvpdInquiry writes the vital product data page selected by cdb[2].
func EmulateEvpdInquiry(dev DeviceInfo, port *TargetPort, inq *InquiryInfo, cdb scsi.CDB, iov IOVec) Status {
	vpdType := cdb[2]
	log.Debugf("SCSI EVPD Inquiry 0x%x", vpdType)
	switch vpdType {
	case scsi.VpdSupportedPages:
		data := newPageBuf(16)
		// spc4r22 7.7.13: ascending order beginning with page code 00h
		supported := []byte{
			scsi.VpdSupportedPages,
			scsi.VpdUnitSerialNumber,
			scsi.VpdDeviceIdentifier,
			scsi.VpdBlockLimits,
			scsi.VpdBlockCharacteristic,
			scsi.VpdLbProvisioning,
		}
		copy(data[4:], supported)
		data[3] = byte(len(supported))

		iov.CopyInto(data)
		return StatusOK
	case scsi.VpdUnitSerialNumber:
		wwn, err := dev.WWN()
		if err != nil {
			log.Errorf("cannot get unit serial: %v", err)
			return StatusHWErr
		}
		data := newPageBuf(512)
		data[1] = scsi.VpdUnitSerialNumber
		// The kernel limits unit_serial to 254 bytes.
		n := data.putString(4, wwn, 254)
		data[3] = byte(n + 1)

		iov.CopyInto(data)
		return StatusOK
	case scsi.VpdDeviceIdentifier:
		wwn, err := dev.WWN()
		if err != nil {
			log.Errorf("cannot get unit serial: %v", err)
			return StatusHWErr
		}
		data := newPageBuf(vpd83BufSize)
		data[1] = scsi.VpdDeviceIdentifier
		used := deviceIdentifiers(data, dev, port, wwn)
		data.putUint16(2, uint16(used))

		iov.CopyInto(data[:used+4])
		return StatusOK
	case scsi.VpdBlockLimits:
		data := newPageBuf(64)
		data[1] = scsi.VpdBlockLimits
		data.putUint16(2, 0x3c)
		// WSNZ: a zero NUMBER OF LOGICAL BLOCKS in WRITE SAME is refused.
		data[4] = 0x01
		// MAXIMUM COMPARE AND WRITE LENGTH
		data[5] = 0x01

		maxXfer := dev.MaxXferLen()
		data.putUint32(8, maxXfer)
		data.putUint32(12, maxXfer)

		if dev.UnmapSupported() {
			data.putUint32(20, vpdMaxUnmapLBACount)
			data.putUint32(24, vpdMaxUnmapBlockDescCount)
			data.putUint32(28, dev.OptUnmapGran())
			data.putUint32(32, dev.UnmapGranAlign())
			// UGAVALID
			data.setBits(32, 0x80)
		}
		data.putUint64(36, vpdMaxWriteSameLength)

		iov.CopyInto(data)
		return StatusOK
	case scsi.VpdBlockCharacteristic:
		data := newPageBuf(64)
		data[1] = scsi.VpdBlockCharacteristic
		data.putUint16(2, 0x3c)
		if dev.SolidStateMedia() {
			// MEDIUM ROTATION RATE: non-rotating medium
			data.putUint16(4, 0x0001)
		}

		iov.CopyInto(data)
		return StatusOK
	case scsi.VpdLbProvisioning:
		data := newPageBuf(64)
		data[1] = scsi.VpdLbProvisioning
		// no provisioning group descriptor
		data.putUint16(2, 0x0004)
		// LBPRZ: unmapped blocks read back as zeroes
		data[5] = 0x04
		if dev.UnmapSupported() {
			// LBPU | LBPWS | LBPWS10
			data.setBits(5, 0xe0)
		}

		iov.CopyInto(data)
		return StatusOK
	default:
		log.Errorf("Vital product data page code 0x%x not supported", vpdType)
		return StatusInvalidCDB
	}
}

// deviceIdentifiers fills the designation descriptor list of VPD page 0x83
// starting at offset 4 and returns its length.
func deviceIdentifiers(data pageBuf, dev DeviceInfo, port *TargetPort, wwn string) int {
	used := 0
	ptr := data[4:]

	// T10 vendor id
	ptr[0] = 2 // code set: ASCII
	ptr[1] = 1 // identifier: T10 vendor id
	pageBuf(ptr).putFixed(4, t10VendorID, 8)
	n := pageBuf(ptr).putString(12, wwn, t10WWNMaxLen)
	ptr[3] = byte(8 + n + 1)
	used += int(ptr[3]) + 4
	ptr = data[4+used:]

	// NAA binary
	ptr[0] = 1  // code set: binary
	ptr[1] = 3  // identifier: NAA
	ptr[3] = 16 // body length for naa registered extended format
	// Type 6 with the OpenFabrics IEEE Company ID: 00 14 05
	ptr[4] = 0x60
	ptr[5] = 0x01
	ptr[6] = 0x40
	ptr[7] = 0x50
	// Only a nibble of every WWN character is used; the kernel does the
	// same and the two should match.
	next := true
	for i, j := 0, 7; i < len(wwn) && j < 20; i++ {
		v, ok := charToHex(wwn[i])
		if !ok {
			continue
		}
		if next {
			next = false
			ptr[j] |= v
			j++
		} else {
			next = true
			ptr[j] = v << 4
		}
	}
	used += 20
	ptr = data[4+used:]

	// Vendor specific
	ptr[0] = 2 // code set: ASCII
	ptr[1] = 0 // identifier: vendor-specific
	n = pageBuf(ptr).putString(4, dev.CfgString(), cfgStringMaxLen)
	ptr[3] = byte(n + 1)
	used += int(ptr[3]) + 4

	if port == nil {
		return used
	}
	ptr = data[4+used:]

	// Relative target port identifier
	ptr[0] = port.ProtoID<<4 | 0x1 // code set: binary
	ptr[1] = 0x80 | 0x10 | 0x4     // PIV, target port association, relative target port
	ptr[3] = 4
	pageBuf(ptr).putUint16(6, port.RelPortID)
	used += 8
	ptr = data[4+used:]

	// Target port group
	var groupID uint16
	if port.Group != nil {
		groupID = port.Group.ID
	}
	ptr[0] = port.ProtoID<<4 | 0x1
	ptr[1] = 0x80 | 0x10 | 0x5 // PIV, target port association, target port group
	ptr[3] = 4
	pageBuf(ptr).putUint16(6, groupID)
	used += 8
	ptr = data[4+used:]

	// SCSI name string of the target port
	ptr[0] = port.ProtoID<<4 | 0x3 // code set: UTF-8
	ptr[1] = 0x80 | 0x10 | 0x8     // PIV, target port association, SCSI name string
	name := fmt.Sprintf("%s,t,0x%04x", port.WWN, port.TPGT)
	n = scsiNameString(pageBuf(ptr), name)
	ptr[3] = byte(n)
	used += n + 4
	ptr = data[4+used:]

	// SCSI name string of the target device
	ptr[0] = port.ProtoID<<4 | 0x3
	ptr[1] = 0x80 | 0x20 | 0x8 // PIV, target device association, SCSI name string
	n = scsiNameString(pageBuf(ptr), port.WWN)
	ptr[3] = byte(n)
	used += n + 4

	return used
}

// scsiNameString writes a null terminated, null padded SCSI NAME STRING at
// offset 4 of the descriptor and returns the designator length: a multiple
// of four no larger than scsiNameMaxLen.
func scsiNameString(desc pageBuf, name string) int {
	// keep room for the terminator
	n := desc.putString(4, name, scsiNameMaxLen-1) + 1
	n += -n & 3
	if n > scsiNameMaxLen {
		n = scsiNameMaxLen
	}
	return n
}

func charToHex(c byte) (byte, bool) {
	if c >= '0' && c <= '9' {
		return c - '0', true
	}
	if c >= 'a' && c <= 'f' {
		return c - 'a' + 10, true
	}
	if c >= 'A' && c <= 'F' {
		return c - 'A' + 10, true
	}
	return 0x00, false
}
