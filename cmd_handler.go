package tcmu

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/agrover/tcmu-runner/recovery"
	"github.com/agrover/tcmu-runner/scsi"
	"github.com/pkg/errors"
	"github.com/prometheus/common/log"
)

const (
	unmapDescOff = 8
	unmapDescLen = 16
)

// SCSICmdHandler is a simple request/response handler for SCSI commands coming to TCMU.
// A SCSI error is reported as an SCSIResponse with an error bit set. A Go error is for failures the handler could not turn into sense data;
// the command is then answered with a target failure.
type SCSICmdHandler interface {
	HandleCommand(cmd *SCSICmd) (SCSIResponse, error)
}

// Syncer is implemented by backends that can flush written data to stable
// storage for SYNCHRONIZE CACHE.
type Syncer interface {
	Sync() error
}

// Unmapper is implemented by backends that can discard a byte range for
// UNMAP. Offsets and lengths are in bytes.
type Unmapper interface {
	Unmap(off, length int64) error
}

// Locker is implemented by backends that can take an exclusive lock on the
// storage, see Device.Lock.
type Locker interface {
	Lock() error
}

// ReadWriterAtCmdHandler serves a block device out of RW, emulating
// everything else.
type ReadWriterAtCmdHandler struct {
	RW  ReadWriterAt
	Inq *InquiryInfo
}

func (h ReadWriterAtCmdHandler) HandleCommand(cmd *SCSICmd) (SCSIResponse, error) {
	st := h.dispatch(cmd)
	scsiCommandsTotal.WithLabelValues(fmt.Sprintf("0x%02x", cmd.Command()), st.String()).Inc()
	if st != StatusOK {
		log.Debugf("SCSI cmd %s: %s", cmd.CDB(), st)
	}
	return cmd.Respond(st), nil
}

func (h ReadWriterAtCmdHandler) dispatch(cmd *SCSICmd) Status {
	dev := cmd.Device()
	if !dev.RecoveryState().IsOpen() {
		return StatusBusy
	}
	cdb := cmd.CDB()
	if _, err := cdb.Length(); err != nil {
		log.Debugf("Ignore SCSI command 0x%x: %v", cdb.Opcode(), err)
		return StatusNotHandled
	}

	switch cdb.Opcode() {
	case scsi.Inquiry:
		var port *TargetPort
		if groups, err := LoadTargetPortGroups(dev.aluaDir()); err == nil {
			port = firstEnabledPort(groups)
		}
		return EmulateInquiry(dev, port, h.Inq, cdb, cmd.iov)
	case scsi.TestUnitReady:
		return EmulateTestUnitReady(cdb)
	case scsi.ReadCapacity:
		if cdb[1]&0x01 != 0 || cdb[8]&0x01 != 0 {
			// reserved for MM logical units
			return StatusInvalidCDB
		}
		return EmulateReadCapacity10(dev.NumLBAs(), dev.BlockSize(), cdb, cmd.iov)
	case scsi.ServiceActionIn16:
		if cdb[1]&0x1f == scsi.SaiReadCapacity16 {
			return EmulateReadCapacity16(dev.NumLBAs(), dev.BlockSize(), cdb, cmd.iov)
		}
		return StatusNotHandled
	case scsi.ModeSense, scsi.ModeSense10:
		return EmulateModeSense(dev, cdb, cmd.iov)
	case scsi.ModeSelect, scsi.ModeSelect10:
		return EmulateModeSelect(dev, cdb, cmd.iov)
	case scsi.StartStop:
		return EmulateStartStop(cdb)
	case scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16:
		return h.read(cmd)
	case scsi.Write6, scsi.Write10, scsi.Write12, scsi.Write16:
		return h.write(cmd, false)
	case scsi.WriteVerify:
		return h.write(cmd, true)
	case scsi.SynchronizeCache, scsi.SynchronizeCache16:
		return h.synchronizeCache(cmd)
	case scsi.Unmap:
		return h.unmap(cmd)
	default:
		log.Debugf("Ignore unknown SCSI command 0x%x", cdb.Opcode())
	}
	return StatusNotHandled
}

// checkRange returns the byte offset and length addressed by a read or write.
func checkRange(dev DeviceInfo, cdb scsi.CDB) (int64, int, Status) {
	lba := cdb.LBA()
	blocks := uint64(cdb.XferLen())
	if blocks == 0 && (cdb.Opcode() == scsi.Read6 || cdb.Opcode() == scsi.Write6) {
		blocks = 256
	}
	end := lba + blocks
	if lba >= dev.NumLBAs() || end < lba || end > dev.NumLBAs() {
		return 0, 0, StatusRangeErr
	}
	bs := uint64(dev.BlockSize())
	return int64(lba * bs), int(blocks * bs), StatusOK
}

func (c *SCSICmd) scratch(length int) []byte {
	if len(c.Buf) < length {
		c.Buf = make([]byte, length)
	}
	return c.Buf[:length]
}

// backendErr maps a failed backend call to st, starting recovery when the
// backend lost its connection.
func backendErr(dev *Device, err error, st Status) Status {
	if errors.Is(err, recovery.ErrConnLost) {
		dev.NotifyConnLost()
		return StatusBusy
	}
	log.Errorf("%s: backend: %v", dev.Name(), err)
	return st
}

func (h ReadWriterAtCmdHandler) read(cmd *SCSICmd) Status {
	dev := cmd.Device()
	off, length, st := checkRange(dev, cmd.CDB())
	if st != StatusOK {
		return st
	}

	buf := cmd.scratch(length)
	n, err := h.RW.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return backendErr(dev, err, StatusReadErr)
	}
	// reads beyond the end of a sparse backing store return zeroes
	for i := n; i < length; i++ {
		buf[i] = 0
	}
	cmd.iov.CopyInto(buf)
	return StatusOK
}

func (h ReadWriterAtCmdHandler) write(cmd *SCSICmd, verify bool) Status {
	dev := cmd.Device()
	off, length, st := checkRange(dev, cmd.CDB())
	if st != StatusOK {
		return st
	}

	// Verification compares against the data as it was sent.
	data := append(IOVec(nil), cmd.iov...)
	buf := cmd.scratch(length)
	if n := data.CopyFrom(buf); n < length {
		log.Errorf("write: %d byte data buffer for a %d byte write", n, length)
		return StatusInvalidCDB
	}
	if _, err := h.RW.WriteAt(buf, off); err != nil {
		return backendErr(dev, err, StatusWriteErr)
	}
	if !verify {
		return StatusOK
	}

	n, err := h.RW.ReadAt(buf, off)
	if err != nil && !(err == io.EOF && n == length) {
		return backendErr(dev, err, StatusReadErr)
	}
	if pos := cmd.iov.Compare(buf, length); pos != NoMismatch {
		log.Errorf("Verify failed at offset %d", pos)
		return StatusMiscompare
	}
	return StatusOK
}

func (h ReadWriterAtCmdHandler) synchronizeCache(cmd *SCSICmd) Status {
	s, ok := h.RW.(Syncer)
	if !ok {
		return StatusOK
	}
	if err := s.Sync(); err != nil {
		return backendErr(cmd.Device(), err, StatusWriteErr)
	}
	return StatusOK
}

func (h ReadWriterAtCmdHandler) unmap(cmd *SCSICmd) Status {
	u, ok := h.RW.(Unmapper)
	if !ok {
		return StatusNotHandled
	}
	dev := cmd.Device()
	cdb := cmd.CDB()
	if cdb[1]&0x01 != 0 {
		// ANCHOR
		return StatusInvalidCDB
	}
	plen := int(binary.BigEndian.Uint16(cdb[7:9]))
	if plen == 0 {
		return StatusOK
	}
	if plen < unmapDescOff {
		return StatusInvalidParamListLen
	}

	params := cmd.scratch(plen)
	if n := cmd.iov.CopyFrom(params); n < plen {
		return StatusInvalidParamListLen
	}
	descLen := int(binary.BigEndian.Uint16(params[2:4]))
	if descLen > plen-unmapDescOff {
		descLen = plen - unmapDescOff
	}
	count := descLen / unmapDescLen
	if count > vpdMaxUnmapBlockDescCount {
		return StatusInvalidParamList
	}

	bs := int64(dev.BlockSize())
	for i := 0; i < count; i++ {
		desc := params[unmapDescOff+i*unmapDescLen:]
		lba := binary.BigEndian.Uint64(desc[0:8])
		blocks := uint64(binary.BigEndian.Uint32(desc[8:12]))
		if blocks > vpdMaxUnmapLBACount {
			return StatusInvalidParamList
		}
		if blocks == 0 {
			continue
		}
		if end := lba + blocks; end < lba || end > dev.NumLBAs() {
			return StatusRangeErr
		}
		if err := u.Unmap(int64(lba)*bs, int64(blocks)*bs); err != nil {
			return backendErr(dev, err, StatusWriteErr)
		}
	}
	return StatusOK
}
