package tcmu

import (
	"errors"
	"io"
	"sync"

	"github.com/agrover/tcmu-runner/recovery"
	"github.com/agrover/tcmu-runner/scsi"
	"github.com/prometheus/common/log"
)

var errOutOfBuffer = errors.New("out of buffer scsi cmd buffer space")

// SCSICmd represents a single SCSI command recieved from the kernel to the virtual target.
type SCSICmd struct {
	id     uint16
	cdb    scsi.CDB
	iov    IOVec
	device *Device
	sense  [tcmuSenseBufferSize]byte

	// Buf, if provided, may be used as a scratch buffer for copying data to and from the kernel.
	Buf []byte
}

// Command returns the SCSI command byte for the command. Useful when used as a comparison to the constants in the scsi package:
// c.Command() == scsi.Read6
func (c *SCSICmd) Command() byte {
	return c.cdb.Opcode()
}

// CDB returns the raw command descriptor block.
func (c *SCSICmd) CDB() scsi.CDB {
	return c.cdb
}

// LBA returns the block address that this command wishes to access.
func (c *SCSICmd) LBA() uint64 {
	return c.cdb.LBA()
}

// XferLen returns the length of the data buffer this command provides for transfering data to/from the kernel.
func (c *SCSICmd) XferLen() uint32 {
	return c.cdb.XferLen()
}

// IOVec returns what is left of the data buffer attached to this command.
func (c *SCSICmd) IOVec() IOVec {
	return c.iov
}

// Write, for a SCSICmd, is a io.Writer to the data buffer attached to this SCSI command.
// It's writing *to* the buffer, which happens most commonly when responding to Read commands (take data and write it back to the kernel buffer)
func (c *SCSICmd) Write(b []byte) (n int, err error) {
	n = c.iov.CopyInto(b)
	if n < len(b) {
		return n, errOutOfBuffer
	}
	return n, nil
}

// Read, for a SCSICmd, is a io.Reader from the data buffer attached to this SCSI command.
// If there's data to be written to the virtual device, this is the way to access it.
func (c *SCSICmd) Read(b []byte) (n int, err error) {
	n = c.iov.CopyFrom(b)
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// Device accesses the details of the SCSI device this command is handling.
func (c *SCSICmd) Device() *Device {
	return c.device
}

// SenseBuffer is where emulators put sense data before returning
// StatusPassthroughErr.
func (c *SCSICmd) SenseBuffer() []byte {
	return c.sense[:]
}

// Ok creates a SCSIResponse to this command with SAM_STAT_GOOD, the common case for commands that succeed.
func (c *SCSICmd) Ok() SCSIResponse {
	return SCSIResponse{
		id:     c.id,
		status: scsi.SamStatGood,
	}
}

// RespondStatus returns a SCSIResponse with the given status byte set. Ok() is equivalent to RespondStatus(scsi.SamStatGood).
func (c *SCSICmd) RespondStatus(status byte) SCSIResponse {
	return SCSIResponse{
		id:     c.id,
		status: status,
	}
}

// RespondSenseData returns a SCSIResponse with the given status byte set and takes a byte array representing the SCSI sense data to be written.
func (c *SCSICmd) RespondSenseData(status byte, sense []byte) SCSIResponse {
	return SCSIResponse{
		id:          c.id,
		status:      status,
		senseBuffer: sense,
	}
}

// NotHandled creates a response and sense data that tells the kernel this device does not emulate this command.
func (c *SCSICmd) NotHandled() SCSIResponse {
	return c.CheckCondition(scsi.SenseIllegalRequest, scsi.AscInvalidCommandOperationCode)
}

// CheckCondition returns a response providing extra sense data. Takes a Sense Key and an Additional Sense Code.
func (c *SCSICmd) CheckCondition(key byte, asc uint16) SCSIResponse {
	buf := make([]byte, tcmuSenseBufferSize)
	SetSense(buf, key, asc)
	return c.RespondSenseData(scsi.SamStatCheckCondition, buf)
}

// MediumError is a preset response for a read error condition from the device
func (c *SCSICmd) MediumError() SCSIResponse {
	return c.CheckCondition(scsi.SenseMediumError, scsi.AscReadError)
}

// IllegalRequest is a preset response for a request that is malformed or unexpected.
func (c *SCSICmd) IllegalRequest() SCSIResponse {
	return c.CheckCondition(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb)
}

// TargetFailure is a preset response for returning a hardware error.
func (c *SCSICmd) TargetFailure() SCSIResponse {
	return c.CheckCondition(scsi.SenseHardwareError, scsi.AscInternalTargetFailure)
}

// Respond turns the result of an emulator into the SAM status and sense
// data sent back to the kernel.
func (c *SCSICmd) Respond(st Status) SCSIResponse {
	switch st {
	case StatusOK:
		return c.Ok()
	case StatusNotHandled:
		return c.NotHandled()
	case StatusInvalidCDB:
		return c.IllegalRequest()
	case StatusInvalidParamList:
		return c.CheckCondition(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInParameterList)
	case StatusInvalidParamListLen:
		return c.CheckCondition(scsi.SenseIllegalRequest, scsi.AscParameterListLengthError)
	case StatusRangeErr:
		return c.CheckCondition(scsi.SenseIllegalRequest, scsi.AscLbaOutOfRange)
	case StatusHWErr:
		return c.TargetFailure()
	case StatusReadErr:
		return c.MediumError()
	case StatusWriteErr:
		return c.CheckCondition(scsi.SenseMediumError, scsi.AscWriteError)
	case StatusMiscompare:
		return c.CheckCondition(scsi.SenseMiscompare, scsi.AscMiscompareDuringVerifyOperation)
	case StatusNotReady:
		return c.CheckCondition(scsi.SenseNotReady, scsi.AscNotReadyStateTransition)
	case StatusNoResource:
		return c.RespondStatus(scsi.SamStatTaskSetFull)
	case StatusBusy:
		return c.RespondStatus(scsi.SamStatBusy)
	case StatusPassthroughErr:
		sense := make([]byte, tcmuSenseBufferSize)
		copy(sense, c.sense[:])
		return c.RespondSenseData(scsi.SamStatCheckCondition, sense)
	}
	log.Errorf("unknown status %v for cmd %s", st, c.cdb)
	return c.TargetFailure()
}

// A SCSIResponse is generated from methods on SCSICmd.
type SCSIResponse struct {
	id          uint16
	status      byte
	senseBuffer []byte
}

// Status returns the SAM status byte of the response.
func (r SCSIResponse) Status() byte {
	return r.status
}

// SenseBuffer returns the sense data, nil for responses without any.
func (r SCSIResponse) SenseBuffer() []byte {
	return r.senseBuffer
}

// SCSIHandler is the high-level data for the emulated SCSI device.
type SCSIHandler struct {
	// The volume name and resultant device name.
	VolumeName string
	// The size of the device and the blocksize for the device.
	DataSizes DataSizes
	// The loopback HBA for the emulated SCSI device
	HBA int
	// The LUN for the emulated HBA
	LUN int
	// The SCSI World Wide Identifer for the device
	WWN WWN
	// DevConfig is the handler configuration string passed to the kernel,
	// eg "file//tmp/disk". Defaults to "go-tcmu//<VolumeName>".
	DevConfig string
	// Backend is opened with the device, closed with it and reopened when
	// the device recovers from a lost connection. May be nil. UNMAP support
	// and Device.Lock are enabled when it implements Unmapper and Locker.
	Backend recovery.Handler
	// MaxXferLength is the largest transfer, in blocks, reported in the
	// Block Limits VPD page. Zero uses the kernel's hw_max_sectors.
	MaxXferLength uint32
	// WriteCache reports a write back cache in the caching mode page.
	WriteCache bool
	// SolidState reports a non-rotating medium.
	SolidState bool
	// UnmapGranularity and UnmapGranularityAlign are reported, in blocks,
	// when the backend implements Unmapper.
	UnmapGranularity      uint32
	UnmapGranularityAlign uint32
	// Called once the device is ready. Should spawn a goroutine (or several)
	// to handle commands coming in the first channel, and send their associated
	// responses down the second channel, ordering optional.
	DevReady DevReadyFunc
}

type DevReadyFunc func(chan *SCSICmd, chan SCSIResponse) error

type DataSizes struct {
	VolumeSize int64
	BlockSize  int64
}

type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// serveCommands handles commands from in until it is closed. Every command
// gets a response; one whose handler failed is answered with a target
// failure.
func serveCommands(h SCSICmdHandler, in <-chan *SCSICmd, out chan<- SCSIResponse) {
	// Use io.Copy's trick
	buf := make([]byte, 32*1024)
	for cmd := range in {
		cmd.Buf = buf
		resp, err := h.HandleCommand(cmd)
		buf = cmd.Buf
		if err != nil {
			log.Errorf("handling cmd %s: %v", cmd.cdb, err)
			resp = cmd.TargetFailure()
		}
		out <- resp
	}
}

func SingleThreadedDevReady(h SCSICmdHandler) DevReadyFunc {
	return MultiThreadedDevReady(h, 1)
}

// MultiThreadedDevReady handles commands on threads goroutines, closing the
// response channel once all of them have exited.
func MultiThreadedDevReady(h SCSICmdHandler, threads int) DevReadyFunc {
	if threads < 1 {
		threads = 1
	}
	return func(in chan *SCSICmd, out chan SCSIResponse) error {
		var wg sync.WaitGroup
		wg.Add(threads)
		for i := 0; i < threads; i++ {
			go func() {
				defer wg.Done()
				serveCommands(h, in, out)
			}()
		}
		go func() {
			wg.Wait()
			close(out)
		}()
		return nil
	}
}
