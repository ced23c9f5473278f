package tcmu

import (
	"encoding/binary"
	"fmt"
)

// SenseDataLength is the size of fixed format sense data.
const SenseDataLength = 18

// Status is the result of emulating a command. It is translated to a SAM
// status and sense data when the command is completed, see SCSICmd.Respond.
type Status int

const (
	StatusOK Status = iota
	StatusNotHandled
	StatusInvalidCDB
	StatusInvalidParamList
	StatusInvalidParamListLen
	StatusHWErr
	StatusNoResource
	StatusBusy
	StatusNotReady
	StatusRangeErr
	StatusReadErr
	StatusWriteErr
	StatusMiscompare
	// StatusPassthroughErr means the sense buffer has already been filled in
	// by SetSense.
	StatusPassthroughErr
)

var statusNames = map[Status]string{
	StatusOK:                  "ok",
	StatusNotHandled:          "not_handled",
	StatusInvalidCDB:          "invalid_cdb",
	StatusInvalidParamList:    "invalid_param_list",
	StatusInvalidParamListLen: "invalid_param_list_len",
	StatusHWErr:               "hw_error",
	StatusNoResource:          "no_resource",
	StatusBusy:                "busy",
	StatusNotReady:            "not_ready",
	StatusRangeErr:            "range_error",
	StatusReadErr:             "read_error",
	StatusWriteErr:            "write_error",
	StatusMiscompare:          "miscompare",
	StatusPassthroughErr:      "passthrough",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// SetSense fills buf with fixed format, current sense data for the given
// sense key and additional sense code/qualifier.
func SetSense(buf []byte, key byte, ascq uint16) Status {
	clearSense(buf)
	buf[0] = 0x70 // fixed, current
	buf[2] = key
	buf[7] = 0xa
	binary.BigEndian.PutUint16(buf[12:14], ascq)
	return StatusPassthroughErr
}

// SetSenseInfo clears buf and stores info in the INFORMATION field with the
// VALID bit set.
func SetSenseInfo(buf []byte, info uint32) {
	clearSense(buf)
	binary.BigEndian.PutUint32(buf[3:7], info)
	buf[0] |= 0x80
}

// SetSenseKeySpecificInfo clears buf and stores info in the SENSE KEY
// SPECIFIC field with the SKSV bit set.
func SetSenseKeySpecificInfo(buf []byte, info uint16) {
	clearSense(buf)
	binary.BigEndian.PutUint16(buf[16:18], info)
	buf[15] |= 0x80
}

func clearSense(buf []byte) {
	for i := range buf[:SenseDataLength] {
		buf[i] = 0
	}
}
