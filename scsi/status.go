package scsi

// SAM status codes returned with a completed command.
const (
	SamStatGood                = 0x00
	SamStatCheckCondition      = 0x02
	SamStatBusy                = 0x08
	SamStatReservationConflict = 0x18
	SamStatTaskSetFull         = 0x28
)

// Sense keys, byte 2 of fixed format sense data.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
	SenseAbortedCommand = 0x0b
	SenseMiscompare     = 0x0e
)

// Additional sense code and qualifier pairs, ASC in the high byte. See
// www.t10.org/lists/asc-num.txt.
const (
	AscNotReadyStateTransition         = 0x040a
	AscWriteError                      = 0x0c00
	AscReadError                       = 0x1100
	AscParameterListLengthError        = 0x1a00
	AscMiscompareDuringVerifyOperation = 0x1d00
	AscInvalidCommandOperationCode     = 0x2000
	AscLbaOutOfRange                   = 0x2100
	AscInvalidFieldInCdb               = 0x2400
	AscInvalidFieldInParameterList     = 0x2600
	AscInternalTargetFailure           = 0x4400
)
