// Package scsi holds the SCSI command set constants and the CDB decoder
// used by the block device emulation. Values are from SPC-4 and SBC-3.
package scsi

// Operation codes, byte 0 of a CDB.
const (
	TestUnitReady      = 0x00
	Read6              = 0x08
	Write6             = 0x0a
	Inquiry            = 0x12
	ModeSelect         = 0x15
	ModeSense          = 0x1a
	StartStop          = 0x1b
	ReadCapacity       = 0x25
	Read10             = 0x28
	Write10            = 0x2a
	WriteVerify        = 0x2e
	SynchronizeCache   = 0x35
	Unmap              = 0x42
	ModeSelect10       = 0x55
	ModeSense10        = 0x5a
	VariableLengthCmd  = 0x7f
	Read16             = 0x88
	Write16            = 0x8a
	SynchronizeCache16 = 0x91
	ServiceActionIn16  = 0x9e
	Read12             = 0xa8
	Write12            = 0xaa
)

// Service actions of ServiceActionIn16, in the low five bits of byte 1.
const (
	SaiReadCapacity16 = 0x10
	SaiGetLbaStatus   = 0x12
)
