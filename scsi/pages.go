package scsi

// Vital product data pages returned by INQUIRY with EVPD set.
const (
	VpdSupportedPages      = 0x00
	VpdUnitSerialNumber    = 0x80
	VpdDeviceIdentifier    = 0x83
	VpdBlockLimits         = 0xb0
	VpdBlockCharacteristic = 0xb1
	VpdLbProvisioning      = 0xb2
)

// Mode page codes for MODE SENSE and MODE SELECT.
const (
	ModePageRWErrorRecovery = 0x01
	ModePageCaching         = 0x08
	ModePageControl         = 0x0a
	ModePageAll             = 0x3f
)
