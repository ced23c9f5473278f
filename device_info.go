package tcmu

// DeviceInfo is the read-only view of a device the SCSI emulators need. The
// values are read once per command; a reopen may change them.
type DeviceInfo interface {
	// CfgString is the handler configuration string, eg "file//tmp/disk".
	CfgString() string
	// WWN returns the unit serial number. An error fails the command with a
	// hardware error.
	WWN() (string, error)
	BlockSize() uint32
	NumLBAs() uint64
	// MaxXferLen is in blocks.
	MaxXferLen() uint32
	WriteCacheEnabled() bool
	SolidStateMedia() bool
	UnmapSupported() bool
	OptUnmapGran() uint32
	UnmapGranAlign() uint32
}
