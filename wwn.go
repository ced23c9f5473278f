package tcmu

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// WWN provides two WWNs, one for the device itself and one for the loopback
// nexus created for the kernel.
type WWN interface {
	DeviceID() string
	NexusID() string
}

// NaaWWN is a World Wide Name in the IEEE Registered (NAA 5) or Registered
// Extended (NAA 6) format. All fields are lower case hex digits.
type NaaWWN struct {
	// OUI is the six digit IEEE Organizationally Unique Identifier,
	// eg "001405".
	OUI string
	// VendorID is eight digits of vendor specific identifier, perhaps a
	// serial number.
	VendorID string
	// VendorIDExt is empty or sixteen more digits, selecting NAA 6.
	VendorIDExt string
}

func (n NaaWWN) DeviceID() string {
	return n.id('0')
}

func (n NaaWWN) NexusID() string {
	return n.id('1')
}

// id panics on malformed fields, they are fixed when the handler is built.
func (n NaaWWN) id(kind byte) string {
	switch {
	case len(n.OUI) != 6:
		panic(fmt.Sprintf("NaaWWN: OUI %q is not 6 hex digits", n.OUI))
	case len(n.VendorID) != 8:
		panic(fmt.Sprintf("NaaWWN: VendorID %q is not 8 hex digits", n.VendorID))
	case len(n.VendorIDExt) != 0 && len(n.VendorIDExt) != 16:
		panic(fmt.Sprintf("NaaWWN: VendorIDExt %q is not 16 hex digits", n.VendorIDExt))
	}
	naa := '5'
	if n.VendorIDExt != "" {
		naa = '6'
	}
	return fmt.Sprintf("naa.%c%s%c%s%s", naa, n.OUI, kind, n.VendorID, n.VendorIDExt)
}

// GenerateSerial derives an eight hex digit serial number from name.
func GenerateSerial(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:4])
}

// GenerateWWN returns a locally administered NAA WWN for the volume.
func GenerateWWN(volume string) WWN {
	return NaaWWN{
		OUI:      "000000",
		VendorID: GenerateSerial(volume),
	}
}
