package scsi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedCDB is returned by Length for opcodes whose group code has no
// defined command length (reserved or vendor specific groups).
var ErrUnsupportedCDB = errors.New("scsi: unsupported cdb group code")

// CDB is a raw SCSI Command Descriptor Block as delivered by the kernel.
type CDB []byte

// Opcode returns the operation code, byte 0 of the command.
func (c CDB) Opcode() byte {
	return c[0]
}

// Length returns the length of the command, in bytes, derived from the group
// code in the top three bits of the opcode.
func (c CDB) Length() (int, error) {
	// See spc-4 4.2.5.1 operation code
	switch c[0] >> 5 {
	case 0:
		return 6, nil
	case 1, 2:
		return 10, nil
	case 3:
		if c[0] == VariableLengthCmd {
			return 8 + int(c[7]), nil
		}
	case 4:
		return 16, nil
	case 5:
		return 12, nil
	}
	return 0, ErrUnsupportedCDB
}

func (c CDB) mustLength() int {
	n, err := c.Length()
	if err != nil {
		panic(fmt.Sprintf("scsi: opcode 0x%02x: %v", c[0], err))
	}
	return n
}

// LBA returns the logical block address addressed by the command. Callers
// must check Length first; an unsupported length panics.
func (c CDB) LBA() uint64 {
	order := binary.BigEndian

	switch n := c.mustLength(); n {
	case 6:
		return uint64(c[1]&0x1f)<<16 | uint64(order.Uint16(c[2:4]))
	case 10, 12:
		return uint64(order.Uint32(c[2:6]))
	case 16:
		return order.Uint64(c[2:10])
	default:
		panic(fmt.Sprintf("scsi: no LBA in a %d byte cdb", n))
	}
}

// XferLen returns the transfer (or allocation / parameter list) length field
// of the command. Callers must check Length first.
func (c CDB) XferLen() uint32 {
	order := binary.BigEndian

	switch n := c.mustLength(); n {
	case 6:
		return uint32(c[4])
	case 10:
		return uint32(order.Uint16(c[7:9]))
	case 12:
		return order.Uint32(c[6:10])
	case 16:
		return order.Uint32(c[10:14])
	default:
		panic(fmt.Sprintf("scsi: no transfer length in a %d byte cdb", n))
	}
}

// String renders the command bytes as hex, e.g. "12 1 83 0 ff 0".
func (c CDB) String() string {
	n, err := c.Length()
	if err != nil || n > len(c) {
		n = len(c)
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%x", c[i])
	}
	return strings.Join(parts, " ")
}
