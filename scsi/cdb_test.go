package scsi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCDBLength(t *testing.T) {
	var tests = []struct {
		desc   string
		cdb    CDB
		length int
		err    error
	}{
		{desc: "group 0", cdb: CDB{Inquiry, 0, 0, 0, 0, 0}, length: 6},
		{desc: "group 1", cdb: CDB{Read10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, length: 10},
		{desc: "group 2", cdb: CDB{ModeSense10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, length: 10},
		{desc: "group 3 variable", cdb: CDB{VariableLengthCmd, 0, 0, 0, 0, 0, 0, 24}, length: 32},
		{desc: "group 3 other", cdb: CDB{0x60, 0, 0, 0, 0, 0, 0, 24}, err: ErrUnsupportedCDB},
		{desc: "group 4", cdb: CDB{Read16}, length: 16},
		{desc: "group 5", cdb: CDB{Read12}, length: 12},
		{desc: "group 6", cdb: CDB{0xc0}, err: ErrUnsupportedCDB},
		{desc: "group 7", cdb: CDB{0xe1}, err: ErrUnsupportedCDB},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			n, err := tt.cdb.Length()
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.length, n)
		})
	}
}

func TestCDBGroupCodes(t *testing.T) {
	want := map[byte]int{0: 6, 1: 10, 2: 10, 4: 16, 5: 12}
	for op := 0; op < 256; op++ {
		cdb := make(CDB, 16)
		cdb[0] = byte(op)
		n, err := cdb.Length()
		group := byte(op) >> 5
		if l, ok := want[group]; ok {
			require.NoError(t, err, "opcode 0x%02x", op)
			assert.Equal(t, l, n, "opcode 0x%02x", op)
			continue
		}
		if byte(op) == VariableLengthCmd {
			assert.Equal(t, 8, n)
			continue
		}
		assert.ErrorIs(t, err, ErrUnsupportedCDB, "opcode 0x%02x", op)
	}
}

func TestCDBLBAAndXferLen(t *testing.T) {
	order := binary.BigEndian

	t.Run("6 byte", func(t *testing.T) {
		lba := uint64(0x1abcde)
		cdb := CDB{Read6, byte(lba >> 16), 0, 0, 0x80, 0}
		order.PutUint16(cdb[2:4], uint16(lba))
		// the top three bits of byte 1 are not part of the LBA
		cdb[1] |= 0xe0
		assert.Equal(t, lba, cdb.LBA())
		assert.Equal(t, uint32(0x80), cdb.XferLen())
	})

	t.Run("10 byte", func(t *testing.T) {
		cdb := make(CDB, 10)
		cdb[0] = Read10
		order.PutUint32(cdb[2:6], 0xdeadbeef)
		order.PutUint16(cdb[7:9], 0x1234)
		assert.Equal(t, uint64(0xdeadbeef), cdb.LBA())
		assert.Equal(t, uint32(0x1234), cdb.XferLen())
	})

	t.Run("12 byte", func(t *testing.T) {
		cdb := make(CDB, 12)
		cdb[0] = Read12
		order.PutUint32(cdb[2:6], 0x01020304)
		order.PutUint32(cdb[6:10], 0x0a0b0c0d)
		assert.Equal(t, uint64(0x01020304), cdb.LBA())
		assert.Equal(t, uint32(0x0a0b0c0d), cdb.XferLen())
	})

	t.Run("16 byte", func(t *testing.T) {
		cdb := make(CDB, 16)
		cdb[0] = Read16
		order.PutUint64(cdb[2:10], 0x0102030405060708)
		order.PutUint32(cdb[10:14], 0xcafef00d)
		assert.Equal(t, uint64(0x0102030405060708), cdb.LBA())
		assert.Equal(t, uint32(0xcafef00d), cdb.XferLen())
	})
}

func TestCDBUnsupportedPanics(t *testing.T) {
	cdb := CDB{0xc5, 0, 0, 0, 0, 0}
	assert.Panics(t, func() { cdb.LBA() })
	assert.Panics(t, func() { cdb.XferLen() })

	variable := make(CDB, 32)
	variable[0] = VariableLengthCmd
	variable[7] = 24
	assert.Panics(t, func() { variable.LBA() })
}

func TestCDBString(t *testing.T) {
	cdb := CDB{Inquiry, 1, 0x83, 0, 0xff, 0, 0xaa}
	assert.Equal(t, "12 1 83 0 ff 0", cdb.String())
}
