package tcmu

import (
	"testing"

	"github.com/agrover/tcmu-runner/scsi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCapacity10(t *testing.T) {
	var tests = []struct {
		desc      string
		numLBAs   uint64
		blockSize uint32
		want      []byte
	}{
		{desc: "small", numLBAs: 5, blockSize: 512, want: []byte{0, 0, 0, 4, 0, 0, 0x02, 0}},
		{desc: "largest 32 bit", numLBAs: 0xffffffff, blockSize: 4096, want: []byte{0xff, 0xff, 0xff, 0xfe, 0, 0, 0x10, 0}},
		{desc: "saturated", numLBAs: 0x100000000, blockSize: 512, want: []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0x02, 0}},
	}

	cdb := scsi.CDB{scsi.ReadCapacity, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	for i, tt := range tests {
		buf, iov := respBuf(8)
		require.Equal(t, StatusOK, EmulateReadCapacity10(tt.numLBAs, tt.blockSize, cdb, iov))
		if want, got := tt.want, buf; !assert.ObjectsAreEqual(want, got) {
			t.Fatalf("[%02d] test %q, unexpected response:\n- want: %v\n-  got: %v",
				i, tt.desc, want, got)
		}
	}
}

func TestReadCapacity16(t *testing.T) {
	cdb := scsi.CDB{scsi.ServiceActionIn16, scsi.SaiReadCapacity16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0, 0}
	buf, iov := respBuf(64)
	require.Equal(t, StatusOK, EmulateReadCapacity16(0x100000000, 512, cdb, iov))

	want := make([]byte, 64)
	copy(want, []byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 0, 0, 0x02, 0, 0, 0, 0xc0})
	assert.Equal(t, want, buf)
}

func TestStartStop(t *testing.T) {
	var tests = []struct {
		desc string
		b4   byte
		want Status
	}{
		{desc: "start", b4: 0x01, want: StatusOK},
		{desc: "start and eject", b4: 0x03, want: StatusOK},
		{desc: "stop", b4: 0x00, want: StatusInvalidCDB},
		{desc: "power condition", b4: 0x11, want: StatusInvalidCDB},
	}

	for i, tt := range tests {
		cdb := scsi.CDB{scsi.StartStop, 0, 0, 0, tt.b4, 0}
		if want, got := tt.want, EmulateStartStop(cdb); want != got {
			t.Fatalf("[%02d] test %q, unexpected status:\n- want: %v\n-  got: %v",
				i, tt.desc, want, got)
		}
	}
}

func TestTestUnitReady(t *testing.T) {
	assert.Equal(t, StatusOK, EmulateTestUnitReady(scsi.CDB{scsi.TestUnitReady, 0, 0, 0, 0, 0}))
}
