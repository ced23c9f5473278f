package tcmu

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrover/tcmu-runner/recovery"
	"github.com/agrover/tcmu-runner/scsi"
)

const (
	testBlockSize = 512
	testBlocks    = 8
)

// memRW is an in-memory backend.
type memRW struct {
	mu       sync.Mutex
	data     []byte
	opens    int
	closes   int
	syncs    int
	unmapped [][2]int64
	readErr  error
	writeErr error
	// corrupt flips the first byte of every write
	corrupt bool
}

func newMemRW() *memRW {
	return &memRW{data: make([]byte, testBlocks*testBlockSize)}
}

func (m *memRW) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memRW) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	n := copy(m.data[off:], p)
	if m.corrupt && n > 0 {
		m.data[off] ^= 0xff
	}
	return n, nil
}

func (m *memRW) Open() error {
	m.mu.Lock()
	m.opens++
	m.mu.Unlock()
	return nil
}

func (m *memRW) Close() {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
}

func (m *memRW) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// syncUnmapRW adds SYNCHRONIZE CACHE and UNMAP support.
type syncUnmapRW struct {
	*memRW
}

func (m syncUnmapRW) Sync() error {
	m.mu.Lock()
	m.syncs++
	m.mu.Unlock()
	return nil
}

func (m syncUnmapRW) Unmap(off, length int64) error {
	m.mu.Lock()
	m.unmapped = append(m.unmapped, [2]int64{off, length})
	m.mu.Unlock()
	return nil
}

func newTestHandler(rw ReadWriterAt) *SCSIHandler {
	h := &SCSIHandler{
		VolumeName: "vol",
		HBA:        1,
		DataSizes:  DataSizes{testBlocks * testBlockSize, testBlockSize},
		WWN:        GenerateWWN("vol"),
	}
	if b, ok := rw.(recovery.Handler); ok {
		h.Backend = b
	}
	return h
}

// newOpenDevice returns a device serving rw that was never attached to the
// kernel, with its backend opened.
func newOpenDevice(t *testing.T, rw ReadWriterAt) *Device {
	withConfigfs(t)
	d := newDevice(t.TempDir(), newTestHandler(rw))
	require.NoError(t, d.rec.Open())
	t.Cleanup(d.rec.Shutdown)
	return d
}

func rwCDB(op byte, lba uint64, blocks uint32) scsi.CDB {
	var cdb scsi.CDB
	switch op {
	case scsi.Read6, scsi.Write6:
		cdb = scsi.CDB{op, byte(lba>>16) & 0x1f, byte(lba >> 8), byte(lba), byte(blocks), 0}
	case scsi.Read10, scsi.Write10, scsi.WriteVerify:
		cdb = make(scsi.CDB, 10)
		binary.BigEndian.PutUint32(cdb[2:6], uint32(lba))
		binary.BigEndian.PutUint16(cdb[7:9], uint16(blocks))
	case scsi.Read12, scsi.Write12:
		cdb = make(scsi.CDB, 12)
		binary.BigEndian.PutUint32(cdb[2:6], uint32(lba))
		binary.BigEndian.PutUint32(cdb[6:10], blocks)
	default:
		cdb = make(scsi.CDB, 16)
		binary.BigEndian.PutUint64(cdb[2:10], lba)
		binary.BigEndian.PutUint32(cdb[10:14], blocks)
	}
	cdb[0] = op
	return cdb
}

func newCmd(d *Device, cdb scsi.CDB, iov IOVec) *SCSICmd {
	return &SCSICmd{cdb: cdb, iov: iov, device: d}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestHandleBusyWhileClosed(t *testing.T) {
	withConfigfs(t)
	d := newDevice(t.TempDir(), newTestHandler(newMemRW()))
	defer d.rec.Shutdown()

	resp, err := ReadWriterAtCmdHandler{RW: newMemRW()}.HandleCommand(
		newCmd(d, scsi.CDB{scsi.TestUnitReady, 0, 0, 0, 0, 0}, nil))
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.SamStatBusy), resp.Status())
}

func TestHandleRead(t *testing.T) {
	rw := newMemRW()
	copy(rw.data[testBlockSize:], pattern(2*testBlockSize, 7))
	d := newOpenDevice(t, rw)
	h := ReadWriterAtCmdHandler{RW: rw}

	for _, op := range []byte{scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16} {
		buf, iov := respBuf(2 * testBlockSize)
		st := h.dispatch(newCmd(d, rwCDB(op, 1, 2), iov))
		require.Equal(t, StatusOK, st, "opcode 0x%x", op)
		assert.Equal(t, pattern(2*testBlockSize, 7), buf, "opcode 0x%x", op)
	}
}

func TestHandleReadPastEOF(t *testing.T) {
	rw := newMemRW()
	rw.data = rw.data[:testBlockSize+10]
	for i := range rw.data {
		rw.data[i] = 0xaa
	}
	d := newOpenDevice(t, rw)

	buf, iov := respBuf(testBlockSize)
	for i := range buf {
		buf[i] = 0x55
	}
	st := ReadWriterAtCmdHandler{RW: rw}.dispatch(newCmd(d, rwCDB(scsi.Read10, 1, 1), iov))
	require.Equal(t, StatusOK, st)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 10), buf[:10])
	assert.Equal(t, make([]byte, testBlockSize-10), buf[10:])
}

func TestHandleRange(t *testing.T) {
	var tests = []struct {
		desc   string
		cdb    scsi.CDB
		status Status
	}{
		{"last block", rwCDB(scsi.Read10, testBlocks-1, 1), StatusOK},
		{"lba past end", rwCDB(scsi.Read10, testBlocks, 1), StatusRangeErr},
		{"length past end", rwCDB(scsi.Read10, testBlocks-1, 2), StatusRangeErr},
		{"lba wraps", rwCDB(scsi.Read16, 1<<63, 1<<31), StatusRangeErr},
		{"read6 zero length is 256 blocks", rwCDB(scsi.Read6, 0, 0), StatusRangeErr},
		{"write past end", rwCDB(scsi.Write12, 2, testBlocks), StatusRangeErr},
	}

	rw := newMemRW()
	d := newOpenDevice(t, rw)
	h := ReadWriterAtCmdHandler{RW: rw}
	for i, tt := range tests {
		_, iov := respBuf(testBlocks * testBlockSize)
		if want, got := tt.status, h.dispatch(newCmd(d, tt.cdb, iov)); want != got {
			t.Fatalf("[%02d] test %q, unexpected status:\n- want: %v\n-  got: %v",
				i, tt.desc, want, got)
		}
	}
}

func TestHandleWrite(t *testing.T) {
	rw := newMemRW()
	d := newOpenDevice(t, rw)
	h := ReadWriterAtCmdHandler{RW: rw}

	data := pattern(testBlockSize, 1)
	iov := IOVec{append([]byte(nil), data[:100]...), append([]byte(nil), data[100:]...)}
	require.Equal(t, StatusOK, h.dispatch(newCmd(d, rwCDB(scsi.Write10, 3, 1), iov)))
	assert.Equal(t, data, rw.data[3*testBlockSize:4*testBlockSize])

	// data buffer shorter than the transfer length
	_, short := respBuf(testBlockSize)
	assert.Equal(t, StatusInvalidCDB, h.dispatch(newCmd(d, rwCDB(scsi.Write10, 0, 2), short)))
}

func TestHandleWriteVerify(t *testing.T) {
	rw := newMemRW()
	d := newOpenDevice(t, rw)
	h := ReadWriterAtCmdHandler{RW: rw}

	data := pattern(testBlockSize, 3)
	iov := IOVec{append([]byte(nil), data...)}
	require.Equal(t, StatusOK, h.dispatch(newCmd(d, rwCDB(scsi.WriteVerify, 2, 1), iov)))
	assert.Equal(t, data, rw.data[2*testBlockSize:3*testBlockSize])

	rw.corrupt = true
	iov = IOVec{append([]byte(nil), data...)}
	assert.Equal(t, StatusMiscompare, h.dispatch(newCmd(d, rwCDB(scsi.WriteVerify, 2, 1), iov)))
}

func TestHandleBackendErrors(t *testing.T) {
	rw := newMemRW()
	d := newOpenDevice(t, rw)
	h := ReadWriterAtCmdHandler{RW: rw}

	rw.readErr = errors.New("EIO")
	_, iov := respBuf(testBlockSize)
	assert.Equal(t, StatusReadErr, h.dispatch(newCmd(d, rwCDB(scsi.Read10, 0, 1), iov)))

	rw.writeErr = errors.New("ENOSPC")
	_, iov = respBuf(testBlockSize)
	assert.Equal(t, StatusWriteErr, h.dispatch(newCmd(d, rwCDB(scsi.Write10, 0, 1), iov)))
	assert.False(t, d.RecoveryState().InRecovery())
}

func TestHandleConnLostStartsRecovery(t *testing.T) {
	rw := newMemRW()
	d := newOpenDevice(t, rw)
	h := ReadWriterAtCmdHandler{RW: rw}

	rw.readErr = errors.Wrap(recovery.ErrConnLost, "read")
	_, iov := respBuf(testBlockSize)
	resp, err := h.HandleCommand(newCmd(d, rwCDB(scsi.Read10, 0, 1), iov))
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.SamStatBusy), resp.Status())

	require.Eventually(t, func() bool { return rw.openCount() == 2 }, 5*time.Second, time.Millisecond)
	d.rec.CancelRecovery()
	st := d.RecoveryState()
	assert.True(t, st.IsOpen())
	assert.False(t, st.InRecovery())
}

func TestHandleSynchronizeCache(t *testing.T) {
	rw := syncUnmapRW{newMemRW()}
	d := newOpenDevice(t, rw)

	cdb := make(scsi.CDB, 10)
	cdb[0] = scsi.SynchronizeCache
	assert.Equal(t, StatusOK, ReadWriterAtCmdHandler{RW: rw}.dispatch(newCmd(d, cdb, nil)))
	assert.Equal(t, 1, rw.syncs)

	// backends without Sync have nothing to flush
	assert.Equal(t, StatusOK, ReadWriterAtCmdHandler{RW: rw.memRW}.dispatch(newCmd(d, cdb, nil)))
}

func unmapCmd(descs ...[2]uint64) (scsi.CDB, IOVec) {
	params := make([]byte, unmapDescOff+len(descs)*unmapDescLen)
	binary.BigEndian.PutUint16(params[0:2], uint16(len(params)-2))
	binary.BigEndian.PutUint16(params[2:4], uint16(len(descs)*unmapDescLen))
	for i, desc := range descs {
		p := params[unmapDescOff+i*unmapDescLen:]
		binary.BigEndian.PutUint64(p[0:8], desc[0])
		binary.BigEndian.PutUint32(p[8:12], uint32(desc[1]))
	}
	cdb := make(scsi.CDB, 10)
	cdb[0] = scsi.Unmap
	binary.BigEndian.PutUint16(cdb[7:9], uint16(len(params)))
	return cdb, IOVec{params}
}

func TestHandleUnmap(t *testing.T) {
	rw := syncUnmapRW{newMemRW()}
	d := newOpenDevice(t, rw)
	h := ReadWriterAtCmdHandler{RW: rw}

	cdb, iov := unmapCmd([2]uint64{1, 2}, [2]uint64{6, 0}, [2]uint64{4, 4})
	require.Equal(t, StatusOK, h.dispatch(newCmd(d, cdb, iov)))
	assert.Equal(t, [][2]int64{
		{1 * testBlockSize, 2 * testBlockSize},
		{4 * testBlockSize, 4 * testBlockSize},
	}, rw.unmapped)

	var tests = []struct {
		desc   string
		descs  [][2]uint64
		status Status
	}{
		{"past end", [][2]uint64{{6, 3}}, StatusRangeErr},
		{"too many descriptors", [][2]uint64{{0, 1}, {1, 1}, {2, 1}, {3, 1}, {4, 1}}, StatusInvalidParamList},
		{"too many blocks", [][2]uint64{{0, vpdMaxUnmapLBACount + 1}}, StatusInvalidParamList},
	}
	for i, tt := range tests {
		cdb, iov := unmapCmd(tt.descs...)
		if want, got := tt.status, h.dispatch(newCmd(d, cdb, iov)); want != got {
			t.Fatalf("[%02d] test %q, unexpected status:\n- want: %v\n-  got: %v",
				i, tt.desc, want, got)
		}
	}

	cdb, iov = unmapCmd([2]uint64{0, 1})
	assert.Equal(t, StatusNotHandled, ReadWriterAtCmdHandler{RW: rw.memRW}.dispatch(newCmd(d, cdb, iov)))
}

func TestHandleEmulated(t *testing.T) {
	withConfigfs(t)
	setupALUA(t)
	rw := newMemRW()
	d := newDevice(t.TempDir(), newTestHandler(rw))
	require.NoError(t, d.rec.Open())
	defer d.rec.Shutdown()
	h := ReadWriterAtCmdHandler{RW: rw}

	buf, iov := respBuf(36)
	require.Equal(t, StatusOK, h.dispatch(newCmd(d, inquiryCDB(false, 0), iov)))
	assert.Equal(t, byte(0x10), buf[5]&0x30)
	assert.Equal(t, "LIO-ORG ", string(buf[8:16]))

	buf, iov = respBuf(32)
	rc16 := scsi.CDB{scsi.ServiceActionIn16, scsi.SaiReadCapacity16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0, 0}
	require.Equal(t, StatusOK, h.dispatch(newCmd(d, rc16, iov)))
	assert.Equal(t, uint64(testBlocks-1), binary.BigEndian.Uint64(buf[0:8]))
	assert.Equal(t, uint32(testBlockSize), binary.BigEndian.Uint32(buf[8:12]))

	var tests = []struct {
		desc   string
		cdb    scsi.CDB
		status Status
	}{
		{"test unit ready", scsi.CDB{scsi.TestUnitReady, 0, 0, 0, 0, 0}, StatusOK},
		{"read capacity", scsi.CDB{scsi.ReadCapacity, 0, 0, 0, 0, 0, 0, 0, 0, 0}, StatusOK},
		{"read capacity pmi", scsi.CDB{scsi.ReadCapacity, 0, 0, 0, 0, 0, 0, 0, 1, 0}, StatusInvalidCDB},
		{"unknown service action", scsi.CDB{scsi.ServiceActionIn16, 0x12, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, StatusNotHandled},
		{"mode sense", scsi.CDB{scsi.ModeSense, 0, 0x3f, 0, 0xff, 0}, StatusOK},
		{"start", scsi.CDB{scsi.StartStop, 0, 0, 0, 0x01, 0}, StatusOK},
		{"stop", scsi.CDB{scsi.StartStop, 0, 0, 0, 0x00, 0}, StatusInvalidCDB},
		{"unknown opcode", scsi.CDB{0x02, 0, 0, 0, 0, 0}, StatusNotHandled},
		{"vendor specific group", scsi.CDB{0xc0}, StatusNotHandled},
	}
	for i, tt := range tests {
		_, iov := respBuf(255)
		if want, got := tt.status, h.dispatch(newCmd(d, tt.cdb, iov)); want != got {
			t.Fatalf("[%02d] test %q, unexpected status:\n- want: %v\n-  got: %v",
				i, tt.desc, want, got)
		}
	}
}

func TestHandleCommandMetrics(t *testing.T) {
	rw := newMemRW()
	d := newOpenDevice(t, rw)

	counter := scsiCommandsTotal.WithLabelValues("0x28", StatusRangeErr.String())
	before := testutil.ToFloat64(counter)

	_, iov := respBuf(testBlockSize)
	resp, err := ReadWriterAtCmdHandler{RW: rw}.HandleCommand(newCmd(d, rwCDB(scsi.Read10, testBlocks, 1), iov))
	require.NoError(t, err)
	assert.Equal(t, byte(scsi.SamStatCheckCondition), resp.Status())
	assert.Equal(t, byte(scsi.SenseIllegalRequest), resp.SenseBuffer()[2])
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
