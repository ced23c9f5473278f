// tcmu is a package that connects to the TCM in Userspace kernel module, a part of the LIO stack. It provides the
// ability to emulate a SCSI storage device in pure Go.
package tcmu

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/agrover/tcmu-runner/recovery"
)

const (
	defaultMaxXferLen = 128
	vpdUnitSerialTag  = "T10 VPD Unit Serial Number:"
)

// ErrNoLocking is returned by Device.Lock when the backend is not a Locker.
var ErrNoLocking = errors.New("backend does not support locking")

type Device struct {
	scsi    *SCSIHandler
	devPath string

	hbaDir     string
	deviceName string

	uioFd    int
	mapsize  uint64
	mb       mailbox
	cmdChan  chan *SCSICmd
	respChan chan SCSIResponse
	cmdTail  uint32

	queue *cmdQueue
	rec   *recovery.Device
	log   *logrus.Entry

	toClean map[string]bool
}

type nopBackend struct{}

func (nopBackend) Open() error { return nil }
func (nopBackend) Close()      {}

func newDevice(devPath string, scsi *SCSIHandler) *Device {
	d := &Device{
		scsi:    scsi,
		devPath: devPath,
		uioFd:   -1,
		hbaDir:  cfgPath("core", fmt.Sprintf("user_%d", scsi.HBA)),
		queue:   newCmdQueue(),
		log:     logrus.WithField("dev", scsi.VolumeName),
		toClean: make(map[string]bool),
	}
	var backend recovery.Handler = nopBackend{}
	if scsi.Backend != nil {
		backend = scsi.Backend
	}
	d.rec = recovery.New(scsi.VolumeName, backend, d.queue,
		recovery.WithTPGResetter(&tpgResetter{aluaDir: d.aluaDir(), log: d.log}),
		recovery.WithRetryDelay(time.Second),
		recovery.WithLogger(d.log),
	)
	return d
}

func (d *Device) GetDevConfig() string {
	if d.scsi.DevConfig != "" {
		return d.scsi.DevConfig
	}
	return fmt.Sprintf("go-tcmu//%s", d.scsi.VolumeName)
}

func (d *Device) Sizes() DataSizes {
	return d.scsi.DataSizes
}

func (d *Device) Name() string {
	return d.scsi.VolumeName
}

func (d *Device) cfgDir() string {
	return path.Join(d.hbaDir, d.scsi.VolumeName)
}

func (d *Device) aluaDir() string {
	return path.Join(d.cfgDir(), "alua")
}

// CfgString implements DeviceInfo.
func (d *Device) CfgString() string {
	return d.GetDevConfig()
}

// WWN returns the unit serial number the kernel reports for the device,
// falling back to the handler's WWN.
func (d *Device) WWN() (string, error) {
	s, err := readCfgString(path.Join(d.cfgDir(), "wwn", "vpd_unit_serial"))
	if err == nil {
		if i := strings.Index(s, vpdUnitSerialTag); i >= 0 {
			s = s[i+len(vpdUnitSerialTag):]
		}
		if s = strings.TrimSpace(s); s != "" {
			return s, nil
		}
	}
	if d.scsi.WWN != nil {
		return d.scsi.WWN.DeviceID(), nil
	}
	if err == nil {
		err = errors.New("empty vpd_unit_serial")
	}
	return "", errors.Wrapf(err, "%s: no wwn", d.Name())
}

func (d *Device) BlockSize() uint32 {
	return uint32(d.scsi.DataSizes.BlockSize)
}

func (d *Device) NumLBAs() uint64 {
	if d.scsi.DataSizes.BlockSize == 0 {
		return 0
	}
	return uint64(d.scsi.DataSizes.VolumeSize / d.scsi.DataSizes.BlockSize)
}

func (d *Device) MaxXferLen() uint32 {
	if d.scsi.MaxXferLength != 0 {
		return d.scsi.MaxXferLength
	}
	if n, err := readCfgInt(path.Join(d.cfgDir(), "attrib", "hw_max_sectors")); err == nil && n > 0 {
		return uint32(n)
	}
	return defaultMaxXferLen
}

func (d *Device) WriteCacheEnabled() bool {
	return d.scsi.WriteCache
}

func (d *Device) SolidStateMedia() bool {
	return d.scsi.SolidState
}

func (d *Device) UnmapSupported() bool {
	_, ok := d.scsi.Backend.(Unmapper)
	return ok
}

func (d *Device) OptUnmapGran() uint32 {
	return d.scsi.UnmapGranularity
}

func (d *Device) UnmapGranAlign() uint32 {
	return d.scsi.UnmapGranularityAlign
}

// RecoveryState returns the current recovery flags and lock state.
func (d *Device) RecoveryState() recovery.State {
	return d.rec.State()
}

// Reopen closes and reopens the backend after outstanding commands drain.
// It returns recovery.ErrBusy when a recovery is already running.
func (d *Device) Reopen() error {
	return d.rec.Reopen()
}

// NotifyConnLost starts recovering the backend in the background.
func (d *Device) NotifyConnLost() {
	d.rec.NotifyConnLost()
}

// NotifyLockLost records that the backend's lock was taken away.
func (d *Device) NotifyLockLost() {
	d.rec.NotifyLockLost()
}

// Lock starts acquiring the backend's lock in the background.
func (d *Device) Lock() error {
	l, ok := d.scsi.Backend.(Locker)
	if !ok {
		return ErrNoLocking
	}
	return d.rec.AcquireLock(l.Lock)
}

// OpenTCMUDevice creates the virtual device based on the details in the SCSIHandler, eventually creating a device under devPath (eg, "/dev") with the file name scsi.VolumeName.
// The returned Device represents the open device connection to the kernel, and must be closed.
func OpenTCMUDevice(devPath string, scsi *SCSIHandler) (*Device, error) {
	d := newDevice(devPath, scsi)
	if err := d.rec.Open(); err != nil {
		return d, err
	}
	if err := d.preEnableTcmu(); err != nil {
		return d, err
	}
	if err := d.start(); err != nil {
		return d, err
	}

	return d, d.postEnableTcmu()
}

// Close removes what the device created in configfs, shuts the backend down
// and releases the ring. The ring is released even when removal fails; the
// first error is returned.
func (d *Device) Close() error {
	err := d.teardown()
	d.rec.Shutdown()
	if d.mb != nil {
		if e := syscall.Munmap(d.mb); e != nil && err == nil {
			err = errors.Wrap(e, "unmapping the mailbox")
		}
		d.mb = nil
	}
	if d.uioFd != -1 {
		if e := unix.Close(d.uioFd); e != nil && err == nil {
			err = errors.Wrap(e, "closing uio device")
		}
		d.uioFd = -1
	}
	return err
}

func (d *Device) preEnableTcmu() error {
	err := d.writeLines(path.Join(d.cfgDir(), "control"), []string{
		fmt.Sprintf("dev_size=%d", d.scsi.DataSizes.VolumeSize),
		fmt.Sprintf("dev_config=%s", d.GetDevConfig()),
		fmt.Sprintf("hw_block_size=%d", d.scsi.DataSizes.BlockSize),
		"async=1",
	})
	if err != nil {
		return err
	}

	return d.writeLines(path.Join(d.cfgDir(), "enable"), []string{
		"1",
	})
}

func (d *Device) getSCSIPrefixAndWnn() (string, string) {
	return cfgPath("loopback", d.scsi.WWN.DeviceID(), "tpgt_1"), d.scsi.WWN.NexusID()
}

func (d *Device) getLunPath(prefix string) string {
	return path.Join(prefix, "lun", fmt.Sprintf("lun_%d", d.scsi.LUN))
}

func (d *Device) postEnableTcmu() error {
	prefix, nexusWnn := d.getSCSIPrefixAndWnn()

	err := d.writeLines(path.Join(prefix, "nexus"), []string{
		nexusWnn,
	})
	if err != nil {
		return err
	}

	lunPath := d.getLunPath(prefix)
	d.log.Debugf("Creating directory: %s", lunPath)
	if err := os.MkdirAll(lunPath, 0755); err != nil && !os.IsExist(err) {
		return err
	} else if err == nil {
		d.toClean[lunPath] = true
		d.toClean[path.Join(lunPath, d.scsi.VolumeName)] = true
	}

	d.log.Debugf("Linking: %s => %s", path.Join(lunPath, d.scsi.VolumeName), d.cfgDir())
	if err := os.Symlink(d.cfgDir(), path.Join(lunPath, d.scsi.VolumeName)); err != nil {
		return errors.Wrap(err, "link lun")
	}
	d.toClean[d.cfgDir()] = true

	return d.createDevEntry()
}

func (d *Device) createDevEntry() error {
	if err := os.MkdirAll(d.devPath, 0755); err != nil && !os.IsExist(err) {
		return err
	}

	dev := filepath.Join(d.devPath, d.scsi.VolumeName)

	if _, err := os.Stat(dev); err == nil {
		return errors.Errorf("Device %s already exists, can not create", dev)
	}
	d.toClean[dev] = true

	tgt, _ := d.getSCSIPrefixAndWnn()

	address, err := ioutil.ReadFile(path.Join(tgt, "address"))
	if err != nil {
		return err
	}

	found := false
	matches := []string{}
	path := fmt.Sprintf("/sys/bus/scsi/devices/%s*/block/*/dev", strings.TrimSpace(string(address)))
	for i := 0; i < 30; i++ {
		var err error
		matches, err = filepath.Glob(path)
		if len(matches) > 0 && err == nil {
			found = true
			break
		}

		d.log.Debugf("Waiting for %s", path)
		time.Sleep(1 * time.Second)
	}

	if !found || len(matches) == 0 {
		return errors.Errorf("Failed to find %s", path)
	}

	if len(matches) > 1 {
		return errors.Errorf("Too many matches for %s, found %d", path, len(matches))
	}

	majorMinor, err := ioutil.ReadFile(matches[0])
	if err != nil {
		return err
	}

	major, minor, err := parseMajorMinor(string(majorMinor))
	if err != nil {
		return err
	}

	d.log.Debugf("Creating device %s %d:%d", dev, major, minor)
	return mknod(dev, major, minor)
}

func parseMajorMinor(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("Invalid major:minor string %s", s)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errors.Wrap(err, "major")
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, errors.Wrap(err, "minor")
	}
	return major, minor, nil
}

func mknod(device string, major, minor int) error {
	var fileMode os.FileMode = 0600
	fileMode |= syscall.S_IFBLK
	dev := int(unix.Mkdev(uint32(major), uint32(minor)))

	return syscall.Mknod(device, uint32(fileMode), dev)
}

func (d *Device) writeLines(target string, lines []string) error {
	dir := path.Dir(target)
	if stat, err := os.Stat(dir); os.IsNotExist(err) {
		d.log.Debugf("Creating directory: %s", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		d.toClean[dir] = true
	} else if !stat.IsDir() {
		return errors.Errorf("%s is not a directory", dir)
	}

	for _, line := range lines {
		content := []byte(line + "\n")
		d.log.Debugf("Setting %s: %s", target, line)
		if err := ioutil.WriteFile(target, content, 0755); err != nil {
			d.log.Errorf("Failed to write %s to %s: %v", line, target, err)
			return err
		}
	}

	return nil
}

func (d *Device) start() (err error) {
	err = d.findDevice()
	if err != nil {
		return
	}
	d.cmdChan = make(chan *SCSICmd, 5)
	d.respChan = make(chan SCSIResponse, 5)
	go d.beginPoll()
	return d.scsi.DevReady(d.cmdChan, d.respChan)
}

// parseUIOName splits the name of a uio device, "tcm-user/<hba>/<vol>/<cfg>".
// ok is false for devices not belonging to TCMU.
func parseUIOName(name string) (hba, vol, cfg string, ok bool) {
	split := strings.SplitN(strings.TrimRight(name, "\n"), "/", 4)
	if len(split) != 4 || split[0] != "tcm-user" {
		return "", "", "", false
	}
	return split[1], split[2], split[3], true
}

func (d *Device) findDevice() error {
	err := filepath.Walk("/dev", func(path string, i os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if i.IsDir() && path != "/dev" {
			return filepath.SkipDir
		}
		if !strings.HasPrefix(i.Name(), "uio") {
			return nil
		}
		sysfile := fmt.Sprintf("/sys/class/uio/%s/name", i.Name())
		bytes, err := ioutil.ReadFile(sysfile)
		if err != nil {
			return err
		}
		hba, vol, cfg, ok := parseUIOName(string(bytes))
		if !ok {
			d.log.Debugf("%s is not a tcm-user device", i.Name())
			return nil
		}
		if cfg != d.GetDevConfig() {
			d.log.Debugf("%s is not our tcm-user device", i.Name())
			return nil
		}
		err = d.openDevice(hba, vol, i.Name())
		if err != nil {
			return err
		}
		return filepath.SkipDir
	})
	if err == filepath.SkipDir {
		return nil
	}
	return err
}

func (d *Device) openDevice(hba string, vol string, uio string) error {
	var err error
	d.deviceName = vol
	d.uioFd, err = syscall.Open(fmt.Sprintf("/dev/%s", uio), syscall.O_RDWR|syscall.O_CLOEXEC, 0600)
	if err != nil {
		return errors.Wrapf(err, "open %s", uio)
	}
	size, err := readCfgString(fmt.Sprintf("/sys/class/uio/%s/maps/map0/size", uio))
	if err != nil {
		return err
	}
	d.mapsize, err = strconv.ParseUint(size, 0, 64)
	if err != nil {
		return errors.Wrap(err, "map size")
	}
	mmap, err := syscall.Mmap(d.uioFd, 0, int(d.mapsize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "mmap %s", uio)
	}
	d.mb = mailbox(mmap)
	d.cmdTail = d.mb.tail()
	d.debugPrintMb()
	return nil
}

func (d *Device) debugPrintMb() {
	d.log.WithFields(logrus.Fields{
		"version":  d.mb.version(),
		"mapsize":  d.mapsize,
		"flags":    d.mb.flags(),
		"cmdr_off": d.mb.cmdrOff(),
		"cmdr_len": d.mb.cmdrSize(),
		"head":     d.mb.head(),
		"tail":     d.mb.tail(),
	}).Debug("Got a TCMU mailbox")
}

func (d *Device) teardown() error {
	if d.scsi.WWN == nil {
		return nil
	}
	dev := filepath.Join(d.devPath, d.scsi.VolumeName)
	tpgtPath, _ := d.getSCSIPrefixAndWnn()
	lunPath := d.getLunPath(tpgtPath)

	/*
		We're removing:
		/sys/kernel/config/target/loopback/naa.<id>/tpgt_1/lun/lun_0/<volume name>
		/sys/kernel/config/target/loopback/naa.<id>/tpgt_1/lun/lun_0
		/sys/kernel/config/target/loopback/naa.<id>/tpgt_1
		/sys/kernel/config/target/loopback/naa.<id>
		/sys/kernel/config/target/core/user_42/<volume name>
	*/
	pathsToRemove := []string{
		path.Join(lunPath, d.scsi.VolumeName),
		lunPath,
		tpgtPath,
		path.Dir(tpgtPath),
		d.cfgDir(),
	}

	for _, p := range pathsToRemove {
		if d.toClean[p] {
			err := remove(p)
			if err != nil {
				d.log.Errorf("Failed to remove: %v", err)
			}
		}
	}

	// Should be cleaned up automatically, but if it isn't remove it
	if _, err := os.Stat(dev); err == nil {
		if d.toClean[dev] {
			err := remove(dev)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func removeAsync(path string, done chan<- error) {
	logrus.Debugf("Removing: %s", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logrus.Errorf("Unable to remove: %v", path)
		done <- err
		return
	}
	logrus.Debugf("Removed: %s", path)
	done <- nil
}

func remove(path string) error {
	done := make(chan error, 1)
	go removeAsync(path, done)
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		return errors.Errorf("Timeout trying to delete %s.", path)
	}
}
