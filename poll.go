package tcmu

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/agrover/tcmu-runner/scsi"
)

const (
	tcmuSenseBufferSize = 96
)

func (d *Device) beginPoll() {
	// Entry point for the goroutine.
	go d.recvResponse()
	buf := make([]byte, 4)
	for {
		_, err := unix.Read(d.uioFd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			d.log.Errorf("error poll reading: %s", err)
			break
		}
		for {
			cmd, err := d.getNextCommand()
			if err != nil {
				d.log.Errorf("error getting next command: %s", err)
				break
			}
			if cmd == nil {
				break
			}
			d.cmdChan <- cmd
		}
	}
	close(d.cmdChan)
}

func (d *Device) recvResponse() {
	buf := make([]byte, 4)
	for resp := range d.respChan {
		d.completeCommand(resp)
		d.queue.done()
		/* Tell the fd there's something new */
		if _, err := unix.Write(d.uioFd, buf); err != nil {
			d.log.Errorf("error poll writing: %s", err)
			return
		}
	}
}

func (d *Device) completeCommand(resp SCSIResponse) {
	pos := d.mb.tail()
	ent := d.mb.entry(pos)
	for ent.op() != tcmuOpCmd {
		pos = d.mb.advance(pos, ent)
		d.mb.setTail(pos)
		ent = d.mb.entry(pos)
	}
	if ent.cmdID() != resp.id {
		ent.setCmdID(resp.id)
	}
	ent.setStatus(resp.status)
	if resp.status != scsi.SamStatGood {
		ent.setSense(resp.senseBuffer)
	}
	d.mb.setTail(d.mb.advance(pos, ent))
}

func (d *Device) getNextCommand() (*SCSICmd, error) {
	for d.cmdTail != d.mb.head() {
		ent := d.mb.entry(d.cmdTail)
		switch ent.op() {
		case tcmuOpPad:
			d.cmdTail = d.mb.advance(d.cmdTail, ent)
		case tcmuOpCmd:
			if d.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
				d.log.Tracef("entry at %d:\n%s", d.cmdTail, hex.Dump(ent[:ent.size()]))
			}
			out := &SCSICmd{
				id:     ent.cmdID(),
				cdb:    d.mb.cdb(ent),
				iov:    make(IOVec, ent.iovCnt()),
				device: d,
			}
			for i := range out.iov {
				out.iov[i] = d.mb.iovec(ent, i)
			}
			d.cmdTail = d.mb.advance(d.cmdTail, ent)
			d.queue.add()
			return out, nil
		default:
			return nil, errors.Errorf("unsupported command from tcmu? %d", ent.op())
		}
	}
	return nil, nil
}
