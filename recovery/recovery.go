// Package recovery serializes the reopen, close and lock operations of a
// device whose backend connection can be lost at any time.
package recovery

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned by Reopen while a recovery is already running.
	ErrBusy = errors.New("device is already being recovered")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("device is shutting down")
	// ErrConnLost is wrapped by backends to report that their connection to
	// the storage went away. It triggers NotifyConnLost.
	ErrConnLost = errors.New("backend connection lost")

	errStillRecovering = errors.New("recovery still running")
)

const defaultPollInterval = 100 * time.Millisecond

// Handler is the backend being recovered. Open and Close may block for a long
// time; they are never called with the state mutex held.
type Handler interface {
	Open() error
	Close()
}

// CmdQueue tracks the commands outstanding against the backend.
type CmdQueue interface {
	// WaitEmpty blocks until no command is outstanding.
	WaitEmpty()
}

// TPGResetter runs reopen with the device's target port groups disabled.
type TPGResetter interface {
	ResetTPGs(reopen func() error) error
}

// Option configures a Device.
type Option func(*Device)

// WithRetryDelay sets the pause between failed open attempts while
// reopening. The default is no pause.
func WithRetryDelay(d time.Duration) Option {
	return func(dev *Device) { dev.retryDelay = d }
}

// WithPollInterval sets how often CancelRecovery checks for a concurrent
// reopen to finish.
func WithPollInterval(d time.Duration) Option {
	return func(dev *Device) { dev.pollInterval = d }
}

// WithTPGResetter makes the recovery task started by NotifyConnLost reopen
// through r.
func WithTPGResetter(r TPGResetter) Option {
	return func(dev *Device) { dev.resetter = r }
}

func WithLogger(l *logrus.Entry) Option {
	return func(dev *Device) { dev.log = l }
}

// Device is the recovery and lock state of one exported device.
type Device struct {
	name     string
	handler  Handler
	queue    CmdQueue
	resetter TPGResetter
	log      *logrus.Entry

	retryDelay   time.Duration
	pollInterval time.Duration

	mu        sync.Mutex
	flags     Flags
	lockState LockState
	// closed when the current recovery or lock task exits
	recoveryDone chan struct{}
	lockDone     chan struct{}
}

// New returns the recovery state for a closed device. queue may be nil when
// the device has no outstanding command tracking.
func New(name string, h Handler, queue CmdQueue, opts ...Option) *Device {
	d := &Device{
		name:         name,
		handler:      h,
		queue:        queue,
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = logrus.WithField("dev", name)
	}
	lockStateGauge.WithLabelValues(name).Set(float64(Unlocked))
	return d
}

func (d *Device) Name() string {
	return d.name
}

// State returns a snapshot of the flags and lock state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{Flags: d.flags, LockState: d.lockState}
}

func (d *Device) hasFlag(f Flags) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags&f != 0
}

// setLockState must be called with mu held.
func (d *Device) setLockState(s LockState) {
	d.lockState = s
	lockStateGauge.WithLabelValues(d.name).Set(float64(s))
}

// Open performs the initial open of the backend.
func (d *Device) Open() error {
	d.mu.Lock()
	if d.flags&FlagShuttingDown != 0 {
		d.mu.Unlock()
		return ErrShuttingDown
	}
	if d.flags&FlagIsOpen != 0 {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.handler.Open(); err != nil {
		return errors.Wrapf(err, "open %s", d.name)
	}

	d.mu.Lock()
	d.flags |= FlagIsOpen
	d.mu.Unlock()
	return nil
}

// NotifyConnLost starts a recovery task unless one is already running. It is
// safe to call from command completion paths.
func (d *Device) NotifyConnLost() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.flags&FlagInRecovery != 0 {
		return
	}
	if d.flags&FlagShuttingDown != 0 {
		d.log.Warn("Connection lost while shutting down, not recovering.")
		return
	}

	d.log.Errorf("Handler connection lost (lock state %s).", d.lockState)
	d.flags |= FlagInRecovery
	done := make(chan struct{})
	d.recoveryDone = done
	recoveriesTotal.WithLabelValues(d.name).Inc()
	go d.recoveryTask(done)
}

func (d *Device) recoveryTask(done chan struct{}) {
	defer close(done)

	var err error
	if d.resetter != nil {
		err = d.resetter.ResetTPGs(d.reopen)
	} else {
		err = d.reopen()
	}
	d.mu.Lock()
	d.flags &^= FlagInRecovery
	d.mu.Unlock()

	if err != nil {
		d.log.Errorf("Recovery failed: %v", err)
	} else {
		d.log.Info("Recovery complete.")
	}
}

// Reopen closes and reopens the backend. It fails with ErrBusy if a
// recovery is already in progress.
func (d *Device) Reopen() error {
	d.mu.Lock()
	if d.flags&FlagInRecovery != 0 {
		d.mu.Unlock()
		return ErrBusy
	}
	d.flags |= FlagInRecovery
	d.mu.Unlock()

	err := d.reopen()
	d.mu.Lock()
	d.flags &^= FlagInRecovery
	d.mu.Unlock()
	return err
}

// reopen runs with FlagInRecovery set by its caller, which clears it once the
// whole recovery episode is over.
func (d *Device) reopen() error {
	if d.queue != nil {
		d.log.Debug("Waiting for outstanding commands to complete.")
		d.queue.WaitEmpty()
	}

	if d.hasFlag(FlagShuttingDown) {
		d.log.Debug("Device is shutting down, not reopening.")
		return ErrShuttingDown
	}

	// Handlers lose the lock when closed.
	d.CancelLockThread()
	d.mu.Lock()
	if d.lockState != Locking {
		d.setLockState(Unlocked)
	}
	d.mu.Unlock()

	d.log.Debug("Closing device.")
	d.handler.Close()
	d.mu.Lock()
	d.flags &^= FlagIsOpen
	d.mu.Unlock()

	var openErr error
	op := func() error {
		if d.hasFlag(FlagShuttingDown) {
			if openErr == nil {
				openErr = ErrShuttingDown
			}
			return backoff.Permanent(openErr)
		}

		d.log.Debug("Opening device.")
		openErr = d.handler.Open()
		if openErr != nil {
			reopenAttemptsTotal.WithLabelValues(d.name, "error").Inc()
			return openErr
		}
		reopenAttemptsTotal.WithLabelValues(d.name, "ok").Inc()
		d.mu.Lock()
		d.flags |= FlagIsOpen
		d.mu.Unlock()
		return nil
	}
	notify := func(err error, next time.Duration) {
		d.log.Errorf("Failed to open device: %v. Retrying in %s.", err, next)
	}
	return backoff.RetryNotify(op, backoff.NewConstantBackOff(d.retryDelay), notify)
}

// CancelRecovery waits for the recovery task, and any reopen running
// concurrently with it, to finish. Open and Close are not interruptible, so
// this blocks for as long as they do.
func (d *Device) CancelRecovery() {
	d.mu.Lock()
	if d.flags&FlagInRecovery == 0 {
		d.mu.Unlock()
		return
	}
	done := d.recoveryDone
	d.mu.Unlock()

	if done != nil {
		d.log.Debug("Waiting on recovery thread.")
		<-done
	}

	// A Reopen call may still be retrying after the task exited.
	backoff.Retry(func() error {
		if d.hasFlag(FlagInRecovery) {
			return errStillRecovering
		}
		return nil
	}, backoff.NewConstantBackOff(d.pollInterval))
	d.log.Debug("Recovery thread wait done.")
}

// AcquireLock starts a task running lock, moving the lock state from
// Unlocked through Locking to Locked, or back to Unlocked on failure. A
// failure wrapping ErrConnLost starts recovery.
func (d *Device) AcquireLock(lock func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.flags&FlagShuttingDown != 0 {
		return ErrShuttingDown
	}
	switch d.lockState {
	case Locking:
		return ErrBusy
	case Locked:
		return nil
	}

	d.setLockState(Locking)
	done := make(chan struct{})
	d.lockDone = done
	go d.lockTask(lock, done)
	return nil
}

func (d *Device) lockTask(lock func() error, done chan struct{}) {
	defer close(done)

	err := lock()

	d.mu.Lock()
	if err != nil {
		d.setLockState(Unlocked)
	} else {
		d.setLockState(Locked)
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Errorf("Could not acquire lock: %v", err)
		if errors.Is(err, ErrConnLost) {
			d.NotifyConnLost()
		}
		return
	}
	d.log.Info("Lock acquired.")
}

// CancelLockThread waits for a running lock task to exit. Lock calls cannot
// be interrupted, so this is only a wait.
func (d *Device) CancelLockThread() {
	d.mu.Lock()
	if d.lockState != Locking {
		d.mu.Unlock()
		return
	}
	done := d.lockDone
	d.mu.Unlock()

	d.log.Debug("Waiting on lock thread.")
	<-done
}

// NotifyLockLost is called by handlers that detect the lock was taken away.
func (d *Device) NotifyLockLost() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Errorf("Async lock drop. Old state %s", d.lockState)
	// Stale completions can arrive while the lock is being reacquired.
	if d.lockState != Locking {
		d.setLockState(Unlocked)
	}
}

// Shutdown stops any recovery and lock task and closes the backend. The
// device cannot be reopened afterwards.
func (d *Device) Shutdown() {
	d.mu.Lock()
	if d.flags&FlagShuttingDown != 0 {
		d.mu.Unlock()
		return
	}
	d.flags |= FlagShuttingDown
	d.mu.Unlock()

	d.CancelRecovery()
	d.CancelLockThread()

	d.mu.Lock()
	open := d.flags&FlagIsOpen != 0
	d.flags &^= FlagIsOpen
	d.mu.Unlock()

	if open {
		d.handler.Close()
	}
	lockStateGauge.DeleteLabelValues(d.name)
}
