// Package logging configures logrus from the runner configuration.
package logging

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"
	"github.com/prometheus/common/log"
	"github.com/sirupsen/logrus"

	"github.com/agrover/tcmu-runner/internal/config"
)

const LogFile = "tcmu-runner.log"

var levels = []logrus.Level{
	config.LogCrit:         logrus.FatalLevel,
	config.LogErr:          logrus.ErrorLevel,
	config.LogWarn:         logrus.WarnLevel,
	config.LogInfo:         logrus.InfoLevel,
	config.LogDebug:        logrus.DebugLevel,
	config.LogDebugSCSICmd: logrus.TraceLevel,
}

// fileHook copies the entries of the SCSI emulation logger, which is a
// separate logrus instance, into the log file.
type fileHook struct {
	mu sync.Mutex
	w  io.Writer
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(e *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.w == nil {
		return nil
	}
	line, err := e.Bytes()
	if err != nil {
		return err
	}
	_, err = h.w.Write(line)
	return err
}

func (h *fileHook) setWriter(w io.Writer) {
	h.mu.Lock()
	h.w = w
	h.mu.Unlock()
}

var (
	scsiFileHook = &fileHook{}
	addHookOnce  sync.Once
)

// logFile detaches both loggers from the rotated file before closing it.
type logFile struct {
	*lumberjack.Logger
}

func (f logFile) Close() error {
	scsiFileHook.setWriter(nil)
	logrus.SetOutput(os.Stderr)
	return f.Logger.Close()
}

// Level maps a tcmu.conf log level onto logrus. Out of range values are
// clamped.
func Level(level int) logrus.Level {
	if level < 0 {
		level = 0
	}
	if level >= len(levels) {
		level = len(levels) - 1
	}
	return levels[level]
}

// Setup sets the logrus level, and the level of the SCSI emulation logger,
// from cfg. With a log directory configured, the output of both is also
// written to a rotated LogFile in it; the returned closer closes that file.
func Setup(cfg config.Config) (io.Closer, error) {
	lvl := Level(cfg.LogLevel)
	logrus.SetLevel(lvl)
	if err := log.Base().SetLevel(lvl.String()); err != nil {
		return nil, errors.Wrap(err, "set scsi log level")
	}

	addHookOnce.Do(func() { log.AddHook(scsiFileHook) })
	if cfg.LogDir == "" {
		scsiFileHook.setWriter(nil)
		return ioutil.NopCloser(nil), nil
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create log dir %s", cfg.LogDir)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, LogFile),
		MaxSize:    cfg.LogRotate.MaxSizeMB,
		MaxAge:     cfg.LogRotate.MaxAgeDays,
		MaxBackups: cfg.LogRotate.MaxBackups,
		LocalTime:  true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, rotator))
	scsiFileHook.setWriter(rotator)
	logrus.Infof("Configured logging to %s with maxSize: %vMB, maxAge: %v days, maxBackups: %v",
		rotator.Filename, cfg.LogRotate.MaxSizeMB, cfg.LogRotate.MaxAgeDays, cfg.LogRotate.MaxBackups)
	return logFile{rotator}, nil
}
