package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	tcmu "github.com/agrover/tcmu-runner"
	"github.com/agrover/tcmu-runner/backend"
	"github.com/agrover/tcmu-runner/internal/config"
	"github.com/agrover/tcmu-runner/internal/logging"
	"github.com/agrover/tcmu-runner/recovery"
	"github.com/agrover/tcmu-runner/rest"
)

// OUI used by LIO for generated NAA identifiers.
const lioOUI = "001405"

func main() {
	app := cli.NewApp()
	app.Name = "tcmufile"
	app.Usage = "export a file as a SCSI disk through TCMU"
	app.ArgsUsage = "FILE"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: config.DefaultPath,
			Usage: "TOML configuration file",
		},
		cli.StringFlag{
			Name:  "size",
			Usage: "Volume size in bytes or human readable 42kb, 42mb, 42gb. Defaults to the size of FILE",
		},
		cli.IntFlag{
			Name:  "block-size",
			Value: 512,
		},
		cli.IntFlag{
			Name:  "hba",
			Usage: "loopback HBA number, overrides the configuration file",
		},
		cli.StringFlag{
			Name:  "dev-path",
			Usage: "directory for the device node, overrides the configuration file",
		},
		cli.StringFlag{
			Name:  "listen",
			Usage: "address of the status API, overrides the configuration file",
		},
		cli.BoolFlag{
			Name:  "null",
			Usage: "discard writes and read zeroes instead of using FILE",
		},
		cli.StringFlag{
			Name:  "serial",
			Usage: "unit serial used to derive the WWN. Random if empty",
		},
		cli.BoolFlag{
			Name: "write-cache",
		},
		cli.IntFlag{
			Name:  "threads",
			Value: runtime.NumCPU(),
		},
	}
	app.Action = func(c *cli.Context) {
		if err := run(c); err != nil {
			logrus.Fatalf("Error running tcmufile: %v", err)
		}
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("hba") {
		cfg.HBA = c.Int("hba")
	}
	if c.IsSet("dev-path") {
		cfg.DevPath = c.String("dev-path")
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	return cfg, cfg.Validate()
}

// openBackend returns the backend, its handler configuration string and
// the volume name.
func openBackend(c *cli.Context) (tcmu.ReadWriterAt, string, string, error) {
	if c.Bool("null") {
		if c.NArg() > 1 {
			return nil, "", "", errors.New("too many arguments")
		}
		name := "null"
		if c.NArg() == 1 {
			name = c.Args()[0]
		}
		return backend.Null{}, "null/", name, nil
	}
	if c.NArg() != 1 {
		return nil, "", "", errors.New("file name is required")
	}
	path, err := filepath.Abs(c.Args()[0])
	if err != nil {
		return nil, "", "", err
	}
	return backend.NewFile(path), "file/" + path, filepath.Base(path), nil
}

func volumeSize(c *cli.Context, rw tcmu.ReadWriterAt, blockSize int64) (int64, error) {
	var (
		size int64
		err  error
	)
	switch {
	case c.String("size") != "":
		size, err = parseSize(c.String("size"))
	case c.Bool("null"):
		return 0, errors.New("--size is required with --null")
	default:
		size, err = rw.(*backend.File).Size()
	}
	if err != nil {
		return 0, err
	}
	return alignSize(size, blockSize)
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logs, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()

	rw, devConfig, name, err := openBackend(c)
	if err != nil {
		return err
	}
	blockSize := int64(c.Int("block-size"))
	size, err := volumeSize(c, rw, blockSize)
	if err != nil {
		return err
	}

	serial := c.String("serial")
	if serial == "" {
		serial = uuid.New().String()
	}

	h := &tcmu.SCSIHandler{
		VolumeName: name,
		DataSizes:  tcmu.DataSizes{VolumeSize: size, BlockSize: blockSize},
		HBA:        cfg.HBA,
		WWN:        tcmu.NaaWWN{OUI: lioOUI, VendorID: tcmu.GenerateSerial(serial)},
		DevConfig:  devConfig,
		WriteCache: c.Bool("write-cache"),
		DevReady:   tcmu.MultiThreadedDevReady(tcmu.ReadWriterAtCmdHandler{RW: rw}, c.Int("threads")),
	}
	if b, ok := rw.(recovery.Handler); ok {
		h.Backend = b
	}

	d, err := tcmu.OpenTCMUDevice(cfg.DevPath, h)
	if err != nil {
		return errors.Wrapf(err, "couldn't start device %s", name)
	}
	defer d.Close()
	logrus.WithFields(logrus.Fields{
		"dev":    filepath.Join(cfg.DevPath, name),
		"config": devConfig,
		"serial": serial,
	}).Info("Device attached")

	if cfg.Listen != "" {
		s := rest.NewServer()
		s.Add(d)
		router := rest.LoggingHandler(os.Stdout, rest.NewRouter(s))
		go func() {
			logrus.Infof("Listening on %s", cfg.Listen)
			if err := http.ListenAndServe(cfg.Listen, router); err != nil {
				logrus.Errorf("Status API stopped: %v", err)
			}
		}()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	sig := <-signalChan
	logrus.Infof("Received %v, stopping device", sig)
	return nil
}

func alignSize(size, blockSize int64) (int64, error) {
	if blockSize <= 0 || blockSize%512 != 0 {
		return 0, fmt.Errorf("invalid block size %d", blockSize)
	}
	if size < blockSize {
		return 0, fmt.Errorf("volume size %d is smaller than a block", size)
	}
	return size - size%blockSize, nil
}
