package tcmu

import (
	"io/ioutil"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// configfsRoot is the LIO configfs mount point. Tests point it at a temporary
// directory.
var configfsRoot = "/sys/kernel/config/target"

func cfgPath(elem ...string) string {
	return path.Join(append([]string{configfsRoot}, elem...)...)
}

func readCfgString(p string) (string, error) {
	b, err := ioutil.ReadFile(p)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", p)
	}
	return strings.TrimRight(string(b), "\n\x00"), nil
}

func readCfgInt(p string) (int, error) {
	s, err := readCfgString(p)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", p)
	}
	return int(v), nil
}

func writeCfgInt(p string, val int) error {
	logrus.Debugf("Setting %s: %d", p, val)
	if err := ioutil.WriteFile(p, []byte(strconv.Itoa(val)+"\n"), 0644); err != nil {
		return errors.Wrapf(err, "write %d to %s", val, p)
	}
	return nil
}
