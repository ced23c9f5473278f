package tcmu

import (
	"fmt"
	"io/ioutil"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ALUA access types as reported in alua_access_type, shifted into the TPGS
// field of the standard INQUIRY data.
const (
	aluaAccessImplicit = 0x1
	aluaAccessExplicit = 0x2
)

// TargetPortGroup is an ALUA target port group the device is exported
// through.
type TargetPortGroup struct {
	Name string
	ID   uint16
	// TPGS holds the INQUIRY byte 5 TPGS bits for the group's access type.
	TPGS  byte
	Ports []*TargetPort
}

// TargetPort is one member port of a TargetPortGroup.
type TargetPort struct {
	Fabric    string
	WWN       string
	TPGT      uint16
	LUN       uint64
	RelPortID uint16
	ProtoID   byte
	Enabled   bool
	Group     *TargetPortGroup
}

func (p *TargetPort) String() string {
	return fmt.Sprintf("%s/%s/tpgt_%d", p.Fabric, p.WWN, p.TPGT)
}

// parseTargetPortMember parses an ALUA members entry of the form
// "<fabric>/<wwn>/tpgt_<n>/lun_<m>".
func parseTargetPortMember(member string) (*TargetPort, error) {
	parts := strings.Split(strings.TrimSpace(member), "/")
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" {
		return nil, errors.Errorf("invalid ALUA member %q", member)
	}
	p := &TargetPort{
		Fabric: parts[0],
		WWN:    parts[1],
	}
	// iSCSI's fabric name and target_core_fabric_ops name do not match.
	if p.Fabric == "iSCSI" {
		p.Fabric = "iscsi"
	}
	if _, err := fmt.Sscanf(parts[2], "tpgt_%d", &p.TPGT); err != nil {
		return nil, errors.Wrapf(err, "invalid ALUA member %q", member)
	}
	if _, err := fmt.Sscanf(parts[3], "lun_%d", &p.LUN); err != nil {
		return nil, errors.Wrapf(err, "invalid ALUA member %q", member)
	}
	return p, nil
}

func (p *TargetPort) tpgtPath(name string) string {
	return cfgPath(p.Fabric, p.WWN, fmt.Sprintf("tpgt_%d", p.TPGT), name)
}

func (p *TargetPort) lunStatPath(stat string) string {
	return cfgPath(p.Fabric, p.WWN, fmt.Sprintf("tpgt_%d", p.TPGT), "lun",
		fmt.Sprintf("lun_%d", p.LUN), "statistics", stat)
}

func loadTargetPort(member string) (*TargetPort, error) {
	p, err := parseTargetPortMember(member)
	if err != nil {
		return nil, err
	}
	id, err := readCfgInt(p.lunStatPath("scsi_port/indx"))
	if err != nil {
		return nil, err
	}
	p.RelPortID = uint16(id)
	proto, err := readCfgInt(p.lunStatPath("scsi_transport/proto_id"))
	if err != nil {
		return nil, err
	}
	p.ProtoID = byte(proto)
	enabled, err := readCfgInt(p.tpgtPath("enable"))
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	return p, nil
}

func (p *TargetPort) setEnabled(enable bool) error {
	val := 0
	if enable {
		val = 1
	}
	return writeCfgInt(p.tpgtPath("enable"), val)
}

// LoadTargetPortGroups reads the ALUA groups under a device's configfs alua
// directory.
func LoadTargetPortGroups(aluaDir string) ([]*TargetPortGroup, error) {
	entries, err := ioutil.ReadDir(aluaDir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", aluaDir)
	}

	var groups []*TargetPortGroup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := path.Join(aluaDir, e.Name())
		g := &TargetPortGroup{Name: e.Name()}

		id, err := readCfgInt(path.Join(dir, "tg_pt_gp_id"))
		if err != nil {
			return nil, err
		}
		g.ID = uint16(id)

		access, err := readCfgInt(path.Join(dir, "alua_access_type"))
		if err != nil {
			return nil, err
		}
		g.TPGS = byte(access&(aluaAccessImplicit|aluaAccessExplicit)) << 4

		members, err := readCfgString(path.Join(dir, "members"))
		if err != nil {
			return nil, err
		}
		for _, m := range strings.Split(members, "\n") {
			if strings.TrimSpace(m) == "" {
				continue
			}
			port, err := loadTargetPort(m)
			if err != nil {
				logrus.Errorf("Skipping ALUA member of %s: %v", g.Name, err)
				continue
			}
			port.Group = g
			g.Ports = append(g.Ports, port)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// firstEnabledPort returns the port INQUIRY reports, or nil.
func firstEnabledPort(groups []*TargetPortGroup) *TargetPort {
	for _, g := range groups {
		for _, p := range g.Ports {
			if p.Enabled {
				return p
			}
		}
	}
	return nil
}

// tpgResetter implements recovery.TPGResetter for one device.
type tpgResetter struct {
	aluaDir string
	log     *logrus.Entry
}

// ResetTPGs disables every enabled target port of the device so initiators
// fail over instead of flip flopping onto a path whose backend is
// unreachable, runs reopen, and enables the ports again.
func (r *tpgResetter) ResetTPGs(reopen func() error) error {
	groups, err := LoadTargetPortGroups(r.aluaDir)
	if err != nil {
		r.log.Debugf("No target port groups: %v", err)
	}

	var disabled []*TargetPort
	for _, g := range groups {
		for _, p := range g.Ports {
			if !p.Enabled {
				continue
			}
			// Returns once all running commands completed at the target layer.
			r.log.Debugf("Disabling %s.", p)
			if err := p.setEnabled(false); err != nil {
				r.log.Errorf("Could not disable %s: %v", p, err)
				continue
			}
			r.log.Infof("Disabled %s.", p)
			disabled = append(disabled, p)
		}
	}

	reopenErr := reopen()
	if reopenErr != nil {
		r.log.Errorf("Could not reset device: %v", reopenErr)
	}

	for _, p := range disabled {
		if err := p.setEnabled(true); err != nil {
			r.log.Errorf("Could not enable %s: %v", p, err)
			continue
		}
		r.log.Infof("Enabled %s.", p)
	}
	return reopenErr
}
