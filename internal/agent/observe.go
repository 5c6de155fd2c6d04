package agent

import (
	"net/netip"

	"github.com/lke-infra/vlanctl/internal/cloud"
	"github.com/lke-infra/vlanctl/internal/netops"
	"github.com/lke-infra/vlanctl/internal/pool"
)

type State uint8

const (
	// StateUnattached: the boot config has no VLAN interface for our label.
	StateUnattached State = iota
	// StateConfigured: the cloud config shows the interface but the OS has
	// not seen it yet — a reboot is owed.
	StateConfigured
	// StateAttached: interface present in the config AND live in the OS.
	StateAttached
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateConfigured:
		return "configured-but-not-materialized"
	case StateAttached:
		return "attached"
	}
	return "unknown"
}

// Observation is derived state, recomputed on every run and never cached —
// that recomputation is what makes the agent idempotent.
type Observation struct {
	State State
	// IPAMAddress is the address (with CIDR suffix) the cloud config carries
	// for the VLAN interface; empty when unattached.
	IPAMAddress string
	// OSInterface is the live interface holding the address; empty unless
	// attached.
	OSInterface string
}

// Observe derives the attachment state for one VLAN label from the cloud
// config cross-referenced with the live OS interface list. Pure function: no
// network, no side effects.
func Observe(config cloud.InstanceConfig, osInterfaces []netops.Interface, vlanLabel string) Observation {
	var vlanIface *cloud.Interface
	for i := range config.Interfaces {
		iface := &config.Interfaces[i]
		if iface.Purpose == cloud.PurposeVLAN && iface.Label == vlanLabel {
			vlanIface = iface
			break
		}
	}
	if vlanIface == nil || vlanIface.IPAMAddress == "" {
		return Observation{State: StateUnattached}
	}

	want, err := netip.ParseAddr(pool.NormalizeIP(vlanIface.IPAMAddress))
	if err != nil {
		return Observation{State: StateUnattached}
	}
	for _, osIface := range osInterfaces {
		for _, addr := range osIface.Addresses {
			if addr == want {
				return Observation{
					State:       StateAttached,
					IPAMAddress: vlanIface.IPAMAddress,
					OSInterface: osIface.Name,
				}
			}
		}
	}
	return Observation{State: StateConfigured, IPAMAddress: vlanIface.IPAMAddress}
}
