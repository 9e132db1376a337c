package machineid

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

var errNoHardwareAddr = errors.New("no usable network interface")

// HardwareAddr reads the MAC address of the primary network adapter. Link
// state is ignored so the value survives a cable pull or a Wi-Fi drop.
// Loopback, bridge and virtual adapters are skipped; among the rest a
// universally administered address beats a locally administered one, and
// the lowest address wins.
type HardwareAddr struct {
	// Interfaces overrides net.Interfaces in tests.
	Interfaces func() ([]net.Interface, error)
}

// Name implements Source.
func (HardwareAddr) Name() string { return "mac" }

// Value implements Source.
func (h HardwareAddr) Value(_ context.Context) (string, error) {
	list := h.Interfaces
	if list == nil {
		list = net.Interfaces
	}
	ifaces, err := list()
	if err != nil {
		return "", err
	}

	var best net.HardwareAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || isVirtual(iface.Name) {
			continue
		}
		addr := iface.HardwareAddr
		if len(addr) == 0 || isZero(addr) {
			continue
		}
		if best == nil || preferred(addr, best) {
			best = addr
		}
	}
	if best == nil {
		return "", errNoHardwareAddr
	}
	return strings.ToLower(best.String()), nil
}

// virtualPrefixes name adapters created by container runtimes, hypervisors
// and VPN clients.
var virtualPrefixes = []string{
	"docker", "br-", "veth", "virbr", "vmnet", "vboxnet", "vethernet",
	"tun", "tap", "utun", "wg", "zt", "bridge", "cni", "flannel", "lxc",
	"lxd", "podman", "awdl", "llw", "anpi",
}

func isVirtual(name string) bool {
	name = strings.ToLower(name)
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// preferred reports whether a should be chosen over b.
func preferred(a, b net.HardwareAddr) bool {
	if la, lb := isLocal(a), isLocal(b); la != lb {
		return lb
	}
	return bytes.Compare(a, b) < 0
}

// isLocal reports whether the locally administered bit is set.
func isLocal(addr net.HardwareAddr) bool {
	return addr[0]&0x02 != 0
}

func isZero(addr net.HardwareAddr) bool {
	return bytes.Equal(addr, make(net.HardwareAddr, len(addr)))
}

// HostID reads the OS host identifier (DMI product UUID or machine-id on
// Linux, MachineGuid on Windows, IOPlatformUUID on macOS).
type HostID struct{}

// Name implements Source.
func (HostID) Name() string { return "host" }

// Value implements Source.
func (HostID) Value(ctx context.Context) (string, error) {
	id, err := host.HostIDWithContext(ctx)
	if err != nil {
		return "", err
	}
	return strings.ToLower(id), nil
}

// Hostname reads the lower-cased hostname.
type Hostname struct{}

// Name implements Source.
func (Hostname) Name() string { return "hostname" }

// Value implements Source.
func (Hostname) Value(_ context.Context) (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(name)), nil
}
