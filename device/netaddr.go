package device

import (
	"errors"
	"net"
)

// ErrNoIPv4 is returned when no interface has a usable IPv4 address.
var ErrNoIPv4 = errors.New("device: no non-loopback IPv4 address")

// LocalIPv4 returns the first IPv4 address of an up, non-loopback interface
// as a dotted quad. Controllers connect to this address.
func LocalIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		if ip := firstIPv4(addrs); ip != "" {
			return ip, nil
		}
	}

	return "", ErrNoIPv4
}

func firstIPv4(addrs []net.Addr) string {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}

		if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() && !ip4.IsLinkLocalUnicast() {
			return ip4.String()
		}
	}

	return ""
}
