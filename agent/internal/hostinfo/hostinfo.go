package hostinfo

import (
	"net"
	"os"
)

// UnknownIP is reported when no usable address is found.
const UnknownIP = "0.0.0.0"

// Hostname returns the node hostname, or "unknown".
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

// PrimaryIPv4 returns the first non-loopback IPv4 address of an interface
// that is up, or UnknownIP.
func PrimaryIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return UnknownIP
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
			return ip
		}
	}
	return UnknownIP
}

func firstIPv4(addrs []net.Addr) string {
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
