package util

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"strings"
)

// MachineID returns a stable identifier for this host. It prefers the DMI
// product UUID, then the systemd machine ID, and finally falls back to a
// digest of the hostname and interface MAC addresses.
func MachineID() (string, error) {
	for _, path := range []string{
		"/sys/class/dmi/id/product_uuid",
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	} {
		if id := readFileTrim(path); id != "" {
			return id, nil
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", errors.New("no machine identity source available")
	}

	macs := macAddresses()
	if len(macs) == 0 {
		return "", errors.New("no machine identity source available")
	}

	h := sha1.New()
	h.Write([]byte(hostname))
	h.Write([]byte(strings.Join(macs, ",")))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readFileTrim(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func macAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) > 0 {
			macs = append(macs, iface.HardwareAddr.String())
		}
	}
	return macs
}
