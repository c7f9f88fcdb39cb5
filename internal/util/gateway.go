package util

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// GatewayIPs returns the IPv4 addresses of the default route gateways.
func GatewayIPs() ([]string, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseRouteTable(f)
}

// parseRouteTable extracts default gateway addresses from the kernel route
// table. Fields are: Iface Destination Gateway Flags ... with Destination and
// Gateway as little-endian hex.
func parseRouteTable(r io.Reader) ([]string, error) {
	var gateways []string

	scanner := bufio.NewScanner(r)
	scanner.Scan() // header line

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[1] != "00000000" {
			continue
		}

		raw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			continue
		}

		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, uint32(raw))
		gateways = append(gateways, ip.String())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse route table: %w", err)
	}
	return gateways, nil
}
