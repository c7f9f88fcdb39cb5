package ghost

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const discoveryReadTimeout = 3 * time.Second

// parseDiscoveryPacket extracts a server address from a LAN discovery
// broadcast of the form "OVERLORD <host?>:<port>". An empty host field
// resolves to the sender's address.
func parseDiscoveryPacket(data []byte, src net.Addr) (string, bool) {
	fields := strings.SplitN(strings.TrimSpace(string(data)), " ", 2)
	if len(fields) != 2 || fields[0] != "OVERLORD" {
		return "", false
	}

	host, port, err := net.SplitHostPort(fields[1])
	if err != nil {
		return "", false
	}

	if strings.TrimSpace(host) == "" {
		srcHost, _, err := net.SplitHostPort(src.String())
		if err != nil {
			return "", false
		}
		host = srcHost
	}
	return net.JoinHostPort(host, port), true
}

// StartLanDiscovery passively collects server addresses announced on the
// LAN. While a session is live, discovery is paused: packets are read and
// dropped so churn cannot grow the candidate list, but the socket stays
// open.
func (g *Ghost) StartLanDiscovery() {
	log.Info().Msg("ghost: LAN discovery started")

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", DiscoveryPort))
	if err != nil {
		log.Error().Err(err).Msg("ghost: LAN discovery, abort")
		return
	}
	defer func() {
		conn.Close()
		log.Info().Msg("ghost: LAN discovery stopped")
	}()

	buf := make([]byte, 8192)
	for {
		conn.SetReadDeadline(time.Now().Add(discoveryReadTimeout))
		n, remote, err := conn.ReadFrom(buf)

		if g.pauseLanDisc.Load() {
			log.Debug().Msg("ghost: LAN discovery paused")
			for g.pauseLanDisc.Load() {
				time.Sleep(discoveryReadTimeout)
			}
			log.Debug().Msg("ghost: LAN discovery resumed")
			continue
		}

		if err != nil {
			continue
		}

		addr, ok := parseDiscoveryPacket(buf[:n], remote)
		if !ok {
			continue
		}

		if g.addAddress(addr) {
			log.Info().Msgf("ghost: LAN discovery got server address %s", addr)
		}
	}
}
