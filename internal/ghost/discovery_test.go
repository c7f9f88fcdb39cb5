package ghost

import (
	"net"
	"testing"
)

func TestParseDiscoveryPacket(t *testing.T) {
	src := &net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 40000}

	tests := []struct {
		name   string
		packet string
		want   string
		wantOk bool
	}{
		{
			name:   "explicit host",
			packet: "OVERLORD 10.0.0.1:4455",
			want:   "10.0.0.1:4455",
			wantOk: true,
		},
		{
			name:   "empty host resolves to sender",
			packet: "OVERLORD :4455",
			want:   "192.168.1.5:4455",
			wantOk: true,
		},
		{
			name:   "wrong prefix",
			packet: "SOMETHING 10.0.0.1:4455",
			wantOk: false,
		},
		{
			name:   "missing address",
			packet: "OVERLORD",
			wantOk: false,
		},
		{
			name:   "garbage address",
			packet: "OVERLORD not-an-address",
			wantOk: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseDiscoveryPacket([]byte(tt.packet), src)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, expected %v", ok, tt.wantOk)
			}
			if ok && got != tt.want {
				t.Errorf("addr = %q, expected %q", got, tt.want)
			}
		})
	}
}

func TestAddAddress(t *testing.T) {
	g := &Ghost{addrs: []string{"10.0.0.1:4455"}}

	if g.addAddress("10.0.0.1:4455") {
		t.Error("known address reported as added")
	}
	if !g.addAddress("10.0.0.2:4455") {
		t.Error("new address not added")
	}
	if g.addAddress("10.0.0.2:4455") {
		t.Error("address added twice")
	}

	addrs := g.candidateAddrs()
	if len(addrs) != 2 {
		t.Errorf("candidate list = %v, expected 2 entries", addrs)
	}
}
