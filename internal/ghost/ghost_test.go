package ghost

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/modevans2100/factory/internal/config"
	"github.com/modevans2100/factory/internal/rpccore"
	"github.com/modevans2100/factory/internal/wire"
)

func newTestGhost(t *testing.T, addrs []string, mode Mode) *Ghost {
	t.Helper()
	g, err := New(addrs, &config.TLSConfig{}, mode, "test-mid")
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestRegisterSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type serverResult struct {
		req *wire.Request
		err error
	}
	results := make(chan serverResult, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			results <- serverResult{err: err}
			return
		}
		defer conn.Close()

		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			results <- serverResult{err: err}
			return
		}

		req, _, err := wire.Decode(line[:len(line)-1])
		if err != nil {
			results <- serverResult{err: err}
			return
		}

		data, _ := wire.Marshal(wire.NewResponse(req.Rid, wire.Success, nil))
		conn.Write(data)
		results <- serverResult{req: req}

		// Give the agent time to process the response, then drop the
		// connection to terminate Listen.
		time.Sleep(200 * time.Millisecond)
	}()

	g := newTestGhost(t, []string{ln.Addr().String()}, ModeAgent)
	if err := g.Register(); err != nil {
		t.Fatal(err)
	}

	listenErr := make(chan error, 1)
	go func() { listenErr <- g.Listen() }()

	result := <-results
	if result.err != nil {
		t.Fatal(result.err)
	}
	if result.req.Name != "register" {
		t.Fatalf("first request = %q, expected register", result.req.Name)
	}

	var params struct {
		Mid  string `json:"mid"`
		Sid  string `json:"sid"`
		Mode int    `json:"mode"`
	}
	if err := json.Unmarshal(result.req.Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Mid != "test-mid" {
		t.Errorf("mid = %q, expected test-mid", params.Mid)
	}
	if params.Sid == "" {
		t.Error("sid is empty")
	}
	if params.Mode != int(ModeAgent) {
		t.Errorf("mode = %d, expected %d", params.Mode, int(ModeAgent))
	}

	// Listen ends when the server drops the connection
	if err := <-listenErr; err == nil {
		t.Error("Listen returned nil after connection drop")
	}

	if g.registerStatus != wire.Success {
		t.Errorf("register status = %q, expected %q", g.registerStatus, wire.Success)
	}
	if g.connectedAddr != ln.Addr().String() {
		t.Errorf("connected address = %q, expected %q", g.connectedAddr, ln.Addr().String())
	}
}

func TestRegisterNoServer(t *testing.T) {
	// A listener that is immediately closed gives us a port nothing accepts on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	g := newTestGhost(t, []string{addr}, ModeAgent)
	if err := g.Register(); err == nil {
		t.Error("Register succeeded with no server listening")
	}
}

func TestPingTimeoutForcesReconnect(t *testing.T) {
	g := newTestGhost(t, nil, ModeAgent)

	if err := g.pingHandler(nil); err == nil {
		t.Error("ping timeout did not return an error")
	}
	if !g.reset.Load() {
		t.Error("ping timeout did not request a reconnect")
	}
}

func TestReconnectRequestEndsListen(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	g := newTestGhost(t, nil, ModeAgent)
	g.RPCCore = rpccore.New(local)
	g.registerStatus = wire.Success
	g.reset.Store(true)

	listenErr := make(chan error, 1)
	go func() { listenErr <- g.Listen() }()

	select {
	case err := <-listenErr:
		if err == nil {
			t.Error("Listen returned nil on reconnect request")
		}
	case <-time.After(2 * timeoutScanInterval):
		t.Fatal("Listen did not return after reconnect request")
	}
}

func TestSessionIDRegeneratedPerInstance(t *testing.T) {
	a := newTestGhost(t, nil, ModeAgent)
	b := newTestGhost(t, nil, ModeAgent)
	if a.sid == b.sid {
		t.Error("two agent instances share a session ID")
	}
}

func TestSessionIDRegeneratedOnReconnect(t *testing.T) {
	g := newTestGhost(t, nil, ModeAgent)
	before := g.sid
	g.resetState()
	if g.sid == before {
		t.Error("agent session ID survived a reconnect cycle")
	}

	child := newTestGhost(t, nil, ModeTerminal)
	child.SetSid("server-assigned")
	child.resetState()
	if child.sid != "server-assigned" {
		t.Errorf("child session ID = %q, expected server-assigned", child.sid)
	}
}
