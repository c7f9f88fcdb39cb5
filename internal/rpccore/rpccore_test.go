package rpccore

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/modevans2100/factory/internal/wire"
)

// pipePeer reads and discards everything written to the far end so writes
// never block.
func newCore(t *testing.T) (*RPCCore, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return New(local), remote
}

func TestSendRequestTracked(t *testing.T) {
	core, remote := newCore(t)

	received := make(chan *wire.Request, 1)
	go func() {
		line, err := bufio.NewReader(remote).ReadBytes('\n')
		if err != nil {
			return
		}
		req, _, _ := wire.Decode(line[:len(line)-1])
		received <- req
	}()

	req := wire.NewRequest("ping", nil)
	invoked := 0
	if err := core.SendRequest(req, func(res *wire.Response) error {
		invoked++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	sent := <-received
	if sent.Name != "ping" || sent.Rid != req.Rid {
		t.Fatalf("wire request = %+v, expected ping/%s", sent, req.Rid)
	}

	// A matching response resolves the request exactly once
	data, _ := wire.Marshal(wire.NewResponse(req.Rid, wire.Success, nil))
	core.ParseRequests(data, false)
	if invoked != 1 {
		t.Fatalf("handler invoked %d times, expected 1", invoked)
	}

	// A duplicate response must be ignored
	core.ParseRequests(data, false)
	if invoked != 1 {
		t.Fatalf("handler invoked %d times after duplicate response, expected 1", invoked)
	}
}

func TestFireAndForgetNotTracked(t *testing.T) {
	core, remote := newCore(t)
	go drain(remote)

	req := wire.NewRequest("event", nil)
	if err := core.SendRequest(req, nil); err != nil {
		t.Fatal(err)
	}
	if len(core.pending) != 0 {
		t.Errorf("fire-and-forget request was tracked")
	}
}

func TestScanTimeoutRequests(t *testing.T) {
	core, remote := newCore(t)
	go drain(remote)

	var got []*wire.Response
	gotNil := false

	req := wire.NewRequest("ping", nil).SetTimeout(0)
	if err := core.SendRequest(req, func(res *wire.Response) error {
		got = append(got, res)
		gotNil = res == nil
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// Zero timeout expires on the first scan
	if err := core.ScanTimeoutRequests(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !gotNil {
		t.Fatalf("expected a single nil response on timeout, got %v", got)
	}

	// A late response after expiry must not invoke the handler again
	data, _ := wire.Marshal(wire.NewResponse(req.Rid, wire.Success, nil))
	core.ParseRequests(data, false)
	if len(got) != 1 {
		t.Fatalf("handler invoked %d times, expected 1", len(got))
	}
}

func TestNegativeTimeoutNeverExpires(t *testing.T) {
	core, remote := newCore(t)
	go drain(remote)

	invoked := false
	req := wire.NewRequest("clear_to_upload", nil).SetTimeout(-1)
	if err := core.SendRequest(req, func(res *wire.Response) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	core.pending[req.Rid].sentAt = time.Now().Add(-time.Hour)
	if err := core.ScanTimeoutRequests(); err != nil {
		t.Fatal(err)
	}
	if invoked {
		t.Error("handler invoked for request with negative timeout")
	}
}

func TestClearRequestsDropsHandlers(t *testing.T) {
	core, remote := newCore(t)
	go drain(remote)

	invoked := false
	req := wire.NewRequest("ping", nil)
	if err := core.SendRequest(req, func(res *wire.Response) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	core.ClearRequests()

	data, _ := wire.Marshal(wire.NewResponse(req.Rid, wire.Success, nil))
	core.ParseRequests(data, false)
	if err := core.ScanTimeoutRequests(); err != nil {
		t.Fatal(err)
	}
	if invoked {
		t.Error("handler invoked after ClearRequests")
	}
}

func TestParseRequestsSingle(t *testing.T) {
	core, _ := newCore(t)

	buffer := []byte(`{"rid":"1","name":"terminal","params":null,"timeout":60}` + "\n" +
		"raw bytes that belong to the session")

	reqs := core.ParseRequests(buffer, true)
	if len(reqs) != 1 || reqs[0].Name != "terminal" {
		t.Fatalf("ParseRequests(single) = %v, expected one terminal request", reqs)
	}

	rest := core.TakeReadBuffer()
	if string(rest) != "raw bytes that belong to the session" {
		t.Errorf("leftover buffer = %q", rest)
	}
}

func TestParseRequestsMalformed(t *testing.T) {
	core, _ := newCore(t)

	buffer := []byte("this is not json\n" +
		`{"rid":"2","name":"shell","params":null,"timeout":60}` + "\n")

	reqs := core.ParseRequests(buffer, false)
	if len(reqs) != 1 || reqs[0].Name != "shell" {
		t.Fatalf("parser did not resynchronize after malformed record: %v", reqs)
	}
}

func drain(conn net.Conn) {
	buf := make([]byte, 1024)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
