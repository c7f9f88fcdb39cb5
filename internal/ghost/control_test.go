package ghost

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestControlScanner(t *testing.T) {
	stream := []byte("hello\x01{\"command\":\"resize\",\"params\":[24,80]}\x02world")

	// The same stream must scan identically however reads are chunked
	for split := 0; split <= len(stream); split++ {
		var scanner controlScanner
		var data bytes.Buffer
		var controls [][]byte

		onData := func(b []byte) { data.Write(b) }
		onControl := func(b []byte) error {
			msg := make([]byte, len(b))
			copy(msg, b)
			controls = append(controls, msg)
			return nil
		}

		if err := scanner.Scan(stream[:split], onData, onControl); err != nil {
			t.Fatal(err)
		}
		if err := scanner.Scan(stream[split:], onData, onControl); err != nil {
			t.Fatal(err)
		}

		if data.String() != "helloworld" {
			t.Errorf("split at %d: data = %q, expected %q", split, data.String(), "helloworld")
		}
		if len(controls) != 1 {
			t.Fatalf("split at %d: got %d control messages, expected 1", split, len(controls))
		}

		var msg struct {
			Command string `json:"command"`
			Params  []int  `json:"params"`
		}
		if err := json.Unmarshal(controls[0], &msg); err != nil {
			t.Fatalf("split at %d: control message not JSON: %v", split, err)
		}
		if msg.Command != "resize" || len(msg.Params) != 2 || msg.Params[0] != 24 || msg.Params[1] != 80 {
			t.Errorf("split at %d: control = %+v, expected resize [24 80]", split, msg)
		}
	}
}

func TestControlScannerMultipleMessages(t *testing.T) {
	var scanner controlScanner
	var data bytes.Buffer
	var controls int

	stream := []byte("a\x01{\"command\":\"resize\",\"params\":[1,2]}\x02b\x01{\"command\":\"resize\",\"params\":[3,4]}\x02c")
	err := scanner.Scan(stream,
		func(b []byte) { data.Write(b) },
		func(b []byte) error { controls++; return nil })
	if err != nil {
		t.Fatal(err)
	}

	if data.String() != "abc" {
		t.Errorf("data = %q, expected %q", data.String(), "abc")
	}
	if controls != 2 {
		t.Errorf("got %d control messages, expected 2", controls)
	}
}

func TestControlScannerDataOnly(t *testing.T) {
	var scanner controlScanner
	var data bytes.Buffer

	err := scanner.Scan([]byte("plain terminal output"),
		func(b []byte) { data.Write(b) },
		func(b []byte) error { t.Fatal("unexpected control message"); return nil })
	if err != nil {
		t.Fatal(err)
	}
	if data.String() != "plain terminal output" {
		t.Errorf("data = %q", data.String())
	}
}
