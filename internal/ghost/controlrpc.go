package ghost

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strconv"

	"github.com/rs/zerolog/log"
)

type EmptyArgs struct{}
type EmptyReply struct{}

// ControlRPC exposes the primary agent to other processes on the same host.
// Child agents register their tty/session associations through it and the
// download CLI enqueues transfers.
type ControlRPC struct {
	ghost *Ghost
}

// RegisterTTY records a {sessionId, ttyName} association.
func (c *ControlRPC) RegisterTTY(args []string, reply *EmptyReply) error {
	if len(args) != 2 {
		return errors.New("RegisterTTY expects [sid, ttyName]")
	}
	c.ghost.registry.RegisterTTY(args[0], args[1])
	return nil
}

// RegisterSession records a {sessionId, pid} association.
func (c *ControlRPC) RegisterSession(args []string, reply *EmptyReply) error {
	if len(args) != 2 {
		return errors.New("RegisterSession expects [sid, pid]")
	}
	pid, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("RegisterSession: invalid pid %q: %w", args[1], err)
	}
	c.ghost.registry.RegisterSession(args[0], pid)
	return nil
}

// AddToDownloadQueue enqueues a download to be picked up by the agent's
// event loop.
func (c *ControlRPC) AddToDownloadQueue(args []string, reply *EmptyReply) error {
	if len(args) != 2 {
		return errors.New("AddToDownloadQueue expects [ttyName, filename]")
	}
	c.ghost.downloadQueue <- DownloadInfo{TTYName: args[0], Filename: args[1]}
	return nil
}

// Reconnect forces the agent to drop its connection and re-register.
func (c *ControlRPC) Reconnect(args *EmptyArgs, reply *EmptyReply) error {
	c.ghost.reset.Store(true)
	return nil
}

// controlHandler serves JSON-RPC over a hijacked HTTP connection, so the
// endpoint can be probed with a plain HTTP request.
type controlHandler struct {
	server *rpc.Server
}

func (h *controlHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		log.Error().Err(err).Msgf("ghost: rpc hijacking %s", req.RemoteAddr)
		return
	}
	io.WriteString(conn, "HTTP/1.1 200\n")
	io.WriteString(conn, "Content-Type: application/json-rpc\n\n")
	h.server.ServeCodec(jsonrpc.NewServerCodec(conn))
}

// StartControlServer runs the loopback control RPC endpoint. Only the
// primary agent starts one.
func (g *Ghost) StartControlServer() {
	addr := fmt.Sprintf("127.0.0.1:%d", ControlRPCPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Msgf("ghost: unable to listen at %s", addr)
	}

	log.Info().Msg("ghost: control RPC server started")
	g.serveControl(ln)
}

func (g *Ghost) serveControl(ln net.Listener) {
	server := rpc.NewServer()
	server.RegisterName("rpc", &ControlRPC{ghost: g})

	mux := http.NewServeMux()
	mux.Handle("/", &controlHandler{server: server})

	http.Serve(ln, mux)
}

// DialControlServer connects to the primary agent's control RPC endpoint.
func DialControlServer() (*rpc.Client, error) {
	return dialControl(fmt.Sprintf("127.0.0.1:%d", ControlRPCPort))
}

func dialControl(addr string) (*rpc.Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("control server handshake: %s", resp.Status)
	}
	return jsonrpc.NewClient(conn), nil
}
