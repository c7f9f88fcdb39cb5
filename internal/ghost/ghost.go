package ghost

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modevans2100/factory/internal/config"
	"github.com/modevans2100/factory/internal/rpccore"
	"github.com/modevans2100/factory/internal/util"
	"github.com/modevans2100/factory/internal/wire"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Mode of an agent, fixed at construction for the life of the process.
type Mode int

const (
	ModeAgent Mode = iota
	ModeShell
	ModeTerminal
	ModeFile
	ModeForward
)

func (m Mode) String() string {
	switch m {
	case ModeAgent:
		return "Agent"
	case ModeShell:
		return "Shell"
	case ModeTerminal:
		return "Terminal"
	case ModeFile:
		return "File"
	case ModeForward:
		return "Forward"
	}
	return "Unknown"
}

const (
	OverlordPort     = 4455 // Server control channel port
	OverlordHTTPPort = 9000 // Server HTTP port, used for upgrades
	DiscoveryPort    = 4456 // LAN discovery broadcast port
	ControlRPCPort   = 4499 // Loopback control RPC port

	// RandomMID asks the constructor for a throwaway machine ID. Ephemeral
	// child agents are identified by session ID only.
	RandomMID = "##random_mid##"

	defaultShell = "/bin/bash"

	pingInterval        = 10 * time.Second
	pingTimeout         = 10
	retryInterval       = 2 * time.Second
	connectTimeout      = 3 * time.Second
	timeoutScanInterval = 2 * time.Second
)

// Status of the connection to the server.
const (
	StatusDisconnected = "disconnected"
)

// DownloadInfo is one entry of the primary agent's download queue. The
// download CLI always runs inside a spawned terminal, so ttyName has the
// form /dev/pts/N.
type DownloadInfo struct {
	TTYName  string
	Filename string
}

// FileOperation drives which half of the transfer protocol a FILE mode agent
// executes.
type FileOperation struct {
	Action   string
	Filename string
	Perm     int
}

type fileUploadContext struct {
	Ready bool
	Data  chan []byte
}

// sessionRegistry holds the tty/session associations of the primary agent.
// Child agents populate it through the control RPC server.
type sessionRegistry struct {
	mu       sync.Mutex
	ttyToSid map[string]string
	sidToPid map[string]int
}

func (r *sessionRegistry) RegisterTTY(sid, ttyName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ttyToSid[ttyName] = sid
}

func (r *sessionRegistry) RegisterSession(sid string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sidToPid[sid] = pid
}

func (r *sessionRegistry) SidForTTY(ttyName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttyToSid[ttyName]
}

func (r *sessionRegistry) PidForSid(sid string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.sidToPid[sid]
	return pid, ok
}

// Ghost is one agent instance: the long-lived primary agent, or an ephemeral
// child servicing a single session in a specialized mode.
type Ghost struct {
	*rpccore.RPCCore

	addrsMu       sync.Mutex
	addrs         []string // Candidate server addresses, append only
	connectedAddr string

	tlsConfig *config.TLSConfig
	mode      Mode
	mid       string
	sid       string

	terminalSid string // Associated terminal session for downloads
	registry    sessionRegistry

	propFile   string
	properties map[string]interface{}

	registerStatus string
	reset          atomic.Bool
	quit           bool
	pauseLanDisc   atomic.Bool

	readChan    chan []byte
	readErrChan chan error

	ttyDevice     string
	shellCommand  string
	fileOperation FileOperation
	downloadQueue chan DownloadInfo
	upload        fileUploadContext
	port          int
}

// New constructs an agent. mid selects the machine identity: RandomMID for a
// throwaway ID, empty to derive one from the host, anything else verbatim.
func New(addrs []string, tlsConfig *config.TLSConfig, mode Mode, mid string) (*Ghost, error) {
	var finalMid string
	switch {
	case mid == RandomMID:
		finalMid = uuid.New().String()
	case mid != "":
		finalMid = mid
	default:
		var err error
		finalMid, err = util.MachineID()
		if err != nil {
			return nil, fmt.Errorf("unable to get machine ID: %w", err)
		}
	}

	return &Ghost{
		addrs:     addrs,
		tlsConfig: tlsConfig,
		mode:      mode,
		mid:       finalMid,
		sid:       uuid.New().String(),
		registry: sessionRegistry{
			ttyToSid: make(map[string]string),
			sidToPid: make(map[string]int),
		},
		properties:     make(map[string]interface{}),
		registerStatus: StatusDisconnected,
		downloadQueue:  make(chan DownloadInfo),
		upload:         fileUploadContext{Data: make(chan []byte)},
	}, nil
}

func (g *Ghost) SetSid(sid string) *Ghost {
	g.sid = sid
	return g
}

func (g *Ghost) SetTerminalSid(sid string) *Ghost {
	g.terminalSid = sid
	return g
}

func (g *Ghost) SetPropertiesFile(propFile string) *Ghost {
	g.propFile = propFile
	return g
}

func (g *Ghost) SetTTYDevice(ttyDevice string) *Ghost {
	g.ttyDevice = ttyDevice
	return g
}

func (g *Ghost) SetCommand(command string) *Ghost {
	g.shellCommand = command
	return g
}

func (g *Ghost) SetFileOp(action, filename string, perm int) *Ghost {
	g.fileOperation = FileOperation{Action: action, Filename: filename, Perm: perm}
	return g
}

func (g *Ghost) SetPort(port int) *Ghost {
	g.port = port
	return g
}

// addAddress appends a candidate server address if it is not already known.
// The candidate list only ever grows.
func (g *Ghost) addAddress(addr string) bool {
	g.addrsMu.Lock()
	defer g.addrsMu.Unlock()
	for _, known := range g.addrs {
		if known == addr {
			return false
		}
	}
	g.addrs = append(g.addrs, addr)
	return true
}

func (g *Ghost) candidateAddrs() []string {
	g.addrsMu.Lock()
	defer g.addrsMu.Unlock()
	addrs := make([]string, len(g.addrs))
	copy(addrs, g.addrs)
	return addrs
}

// loadProperties re-reads the client properties file. Properties are sent
// with every registration, so edits take effect on the next reconnect.
func (g *Ghost) loadProperties() {
	if g.propFile == "" {
		return
	}

	data, err := os.ReadFile(g.propFile)
	if err != nil {
		log.Error().Err(err).Msg("ghost: loading properties")
		return
	}
	if err := json.Unmarshal(data, &g.properties); err != nil {
		log.Error().Err(err).Msgf("ghost: parsing properties file %s", g.propFile)
	}
}

// resetState clears all connection-scoped state for a fresh attempt. The
// primary agent gets a new session ID per attempt; child agents keep the
// session ID the server assigned them.
func (g *Ghost) resetState() {
	if g.RPCCore != nil {
		g.ClearRequests()
	}
	g.reset.Store(false)
	g.loadProperties()
	g.registerStatus = StatusDisconnected
	if g.mode == ModeAgent {
		g.sid = uuid.New().String()
	}
}

// scanGateway adds the default route gateways to the candidate list. On a
// factory network the server usually doubles as the gateway.
func (g *Ghost) scanGateway() {
	gateways, err := util.GatewayIPs()
	if err != nil {
		return
	}
	for _, gw := range gateways {
		g.addAddress(fmt.Sprintf("%s:%d", gw, OverlordPort))
	}
}

// Register walks the candidate address list and performs the registration
// handshake on the first address that accepts a TCP connection. On success
// the mode handler is installed as the response handler for the register
// request.
func (g *Ghost) Register() error {
	for _, addr := range g.candidateAddrs() {
		log.Info().Msgf("ghost: trying %s ...", addr)
		g.resetState()

		conn, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err != nil {
			continue
		}

		log.Info().Msg("ghost: connection established, registering...")
		if g.tlsConfig.Enabled() {
			tlsCfg, err := g.tlsConfig.Build()
			if err != nil {
				conn.Close()
				return err
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			tlsCfg.ServerName = host
			conn = tls.Client(conn, tlsCfg)
		}

		g.RPCCore = rpccore.New(conn)
		req := wire.NewRequest("register", map[string]interface{}{
			"mid":        g.mid,
			"sid":        g.sid,
			"mode":       int(g.mode),
			"properties": g.properties,
		})

		registered := func(res *wire.Response) error {
			if res == nil {
				g.reset.Store(true)
				return errors.New("register request timeout")
			}
			if res.Response != wire.Success {
				log.Error().Msgf("ghost: register: %s", res.Response)
			} else {
				log.Info().Msgf("ghost: registered with server at %s", addr)
				g.connectedAddr = addr
				if err := g.Upgrade(); err != nil {
					log.Error().Err(err).Msg("ghost: upgrade")
				}
				g.pauseLanDisc.Store(true)
			}
			g.registerStatus = res.Response
			return nil
		}

		var handler rpccore.ResponseHandler
		switch g.mode {
		case ModeAgent:
			handler = registered
		case ModeTerminal:
			handler = g.SpawnTTYServer
		case ModeShell:
			handler = g.SpawnShellServer
		case ModeFile:
			handler = g.InitiateFileOperation
		case ModeForward:
			handler = g.SpawnPortForwardServer
		}
		return g.SendRequest(req, handler)
	}

	return errors.New("cannot connect to any server")
}

// pingHandler interprets the keepalive result. A nil response means the ping
// timed out and the connection is presumed dead.
func (g *Ghost) pingHandler(res *wire.Response) error {
	if res == nil {
		g.reset.Store(true)
		return errors.New("ping timeout")
	}
	return nil
}

// Ping sends a keepalive. A timeout forces a full reconnect cycle.
func (g *Ghost) Ping() error {
	return g.SendRequest(wire.NewRequest("ping", nil).SetTimeout(pingTimeout), g.pingHandler)
}

// initiateDownload spawns a FILE mode child agent for one download queue
// entry. The entry's tty resolves to the terminal session whose working
// directory provides the download context server side.
func (g *Ghost) initiateDownload(info DownloadInfo) {
	sid := g.registry.SidForTTY(info.TTYName)
	go func() {
		child, err := New([]string{g.connectedAddr}, g.tlsConfig, ModeFile, RandomMID)
		if err != nil {
			log.Error().Err(err).Msg("ghost: spawning download agent")
			return
		}
		child.SetTerminalSid(sid).SetFileOp("download", info.Filename, 0)
		child.Start(false, false)
	}()
}

// Listen runs the event loop of a live connection: inbound protocol traffic,
// periodic pings, timeout scans and queued downloads. It returns when the
// connection is lost or a reconnect is requested; a nil error with g.quit set
// means the agent is done.
func (g *Ghost) Listen() error {
	readChan, readErrChan := g.SpawnReaderRoutine()
	g.readChan = readChan
	g.readErrChan = readErrChan

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	scanTicker := time.NewTicker(timeoutScanInterval)
	defer scanTicker.Stop()

	defer func() {
		g.Conn.Close()
		g.pauseLanDisc.Store(false)
	}()

	for {
		select {
		case buffer := <-readChan:
			if g.upload.Ready {
				if leftover := g.TakeReadBuffer(); leftover != nil {
					g.upload.Data <- leftover
				}
				g.upload.Data <- buffer
				continue
			}

			reqs := g.ParseRequests(buffer, g.registerStatus != wire.Success)
			if g.quit {
				return nil
			}
			if err := g.processRequests(reqs); err != nil {
				log.Error().Err(err).Msg("ghost: processing requests")
			}

		case err := <-readErrChan:
			if err == io.EOF {
				if g.upload.Ready {
					g.upload.Data <- nil
					g.quit = true
					return nil
				}
				return errors.New("connection dropped")
			}
			return err

		case info := <-g.downloadQueue:
			g.initiateDownload(info)

		case <-pingTicker.C:
			if g.mode == ModeAgent {
				g.Ping()
			}

		case <-scanTicker.C:
			err := g.ScanTimeoutRequests()
			if g.reset.Load() {
				if err == nil {
					err = errors.New("reconnect requested")
				}
				return err
			}
		}
	}
}

// Start registers with the server and services the connection until quit.
// The primary agent retries forever on a fixed interval; child agents exit
// once their session ends.
func (g *Ghost) Start(lanDisc, rpcServer bool) {
	log.Info().Msgf("%s agent started", g.mode)
	log.Info().Msgf("MID: %s", g.mid)
	log.Info().Msgf("SID: %s", g.sid)

	if lanDisc {
		go g.StartLanDiscovery()
	}
	if rpcServer {
		go g.StartControlServer()
	}

	for {
		g.scanGateway()
		err := g.Register()
		if err == nil {
			err = g.Listen()
		}
		if g.quit {
			return
		}
		log.Info().Msgf("ghost: %s, retrying in %s", err, retryInterval)
		time.Sleep(retryInterval)
		g.resetState()
	}
}

// connectedHost returns the host part of the currently connected address.
func (g *Ghost) connectedHost() string {
	host, _, err := net.SplitHostPort(g.connectedAddr)
	if err != nil {
		return strings.Split(g.connectedAddr, ":")[0]
	}
	return host
}
