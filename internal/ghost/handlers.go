package ghost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/modevans2100/factory/internal/wire"

	"github.com/rs/zerolog/log"
)

// spawnChild starts an ephemeral agent in its own goroutine, connected to the
// same server. Children carry a random machine ID; they are identified by
// session ID alone.
func (g *Ghost) spawnChild(mode Mode, configure func(*Ghost)) {
	go func() {
		child, err := New([]string{g.connectedAddr}, g.tlsConfig, mode, RandomMID)
		if err != nil {
			log.Error().Err(err).Msgf("ghost: spawning %s agent", mode)
			return
		}
		configure(child)
		child.Start(false, false)
	}()
}

func (g *Ghost) handleTerminalRequest(req *wire.Request) error {
	var params struct {
		Sid       string `json:"sid"`
		TTYDevice string `json:"tty_device"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return err
	}

	log.Info().Msgf("ghost: terminal agent %s spawned", params.Sid)
	g.spawnChild(ModeTerminal, func(child *Ghost) {
		child.SetSid(params.Sid).SetTTYDevice(params.TTYDevice)
	})

	return g.SendResponse(wire.NewResponse(req.Rid, wire.Success, nil))
}

func (g *Ghost) handleShellRequest(req *wire.Request) error {
	var params struct {
		Sid     string `json:"sid"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return err
	}

	log.Info().Msgf("ghost: shell agent %s spawned for command: %s", params.Sid, params.Command)
	g.spawnChild(ModeShell, func(child *Ghost) {
		child.SetSid(params.Sid).SetCommand(params.Command)
	})

	return g.SendResponse(wire.NewResponse(req.Rid, wire.Success, nil))
}

func (g *Ghost) handleFileDownloadRequest(req *wire.Request) error {
	var params struct {
		Sid      string `json:"sid"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return err
	}

	filename := params.Filename
	if !filepath.IsAbs(filename) {
		filename = filepath.Join(homeDir(), filename)
	}

	// Report open errors before committing to spawn a transfer agent
	f, err := os.Open(filename)
	if err != nil {
		return g.SendResponse(wire.NewResponse(req.Rid, err.Error(), nil))
	}
	f.Close()

	log.Info().Msgf("ghost: file agent %s spawned for download", params.Sid)
	g.spawnChild(ModeFile, func(child *Ghost) {
		child.SetSid(params.Sid).SetFileOp("download", filename, 0)
	})

	return g.SendResponse(wire.NewResponse(req.Rid, wire.Success, nil))
}

func (g *Ghost) handleFileUploadRequest(req *wire.Request) error {
	var params struct {
		Sid         string `json:"sid"`
		TerminalSid string `json:"terminal_sid"`
		Filename    string `json:"filename"`
		Dest        string `json:"dest"`
		Perm        int    `json:"perm"`
		CheckOnly   bool   `json:"check_only"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return err
	}

	// Relative uploads land in the working directory of the associated
	// terminal session when one is registered.
	workdir := ""
	if params.Dest == "" && params.TerminalSid != "" {
		if pid, ok := g.registry.PidForSid(params.TerminalSid); ok {
			if cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid)); err == nil {
				workdir = cwd
			}
		}
	}
	destPath := resolveUploadDest(params.Dest, params.Filename, workdir)

	os.MkdirAll(filepath.Dir(destPath), 0755)
	if f, err := os.Create(destPath); err != nil {
		return g.SendResponse(wire.NewResponse(req.Rid, err.Error(), nil))
	} else {
		f.Close()
	}

	if !params.CheckOnly {
		log.Info().Msgf("ghost: file agent %s spawned for upload", params.Sid)
		g.spawnChild(ModeFile, func(child *Ghost) {
			child.SetSid(params.Sid).SetFileOp("upload", destPath, params.Perm)
		})
	}

	return g.SendResponse(wire.NewResponse(req.Rid, wire.Success, nil))
}

func (g *Ghost) handleForwardRequest(req *wire.Request) error {
	var params struct {
		Sid  string `json:"sid"`
		Port int    `json:"port"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return err
	}

	log.Info().Msgf("ghost: forward agent %s spawned for port %d", params.Sid, params.Port)
	g.spawnChild(ModeForward, func(child *Ghost) {
		child.SetSid(params.Sid).SetPort(params.Port)
	})

	return g.SendResponse(wire.NewResponse(req.Rid, wire.Success, nil))
}

func (g *Ghost) handleRequest(req *wire.Request) error {
	switch req.Name {
	case "upgrade":
		return g.Upgrade()
	case "terminal":
		return g.handleTerminalRequest(req)
	case "shell":
		return g.handleShellRequest(req)
	case "file_download":
		return g.handleFileDownloadRequest(req)
	case "clear_to_download":
		return g.StartDownloadServer()
	case "file_upload":
		return g.handleFileUploadRequest(req)
	case "forward":
		return g.handleForwardRequest(req)
	default:
		return fmt.Errorf("received unknown command %q, ignoring", req.Name)
	}
}

func (g *Ghost) processRequests(reqs []*wire.Request) error {
	for _, req := range reqs {
		if err := g.handleRequest(req); err != nil {
			return err
		}
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "/tmp"
	}
	return home
}

// commandEnv returns a copy of the process environment with the agent
// executable's directory prepended to PATH, so in-shell helpers (download,
// reconnect) work without setup. The process environment is left untouched.
func commandEnv() []string {
	env := os.Environ()
	exePath, err := os.Executable()
	if err != nil {
		return env
	}

	dir := filepath.Dir(exePath)
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + dir + ":" + kv[len("PATH="):]
			return env
		}
	}
	return append(env, "PATH="+dir)
}
