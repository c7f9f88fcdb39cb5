package ghost

import (
	"bytes"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/modevans2100/factory/internal/wire"

	"github.com/rs/zerolog/log"
)

// StdinClosed is the in-band marker signalling end of stdin for a shell
// session. It must appear twice in a row to take effect.
const StdinClosed = "##STDIN_CLOSED##"

// scanStdinClose looks for the doubled stdin-closed marker. It returns the
// bytes preceding the marker and whether the marker was found; the marker
// bytes themselves are never forwarded.
func scanStdinClose(buf []byte) ([]byte, bool) {
	if len(buf) < len(StdinClosed)*2 {
		return buf, false
	}
	idx := bytes.Index(buf, []byte(StdinClosed+StdinClosed))
	if idx == -1 {
		return buf, false
	}
	return buf[:idx], true
}

// SpawnShellServer executes a one-shot command via the shell and streams its
// output to the connection until the process exits or the peer disconnects.
func (g *Ghost) SpawnShellServer(res *wire.Response) error {
	log.Info().Msgf("ghost: shell server started for command: %s", g.shellCommand)

	var err error
	defer func() {
		g.quit = true
		if err != nil {
			g.Conn.Write([]byte(err.Error() + "\n"))
		}
		g.Conn.Close()
		log.Info().Msg("ghost: shell server terminated")
	}()

	cmd := exec.Command(defaultShell, "-c", g.shellCommand)
	cmd.Dir = homeDir()
	cmd.Env = commandEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	stopConn := make(chan struct{}, 1)

	if leftover := g.TakeReadBuffer(); leftover != nil {
		stdin.Write(leftover)
	}

	go io.Copy(g.Conn, stdout)
	go func() {
		io.Copy(g.Conn, stderr)
		stopConn <- struct{}{}
	}()

	if err = cmd.Start(); err != nil {
		return err
	}

	// Session end: give the process a moment to exit on its own, then
	// SIGTERM with a one second grace period before SIGKILL.
	processDone := make(chan error, 1)
	go func() { processDone <- cmd.Wait() }()

	defer func() {
		select {
		case <-processDone:
			return
		case <-time.After(100 * time.Millisecond):
		}

		cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-processDone:
		case <-time.After(time.Second):
			cmd.Process.Kill()
			<-processDone
		}
	}()

	for {
		select {
		case buf := <-g.readChan:
			data, closed := scanStdinClose(buf)
			if len(data) > 0 {
				stdin.Write(data)
			}
			if closed {
				stdin.Close()
			}
		case err := <-g.readErrChan:
			if err == io.EOF {
				log.Info().Msg("ghost: shell server connection terminated")
				return nil
			}
			log.Error().Err(err).Msg("ghost: shell server")
			return err
		case <-stopConn:
			return nil
		}
	}
}
