package ghost

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/modevans2100/factory/internal/util"
	"github.com/modevans2100/factory/internal/wire"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// handleTTYControl applies one in-band control message to the tty. Only the
// resize command is defined; its params are [rows, cols].
func handleTTYControl(tty *os.File, control []byte) error {
	var msg struct {
		Command string          `json:"command"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(control, &msg); err != nil {
		log.Warn().Msg("ghost: malformed terminal control message, ignored")
		return nil
	}

	if msg.Command != "resize" {
		return fmt.Errorf("invalid control command %q", msg.Command)
	}

	var size []int
	if err := json.Unmarshal(msg.Params, &size); err != nil || len(size) != 2 {
		log.Warn().Msg("ghost: malformed resize params, ignored")
		return nil
	}

	return pty.Setsize(tty, &pty.Winsize{
		Rows: uint16(size[0]),
		Cols: uint16(size[1]),
	})
}

// openDeviceTTY opens a physical serial or tty device in raw mode at a fixed
// 115200 baud.
func openDeviceTTY(device string) (*os.File, error) {
	tty, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	termios, err := unix.IoctlGetTermios(int(tty.Fd()), unix.TCGETS)
	if err != nil {
		tty.Close()
		return nil, fmt.Errorf("tcgetattr %s: %w", device, err)
	}

	// Raw mode, local line, fixed baud rate
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL
	termios.Iflag &^= unix.IXON | unix.IXOFF
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	termios.Cflag |= unix.CS8 | unix.CLOCAL | unix.B115200
	termios.Ispeed = unix.B115200
	termios.Ospeed = unix.B115200

	if err := unix.IoctlSetTermios(int(tty.Fd()), unix.TCSETS, termios); err != nil {
		tty.Close()
		return nil, fmt.Errorf("tcsetattr %s: %w", device, err)
	}
	return tty, nil
}

// SpawnTTYServer services a TERMINAL session: an interactive shell on a
// fresh pty, or a raw physical tty device when one was requested. It owns
// the connection until the peer disconnects.
func (g *Ghost) SpawnTTYServer(res *wire.Response) error {
	log.Info().Msg("ghost: tty server started")

	var tty *os.File
	stopConn := make(chan struct{}, 1)

	defer func() {
		g.quit = true
		if tty != nil {
			tty.Close()
		}
		g.Conn.Close()
		log.Info().Msg("ghost: tty server terminated")
	}()

	if g.ttyDevice == "" {
		shell := util.CheckShells(os.Getenv("SHELL"))
		if shell == "" {
			shell = defaultShell
		}

		ptmx, tts, err := pty.Open()
		if err != nil {
			return fmt.Errorf("open pty: %w", err)
		}
		tty = ptmx

		cmd := exec.Command(shell)
		cmd.Dir = homeDir()
		cmd.Env = commandEnv()
		cmd.Stdin = tts
		cmd.Stdout = tts
		cmd.Stderr = tts
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

		if err := cmd.Start(); err != nil {
			tts.Close()
			return fmt.Errorf("cannot start %q: %w", shell, err)
		}
		tts.Close()

		defer cmd.Process.Kill()

		// Register this session with the primary agent so uploads can
		// resolve the shell's working directory. The primary may run
		// without a control server; that is not an error.
		if client, err := DialControlServer(); err == nil {
			regErr := client.Call("rpc.RegisterTTY", []string{g.sid, tts.Name()}, &EmptyReply{})
			if regErr == nil {
				regErr = client.Call("rpc.RegisterSession",
					[]string{g.sid, strconv.Itoa(cmd.Process.Pid)}, &EmptyReply{})
			}
			client.Close()
			if regErr != nil {
				return regErr
			}
		}

		go func() {
			io.Copy(g.Conn, tty)
			cmd.Wait()
			stopConn <- struct{}{}
		}()
	} else {
		var err error
		tty, err = openDeviceTTY(g.ttyDevice)
		if err != nil {
			return err
		}

		go func() {
			io.Copy(g.Conn, tty)
			stopConn <- struct{}{}
		}()
	}

	var scanner controlScanner
	processBuffer := func(buffer []byte) error {
		return scanner.Scan(buffer,
			func(data []byte) { tty.Write(data) },
			func(control []byte) error { return handleTTYControl(tty, control) })
	}

	if leftover := g.TakeReadBuffer(); leftover != nil {
		if err := processBuffer(leftover); err != nil {
			log.Error().Err(err).Msg("ghost: tty server")
		}
	}

	for {
		select {
		case buffer := <-g.readChan:
			if err := processBuffer(buffer); err != nil {
				log.Error().Err(err).Msg("ghost: tty server")
			}
		case err := <-g.readErrChan:
			if err == io.EOF {
				log.Info().Msg("ghost: tty server connection terminated")
				return nil
			}
			return err
		case <-stopConn:
			return nil
		}
	}
}
