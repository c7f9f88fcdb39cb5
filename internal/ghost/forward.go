package ghost

import (
	"fmt"
	"io"
	"net"

	"github.com/modevans2100/factory/internal/wire"

	"github.com/rs/zerolog/log"
)

// SpawnPortForwardServer forwards bytes between the agent's connection and a
// local TCP service until either side closes.
func (g *Ghost) SpawnPortForwardServer(res *wire.Response) error {
	log.Info().Msgf("ghost: port forward server started for port %d", g.port)

	var err error
	defer func() {
		g.quit = true
		if err != nil {
			g.Conn.Write([]byte(err.Error() + "\n"))
		}
		g.Conn.Close()
		log.Info().Msg("ghost: port forward server terminated")
	}()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", g.port), connectTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	stopConn := make(chan struct{}, 1)

	if leftover := g.TakeReadBuffer(); leftover != nil {
		conn.Write(leftover)
	}

	go func() {
		io.Copy(g.Conn, conn)
		stopConn <- struct{}{}
	}()

	for {
		select {
		case buf := <-g.readChan:
			conn.Write(buf)
		case err := <-g.readErrChan:
			if err == io.EOF {
				log.Info().Msg("ghost: port forward connection terminated")
				return nil
			}
			return err
		case <-stopConn:
			return nil
		}
	}
}
