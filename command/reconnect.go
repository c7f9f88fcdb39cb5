package command

import (
	"github.com/modevans2100/factory/internal/ghost"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(reconnectCmd)
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Force the agent to reconnect",
	Long:  `Ask the primary agent on this host to drop its connection and re-register with the server.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client, err := ghost.DialControlServer()
		if err != nil {
			log.Fatal().Err(err).Msg("reconnect: agent not reachable")
		}

		if err := client.Call("rpc.Reconnect", &ghost.EmptyArgs{}, &ghost.EmptyReply{}); err != nil {
			log.Fatal().Err(err).Msg("reconnect")
		}
	},
}
