package command

import (
	"os"
	"path/filepath"

	"github.com/modevans2100/factory/internal/ghost"
	"github.com/modevans2100/factory/internal/util"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(downloadCmd)
}

// Run from inside a remote terminal session, this asks the primary agent on
// the same host to push the file to the operator's browser.
var downloadCmd = &cobra.Command{
	Use:   "download <file>",
	Short: "Download a file through the current terminal session",
	Long:  `Queue a file download with the primary agent running on this host. Must be run from within a remote terminal session.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := ghost.DialControlServer()
		if err != nil {
			log.Fatal().Err(err).Msg("download: agent not reachable")
		}

		absPath, err := filepath.Abs(args[0])
		if err != nil {
			log.Fatal().Err(err).Msg("download")
		}

		f, err := os.Open(absPath)
		if err != nil {
			log.Fatal().Err(err).Msg("download")
		}
		f.Close()

		ttyName, err := util.TTYName(os.Stdout)
		if err != nil {
			log.Fatal().Err(err).Msg("download: cannot determine terminal")
		}

		if err := client.Call("rpc.AddToDownloadQueue",
			[]string{ttyName, absPath}, &ghost.EmptyReply{}); err != nil {
			log.Fatal().Err(err).Msg("download")
		}
	},
}
