package command

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/modevans2100/factory/internal/config"
	"github.com/modevans2100/factory/internal/ghost"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	agentCmd.Flags().StringP("server", "s", "", "Comma separated list of server addresses to try, host or host:port.\nOverrides the "+config.CONFIG_ENV_PREFIX+"_AGENT_SERVER environment variable if set.")
	agentCmd.Flags().StringP("mid", "", "", "Override the machine ID (default is derived from host hardware).\nOverrides the "+config.CONFIG_ENV_PREFIX+"_AGENT_MID environment variable if set.")
	agentCmd.Flags().StringP("properties-file", "", "", "JSON file of client properties sent with registration.\nOverrides the "+config.CONFIG_ENV_PREFIX+"_AGENT_PROPERTIES_FILE environment variable if set.")
	agentCmd.Flags().BoolP("no-lan-discovery", "", false, "Disable LAN discovery of server addresses.")
	agentCmd.Flags().BoolP("no-control-rpc", "", false, "Disable the loopback control RPC server.")
	agentCmd.Flags().StringP("tls-cert", "", "", "CA certificate file in PEM format; enables and enforces TLS.\nOverrides the "+config.CONFIG_ENV_PREFIX+"_AGENT_TLS_CERT environment variable if set.")
	agentCmd.Flags().BoolP("tls-no-verify", "", false, "Enable TLS but skip certificate verification (insecure, debugging only).")

	RootCmd.AddCommand(agentCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the ghost agent",
	Long:  `Start the ghost agent, register with the fleet server and stay connected.`,
	Args:  cobra.NoArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		viper.BindPFlag("agent.server", cmd.Flags().Lookup("server"))
		viper.BindEnv("agent.server", config.CONFIG_ENV_PREFIX+"_AGENT_SERVER")

		viper.BindPFlag("agent.mid", cmd.Flags().Lookup("mid"))
		viper.BindEnv("agent.mid", config.CONFIG_ENV_PREFIX+"_AGENT_MID")

		viper.BindPFlag("agent.properties_file", cmd.Flags().Lookup("properties-file"))
		viper.BindEnv("agent.properties_file", config.CONFIG_ENV_PREFIX+"_AGENT_PROPERTIES_FILE")

		viper.BindPFlag("agent.no_lan_discovery", cmd.Flags().Lookup("no-lan-discovery"))
		viper.BindPFlag("agent.no_control_rpc", cmd.Flags().Lookup("no-control-rpc"))

		viper.BindPFlag("agent.tls.cert_file", cmd.Flags().Lookup("tls-cert"))
		viper.BindEnv("agent.tls.cert_file", config.CONFIG_ENV_PREFIX+"_AGENT_TLS_CERT")
		viper.BindPFlag("agent.tls.skip_verify", cmd.Flags().Lookup("tls-no-verify"))
	},
	Run: func(cmd *cobra.Command, args []string) {
		cfg := &config.AgentConfig{
			Servers:        viper.GetString("agent.server"),
			MachineID:      viper.GetString("agent.mid"),
			PropertiesFile: viper.GetString("agent.properties_file"),
			LANDiscovery:   !viper.GetBool("agent.no_lan_discovery"),
			ControlRPC:     !viper.GetBool("agent.no_control_rpc"),
			TLS: config.TLSConfig{
				CertFile:   viper.GetString("agent.tls.cert_file"),
				SkipVerify: viper.GetBool("agent.tls.skip_verify"),
			},
		}

		// Addresses without a port get the default server port; the local
		// host is always the last candidate.
		var addrs []string
		for _, addr := range strings.Split(cfg.Servers, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			if !strings.Contains(addr, ":") {
				addr = fmt.Sprintf("%s:%d", addr, ghost.OverlordPort)
			}
			addrs = append(addrs, addr)
		}
		addrs = append(addrs, fmt.Sprintf("127.0.0.1:%d", ghost.OverlordPort))

		propFile := cfg.PropertiesFile
		if propFile != "" {
			var err error
			propFile, err = filepath.Abs(propFile)
			if err != nil {
				log.Fatal().Err(err).Msg("agent: resolving properties file")
			}
		}

		g, err := ghost.New(addrs, &cfg.TLS, ghost.ModeAgent, cfg.MachineID)
		if err != nil {
			log.Fatal().Err(err).Msg("agent: startup")
		}
		g.SetPropertiesFile(propFile)

		go g.Start(cfg.LANDiscovery, cfg.ControlRPC)

		// Periodic liveness heartbeat for field debugging
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			log.Debug().Msgf("agent: goroutines: %d", runtime.NumGoroutine())
		}
	},
}
