package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/soitun/effectai-engine/internal/daemon"
)

func init() {
	serveCmd.Flags().IntVar(&serveP2PPort, "port", 0, "P2P listen port (overrides config)")
	serveCmd.Flags().IntVar(&serveHTTPPort, "http-port", 0, "Admin HTTP port (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoAccessCodes, "no-access-codes", false, "Disable access-code gating for onboarding")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveP2PPort       int
	serveHTTPPort      int
	serveNoAccessCodes bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Manager node",
	Long:  `Start the Manager: WebSocket transport, control loop, and admin HTTP server.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	if serveP2PPort > 0 {
		cfg.P2P.Port = serveP2PPort
	}
	if serveHTTPPort > 0 {
		cfg.HTTP.Port = serveHTTPPort
	}
	if serveNoAccessCodes {
		cfg.Manager.RequireAccessCodes = false
	}

	d, err := daemon.NewWithConfig(cfg, rootCmd.Version)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}
