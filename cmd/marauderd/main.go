package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/celerix-dev/marauder/internal/config"
)

var (
	v          *viper.Viper
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "marauderd",
	Short: "marauderd - campus location intelligence daemon",
	Long: `marauderd ingests campus position reports and answers occupancy, movement
and alert questions under a privacy gate.

Settings come from defaults, an optional config file and MARAUDER_*
environment variables, in increasing precedence; flags override all.

Examples:
  marauderd serve                          # Serve with defaults
  marauderd serve --config marauder.yaml   # Serve with a config file
  MARAUDER_STORE_CAPACITY=5000 marauderd serve`,
	SilenceUsage: true,
}

func init() {
	v = config.New()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (yaml, json or toml)")

	serveCmd.Flags().Int("tcp-port", 0, "TCP line protocol port")
	serveCmd.Flags().Int("http-port", 0, "HTTP API port")
	serveCmd.Flags().String("campus", "", "Campus description file")
	serveCmd.Flags().Bool("tls", true, "Serve the TCP protocol over TLS with a self-signed certificate")
	mustBind("tcp_port", "tcp-port")
	mustBind("http_port", "http-port")
	mustBind("campus_file", "campus")
	mustBind("tcp_tls", "tls")

	rootCmd.AddCommand(serveCmd)
}

func mustBind(key, flag string) {
	if err := v.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
