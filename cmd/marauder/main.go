package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/celerix-dev/marauder/pkg/schema"
	"github.com/celerix-dev/marauder/pkg/sdk"
)

var (
	addr   string
	useTLS bool
)

var rootCmd = &cobra.Command{
	Use:   "marauder",
	Short: "marauder - command line client for marauderd",
	Long: `marauder talks to a running marauderd over its TCP line protocol.

Examples:
  marauder ping
  marauder report 1 Library "Study Hall A" --x 12.5 --y 40
  marauder ask --role teacher --actor 2 "Who is in the library?"`,
	SilenceUsage: true,
}

func init() {
	def := os.Getenv("MARAUDER_ADDR")
	if def == "" {
		def = sdk.DefaultAddr
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", def, "Daemon address (env MARAUDER_ADDR)")
	rootCmd.PersistentFlags().BoolVar(&useTLS, "tls", os.Getenv("MARAUDER_DISABLE_TLS") != "true", "Use TLS (env MARAUDER_DISABLE_TLS=true disables)")

	reportCmd.Flags().Float64("x", 0, "X coordinate")
	reportCmd.Flags().Float64("y", 0, "Y coordinate")
	askCmd.Flags().String("role", string(schema.RoleStudent), "Actor role (student, teacher, staff, admin)")
	askCmd.Flags().String("actor", "", "Actor id")
	askCmd.MarkFlagRequired("actor")

	rootCmd.AddCommand(pingCmd, reportCmd, askCmd)
}

func connect() (*sdk.Client, error) {
	return sdk.Connect(addr, sdk.WithTLS(useTLS))
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Ping(); err != nil {
			return err
		}
		fmt.Println("PONG")
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <userId> <building> [room]",
	Short: "Submit a position report",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		x, _ := cmd.Flags().GetFloat64("x")
		y, _ := cmd.Flags().GetFloat64("y")
		r := schema.LocationReport{UserID: args[0], Building: args[1], X: x, Y: y}
		if len(args) == 3 {
			r.Room = args[2]
		}

		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Report(r); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <text...>",
	Short: "Ask a free-text question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		actorID, _ := cmd.Flags().GetString("actor")
		actor := schema.Actor{ID: actorID, Role: schema.Role(strings.ToLower(role))}
		if !actor.Role.Valid() {
			return errors.Newf("unknown role %q", role)
		}

		client, err := connect()
		if err != nil {
			return err
		}
		defer client.Close()
		resp, err := client.Ask(actor, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	},
}

func printResponse(resp schema.QueryResponse) {
	fmt.Printf("[%s] %s\n", resp.Intent, resp.Message)
	for _, r := range resp.Results {
		fmt.Printf("  - %s (%s, confidence %s)\n", r.Title, r.Type, strconv.FormatFloat(r.Confidence, 'f', 2, 64))
		if r.Description != "" {
			fmt.Printf("    %s\n", r.Description)
		}
		if len(r.Metadata) > 0 {
			out, err := json.Marshal(r.Metadata)
			if err == nil {
				fmt.Printf("    %s\n", out)
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
