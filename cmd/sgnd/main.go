package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JoyciAkira/sgn-core-sub001/cmd/sgnd/commands"
	"github.com/JoyciAkira/sgn-core-sub001/logger"
)

var rootCmd = &cobra.Command{
	Use:   "sgnd",
	Short: "sgnd - signed knowledge gossip daemon",
	Long: `sgnd - a peer-to-peer gossip daemon for Knowledge Units.

Knowledge Units are signed, content-addressed JSON documents. sgnd
ingests them over HTTP, stores them durably, and fans them out to
WebSocket subscribers with at-least-once delivery.

Available commands:
  serve   - Run the daemon
  keygen  - Generate an Ed25519 keypair
  cid     - Compute the CID of a KU document
  trust   - Manage the trust policy file
  db      - Inspect the KU database
  version - Show build information

Examples:
  sgnd serve                       # Start the daemon on port 8787
  sgnd keygen --out ./keys         # Write a fresh keypair
  sgnd cid ku.json                 # Print the document's CID
  sgnd trust add <key_id>          # Allow-list a signing key
  sgnd db stats                    # Show KU and outbox counts`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.KeygenCmd)
	rootCmd.AddCommand(commands.CidCmd)
	rootCmd.AddCommand(commands.TrustCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
