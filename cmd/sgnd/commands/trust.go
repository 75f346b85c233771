package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JoyciAkira/sgn-core-sub001/config"
	"github.com/JoyciAkira/sgn-core-sub001/logger"
	"github.com/JoyciAkira/sgn-core-sub001/trust"
)

// TrustCmd manages the trust policy file.
var TrustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage the signing-key trust policy",
	Long: `Manage the trust policy file controlling which signing keys may
publish in enforce mode.

The file location comes from the configuration (SGN_TRUST, default
./trust.json). Mutations write the file immediately; a running daemon
watching the same file picks them up without a restart.

Examples:
  sgnd trust add <key_id>
  sgnd trust add <key_id> --expires 2027-01-01T00:00:00Z
  sgnd trust revoke <key_id> --reason compromised
  sgnd trust check <key_id>`,
}

var trustAddCmd = &cobra.Command{
	Use:   "add <key_id>",
	Short: "Allow-list a signing key",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrustAdd,
}

var trustRevokeCmd = &cobra.Command{
	Use:   "revoke <key_id>",
	Short: "Revoke a signing key",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrustRevoke,
}

var trustCheckCmd = &cobra.Command{
	Use:   "check <key_id>",
	Short: "Evaluate the trust policy for a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrustCheck,
}

var (
	trustExpiresFlag string
	trustReasonFlag  string
)

func init() {
	trustAddCmd.Flags().StringVar(&trustExpiresFlag, "expires", "", "Expiry timestamp (RFC3339)")
	trustRevokeCmd.Flags().StringVar(&trustReasonFlag, "reason", "revoked", "Revocation reason")

	TrustCmd.AddCommand(trustAddCmd)
	TrustCmd.AddCommand(trustRevokeCmd)
	TrustCmd.AddCommand(trustCheckCmd)
}

func openTrustStore() (*trust.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return trust.NewStore(cfg.Trust, logger.Logger)
}

func runTrustAdd(cmd *cobra.Command, args []string) error {
	ts, err := openTrustStore()
	if err != nil {
		return err
	}
	if err := ts.Add(args[0], trustExpiresFlag); err != nil {
		return err
	}
	fmt.Printf("Allowed %s\n", args[0])
	return nil
}

func runTrustRevoke(cmd *cobra.Command, args []string) error {
	ts, err := openTrustStore()
	if err != nil {
		return err
	}
	if err := ts.Revoke(args[0], trustReasonFlag); err != nil {
		return err
	}
	fmt.Printf("Revoked %s (%s)\n", args[0], trustReasonFlag)
	return nil
}

func runTrustCheck(cmd *cobra.Command, args []string) error {
	ts, err := openTrustStore()
	if err != nil {
		return err
	}
	d := ts.IsTrusted(args[0])
	if d.Trusted {
		fmt.Printf("%s: trusted (mode=%s)\n", args[0], ts.Mode())
	} else {
		fmt.Printf("%s: untrusted, reason=%s (mode=%s)\n", args[0], d.Reason, ts.Mode())
	}
	return nil
}
