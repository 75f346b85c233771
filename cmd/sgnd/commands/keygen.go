package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
	"github.com/JoyciAkira/sgn-core-sub001/signing"
)

// KeygenCmd generates an Ed25519 keypair.
var KeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 signing keypair",
	Long: `Generate an Ed25519 keypair and write it as PEM files.

The public key is written as an SPKI "PUBLIC KEY" block, the private key
as a PKCS#8 "PRIVATE KEY" block. The derived key id (the identifier
carried in KU signatures and trust files) is printed to stdout.

Examples:
  sgnd keygen                      # Write sgn.pub.pem / sgn.key.pem here
  sgnd keygen --out ./keys --name node-a`,
	RunE: runKeygen,
}

var (
	keygenOutFlag  string
	keygenNameFlag string
)

func init() {
	KeygenCmd.Flags().StringVar(&keygenOutFlag, "out", ".", "Directory to write the key files into")
	KeygenCmd.Flags().StringVar(&keygenNameFlag, "name", "sgn", "Base name for the key files")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	pub, priv, err := signing.GenerateKeypair()
	if err != nil {
		return err
	}

	pubPEM, err := signing.EncodePublicKeyPEM(pub)
	if err != nil {
		return err
	}
	privPEM, err := signing.EncodePrivateKeyPEM(priv)
	if err != nil {
		return err
	}
	keyID, err := signing.KeyID(pub)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(keygenOutFlag, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %s", keygenOutFlag)
	}

	pubPath := filepath.Join(keygenOutFlag, keygenNameFlag+".pub.pem")
	privPath := filepath.Join(keygenOutFlag, keygenNameFlag+".key.pem")

	if err := os.WriteFile(pubPath, []byte(pubPEM), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", pubPath)
	}
	if err := os.WriteFile(privPath, []byte(privPEM), 0o600); err != nil {
		return errors.Wrapf(err, "failed to write %s", privPath)
	}

	fmt.Printf("Public key:  %s\n", pubPath)
	fmt.Printf("Private key: %s\n", privPath)
	fmt.Printf("Key id:      %s\n", keyID)
	return nil
}
