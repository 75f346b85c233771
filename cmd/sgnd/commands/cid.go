package commands

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
	"github.com/JoyciAkira/sgn-core-sub001/ku"
	"github.com/JoyciAkira/sgn-core-sub001/signing"
)

// CidCmd computes and signs KU documents offline.
var CidCmd = &cobra.Command{
	Use:   "cid [file]",
	Short: "Compute the CID of a KU document",
	Long: `Compute the content identifier of a KU JSON document.

Reads the document from the given file, or stdin when no file is given.
Signature fields do not affect the CID, so signed and unsigned copies of
the same document print the same identifier.

With --sign, the document is signed with the given private key and the
signed JSON is printed instead of the CID.

Examples:
  sgnd cid ku.json
  cat ku.json | sgnd cid
  sgnd cid ku.json --sign sgn.key.pem > signed.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCid,
}

var cidSignFlag string

func init() {
	CidCmd.Flags().StringVar(&cidSignFlag, "sign", "", "Sign the document with this PEM private key and print the signed JSON")
}

func runCid(cmd *cobra.Command, args []string) error {
	var raw []byte
	var err error
	if len(args) == 1 {
		raw, err = os.ReadFile(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", args[0])
		}
	} else {
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return errors.Wrap(err, "failed to read stdin")
		}
	}

	if cidSignFlag != "" {
		return signDocument(raw)
	}

	c, err := ku.CID(raw)
	if err != nil {
		return err
	}
	fmt.Println(c)
	return nil
}

func signDocument(raw []byte) error {
	pemBytes, err := os.ReadFile(cidSignFlag)
	if err != nil {
		return errors.Wrapf(err, "failed to read private key %s", cidSignFlag)
	}
	priv, err := signing.DecodePrivateKeyPEM(string(pemBytes))
	if err != nil {
		return err
	}

	signed, err := signing.Sign(raw, priv, priv.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}
	fmt.Println(string(signed))
	return nil
}
