package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/maestro/pkg/envelope"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA keypair for envelope signing",
	Long: `Generate an RSA keypair for the envelope signer. The private key
is written as PKCS#1 PEM with 0600 permissions; the public key as PKIX PEM.
Point the orchestrator at the private key and hand the public key to
workers that verify envelopes themselves.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		privatePath, _ := cmd.Flags().GetString("private")
		publicPath, _ := cmd.Flags().GetString("public")
		bits, _ := cmd.Flags().GetInt("bits")
		force, _ := cmd.Flags().GetBool("force")

		if !force {
			for _, path := range []string{privatePath, publicPath} {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
		}

		if err := envelope.WriteKeyPair(privatePath, publicPath, bits); err != nil {
			return err
		}

		fmt.Printf("✓ Private key written to %s\n", privatePath)
		fmt.Printf("✓ Public key written to %s\n", publicPath)
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("private", "envelope.pem", "Output path for the private key")
	keygenCmd.Flags().String("public", "envelope.pub.pem", "Output path for the public key")
	keygenCmd.Flags().Int("bits", 2048, "RSA key size in bits")
	keygenCmd.Flags().Bool("force", false, "Overwrite existing key files")
}
