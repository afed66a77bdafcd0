package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lendcore/crypto"
)

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 account key",
		Long: `keygen prints a fresh account address. The private key is printed too
unless --out is given, in which case it is written hex encoded to that file
with 0600 permissions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return err
			}
			addr := key.PubKey().Address()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "address: %s\nhex:     %s\n", addr, addr.Hex())
			encoded := hex.EncodeToString(key.Bytes())
			if out == "" {
				fmt.Fprintf(w, "private: %s\n", encoded)
				return nil
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			if err := os.WriteFile(out, []byte(encoded+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(w, "private: written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the private key to this file instead of stdout")
	return cmd
}
