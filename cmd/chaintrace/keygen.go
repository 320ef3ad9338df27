package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
)

func newKeygenCmd(g *globals) *cobra.Command {
	var (
		scheme string
		out    string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key for the file credential source",
		Example: `  chaintrace keygen --scheme secp256k1-eip191 --out submitter.key
  CHAINTRACE_CREDENTIAL_KIND=file CHAINTRACE_CREDENTIAL_PATH=submitter.key chaintrace record ...`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			keyHex, identity, err := crypto.GenerateKey(scheme)
			if err != nil {
				return err
			}
			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(out, flags, 0o600)
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("%s exists; pass --force to overwrite", out)
			}
			if err != nil {
				return err
			}
			if _, err := f.WriteString(keyHex + "\n"); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(g.stdout, "Key written to %s\n", out)
			_, _ = fmt.Fprintf(g.stdout, "Identity: %s\n", identity)
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", crypto.SchemeEd25519, "signature scheme (ed25519, secp256k1-eip191)")
	cmd.Flags().StringVarP(&out, "out", "o", "chaintrace.key", "output key file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
