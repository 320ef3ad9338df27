package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

func newHashCmd(g *globals) *cobra.Command {
	var (
		df  dataFlags
		alg string
	)
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the payload hash a record of this data would carry",
		Long: `Hash computes the digest of the canonical {"metadata","payload"} document
without touching the ledger. Use it to look records up by payload hash.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if alg == "" {
				cfg, _, err := loadConfig(g)
				if err != nil {
					return err
				}
				alg = cfg.Digest.Algorithm
			}
			algorithm, err := digest.ParseAlgorithm(alg)
			if err != nil {
				return err
			}
			engine, err := digest.NewEngine(algorithm)
			if err != nil {
				return err
			}
			payload, err := df.payload(cmd.InOrStdin())
			if err != nil {
				return err
			}
			meta, err := df.metadata(engine)
			if err != nil {
				return err
			}
			h, err := provenance.ComputeHash(engine, payload, meta)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(g.stdout, "%s  %s\n", h.Hex(), algorithm)
			return nil
		},
	}
	df.register(cmd)
	cmd.Flags().StringVar(&alg, "algorithm", "", "hash algorithm; defaults to the configured one")
	return cmd
}
