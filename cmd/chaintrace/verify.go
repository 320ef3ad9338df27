package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/verifier"
)

func newVerifyCmd(g *globals) *cobra.Command {
	var (
		df     dataFlags
		txFlag string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a record by transaction hash, by data, or both",
		Long: `Verify re-checks a record against the ledger.

With only --tx the recorded envelope is checked on its own: receipt status,
signature and, when the payload is inline or offloaded, its hash.

With data flags the supplied payload and metadata are re-hashed and compared
with the record at --tx, or with every record the payload index returns.

Exit code 0 means verified, 1 means not verified, 2 means the question could
not be answered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			byData := df.data != "" || df.dataFile != "" || len(df.meta) > 0 || len(df.files) > 0
			if txFlag == "" && !byData {
				return errors.New("either --tx or data flags are required")
			}
			var tx ledger.TxHash
			if txFlag != "" {
				var err error
				if tx, err = ledger.ParseTxHash(txFlag); err != nil {
					return err
				}
			}

			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			var res *verifier.Result
			if byData {
				tag, err := df.tag()
				if err != nil {
					return err
				}
				payload, err := df.payload(cmd.InOrStdin())
				if err != nil {
					return err
				}
				meta, err := df.metadata(a.engine)
				if err != nil {
					return err
				}
				res, err = a.verifier.VerifyByData(cmd.Context(), payload, tag, meta, tx)
				if err != nil {
					return err
				}
			} else {
				res, err = a.verifier.VerifyByHash(cmd.Context(), tx)
				if err != nil {
					return err
				}
			}

			if err := printResult(g.stdout, res, asJSON); err != nil {
				return err
			}
			if !res.Verified {
				return failed(nil)
			}
			return nil
		},
	}
	df.register(cmd)
	cmd.Flags().StringVar(&txFlag, "tx", "", "transaction hash of the record")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func printResult(w io.Writer, res *verifier.Result, asJSON bool) error {
	if asJSON {
		return writeJSON(w, res)
	}
	if res.Verified {
		_, _ = fmt.Fprintf(w, "✅ record verified\n")
	} else {
		_, _ = fmt.Fprintf(w, "❌ record NOT verified: %s\n", res.Reason)
	}
	if res.TxHash != "" {
		_, _ = fmt.Fprintf(w, "Tx:        %s\n", res.TxHash)
	}
	if res.TypeTag != "" {
		_, _ = fmt.Fprintf(w, "Type:      %s\n", res.TypeTag)
		_, _ = fmt.Fprintf(w, "Submitter: %s\n", res.Submitter)
		_, _ = fmt.Fprintf(w, "Hash:      %s\n", res.PayloadHash)
		_, _ = fmt.Fprintf(w, "Recorded:  %s\n", time.Unix(res.Timestamp, 0).UTC().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "Checks:    %s\n", res.Summary)
	for _, c := range res.Checks {
		mark := "ok"
		if !c.Pass {
			mark = "FAIL"
		}
		if c.Detail != "" {
			_, _ = fmt.Fprintf(w, "  - %-14s %-4s %s\n", c.Name, mark, c.Detail)
		} else {
			_, _ = fmt.Fprintf(w, "  - %-14s %s\n", c.Name, mark)
		}
	}
	return nil
}
