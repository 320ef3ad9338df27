package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

// transactionDetails is the --json output of `chaintrace receipt`.
type transactionDetails struct {
	Receipt *ledger.Receipt         `json:"receipt"`
	Record  *provenance.DataPackage `json:"record,omitempty"`
	Scheme  string                  `json:"signature_scheme,omitempty"`
}

func newReceiptCmd(g *globals) *cobra.Command {
	var (
		txFlag string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Show the ledger receipt and recorded package of a transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tx, err := ledger.ParseTxHash(txFlag)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			receipt, err := a.ledger.Fetch(cmd.Context(), tx)
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				return failed(fmt.Errorf("transaction %s not found", tx))
			case errors.Is(err, ledger.ErrPending):
				receipt = ledger.PendingReceipt(tx)
			case err != nil:
				return err
			}

			out := transactionDetails{Receipt: receipt}
			rec, _, err := a.ledger.Retrieve(cmd.Context(), tx)
			if err != nil {
				a.logger.Debug("envelope unavailable", "tx", tx, "error", err)
			} else {
				out.Record = &rec.Package
				out.Scheme = rec.SignatureScheme
			}

			if asJSON {
				return writeJSON(g.stdout, out)
			}
			if err := printReceipt(g.stdout, receipt, false); err != nil {
				return err
			}
			if out.Record != nil {
				_, _ = fmt.Fprintf(g.stdout, "type:          %s\n", out.Record.TypeTag)
				_, _ = fmt.Fprintf(g.stdout, "submitter:     %s\n", out.Record.Submitter)
				_, _ = fmt.Fprintf(g.stdout, "payload hash:  %s (%s)\n", out.Record.PayloadHash, out.Record.HashAlgorithm)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&txFlag, "tx", "", "transaction hash")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	_ = cmd.MarkFlagRequired("tx")
	return cmd
}
