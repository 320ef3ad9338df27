package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/recorder"
	"github.com/Mindburn-Labs/chaintrace/pkg/sysinfo"
)

func newRecordCmd(g *globals) *cobra.Command {
	var (
		df         dataFlags
		systemInfo bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a data package on the ledger and wait for confirmation",
		Example: `  chaintrace record -t ml_model -d '{"accuracy":0.93}' -m run=42 --file weights=model.bin --system-info
  chaintrace record -t generic_text -d "hello world"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tag, err := df.tag()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			payload, err := df.payload(cmd.InOrStdin())
			if err != nil {
				return err
			}
			meta, err := df.metadata(a.engine)
			if err != nil {
				return err
			}
			if systemInfo {
				if meta == nil {
					meta = make(map[string]any, 1)
				}
				meta[sysinfo.MetadataKey] = sysinfo.Collect(time.Now()).Metadata()
			}

			receipt, err := a.recorder.Record(cmd.Context(), recorder.Request{
				Payload:  payload,
				TypeTag:  tag,
				Metadata: meta,
			}, a.creds)
			if receipt != nil {
				if perr := printReceipt(g.stdout, receipt, asJSON); perr != nil {
					return perr
				}
			}
			if err != nil {
				var re *recorder.RecordError
				if errors.As(err, &re) && re.Outcome == recorder.OutcomeRejected {
					return failed(err)
				}
				return err
			}
			return nil
		},
	}
	df.register(cmd)
	cmd.Flags().BoolVar(&systemInfo, "system-info", false, "attach a snapshot of the host and build under "+sysinfo.MetadataKey)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the receipt as JSON")
	return cmd
}

func printReceipt(w io.Writer, r *ledger.Receipt, asJSON bool) error {
	if asJSON {
		return writeJSON(w, r)
	}
	_, _ = fmt.Fprintf(w, "tx:            %s\n", r.TxHash)
	_, _ = fmt.Fprintf(w, "status:        %s\n", r.Status)
	if r.BlockNumber > 0 {
		_, _ = fmt.Fprintf(w, "block:         %d\n", r.BlockNumber)
		_, _ = fmt.Fprintf(w, "timestamp:     %s\n", time.Unix(r.BlockTimestamp, 0).UTC().Format(time.RFC3339))
		_, _ = fmt.Fprintf(w, "confirmations: %d\n", r.Confirmations)
	}
	if r.GasUsed > 0 {
		_, _ = fmt.Fprintf(w, "gas used:      %d\n", r.GasUsed)
	}
	return nil
}
