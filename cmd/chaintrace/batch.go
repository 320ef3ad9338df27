package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
	"github.com/Mindburn-Labs/chaintrace/pkg/recorder"
)

const maxBatchLine = 8 << 20

// batchItem is one input line of `chaintrace batch`.
type batchItem struct {
	TypeTag  string         `json:"type_tag"`
	Payload  any            `json:"payload"`
	Metadata map[string]any `json:"metadata,omitempty"`

	line int
}

// batchResult is one output line, in input order.
type batchResult struct {
	Line    int             `json:"line"`
	TxHash  ledger.TxHash   `json:"tx_hash,omitempty"`
	Status  ledger.Status   `json:"status,omitempty"`
	Receipt *ledger.Receipt `json:"receipt,omitempty"`
	Outcome string          `json:"outcome,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func newBatchCmd(g *globals) *cobra.Command {
	var (
		input        string
		concurrency  int
		showProgress bool
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Record every line of a JSON Lines file",
		Long: `Batch records one package per input line. Each line is an object
{"type_tag": "...", "payload": ..., "metadata": {...}}. Results are written to
stdout as JSON Lines in input order. The exit code is 1 if any record failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if concurrency < 1 {
				return errors.New("--concurrency must be at least 1")
			}
			var r io.Reader = cmd.InOrStdin()
			if input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			items, err := readBatch(r)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			var bar *progressbar.ProgressBar
			if showProgress {
				bar = progressbar.NewOptions64(
					int64(len(items)),
					progressbar.OptionSetWriter(g.stderr),
					progressbar.OptionClearOnFinish(),
					progressbar.OptionSetDescription("Recording..."),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "=",
						SaucerHead:    ">",
						SaucerPadding: " ",
						BarStart:      "[",
						BarEnd:        "]",
					}),
				)
			}

			results := make([]batchResult, len(items))
			var failures atomic.Int64
			eg, ctx := errgroup.WithContext(cmd.Context())
			eg.SetLimit(concurrency)
			for i, it := range items {
				eg.Go(func() error {
					res := batchResult{Line: it.line}
					receipt, err := recordItem(ctx, a, it)
					if receipt != nil {
						res.TxHash = receipt.TxHash
						res.Status = receipt.Status
						res.Receipt = receipt
					}
					if err != nil {
						failures.Add(1)
						res.Error = err.Error()
						var re *recorder.RecordError
						if errors.As(err, &re) {
							res.Outcome = string(re.Outcome)
						}
					}
					results[i] = res
					if bar != nil {
						_ = bar.Add(1)
					}
					// a context error means the batch was interrupted
					return ctx.Err()
				})
			}
			waitErr := eg.Wait()
			if bar != nil {
				_ = bar.Finish()
			}

			enc := json.NewEncoder(g.stdout)
			enc.SetEscapeHTML(false)
			for _, res := range results {
				if res.Line == 0 {
					continue
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			if waitErr != nil {
				return waitErr
			}
			if n := failures.Load(); n > 0 {
				return failed(fmt.Errorf("%d of %d records failed", n, len(items)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "JSON Lines file (- for stdin)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "records in flight at once")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "show a progress bar on stderr")
	return cmd
}

func recordItem(ctx context.Context, a *app, it batchItem) (*ledger.Receipt, error) {
	return a.recorder.Record(ctx, recorder.Request{
		Payload:  it.Payload,
		TypeTag:  provenance.TypeTag(it.TypeTag),
		Metadata: it.Metadata,
	}, a.creds)
}

func readBatch(r io.Reader) ([]batchItem, error) {
	var items []batchItem
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxBatchLine)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var it batchItem
		if err := dec.Decode(&it); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := provenance.ParseTypeTag(it.TypeTag); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		it.line = line
		items = append(items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("batch input is empty")
	}
	return items, nil
}
