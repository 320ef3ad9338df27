package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/chaintrace/pkg/api"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger/httpledger"
)

func newServeCmd(g *globals) *cobra.Command {
	var (
		addr    string
		gateway bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the record and verify HTTP API",
		Long: `Serve exposes the engine over HTTP:

  POST /v1/records               record a package
  GET  /v1/records               list indexed records
  GET  /v1/records/{tx}/verify   verify by transaction hash
  POST /v1/verify                verify by data
  GET  /v1/receipts/{tx}         ledger receipt
  GET  /healthz, GET /metrics

With the memory backend the ledger itself is also served under /ledger/, so
other processes can point an http backend at it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			deps := api.Deps{
				Recorder:    a.recorder,
				Verifier:    a.verifier,
				Ledger:      a.ledger,
				Credentials: a.creds,
				Index:       a.index,
				RateLimit:   a.cfg.Server.RateLimit,
				RateBurst:   a.cfg.Server.RateBurst,
				Version:     Version,
				Logger:      a.logger.With("component", "api"),
			}
			if a.cfg.Lock.Driver == "redis" {
				rc := redis.NewClient(&redis.Options{
					Addr:     a.cfg.Lock.RedisAddr,
					Password: a.cfg.Lock.RedisPassword,
					DB:       a.cfg.Lock.RedisDB,
				})
				defer rc.Close()
				deps.Idempotency = api.NewRedisIdempotencyStore(rc, 24*time.Hour)
			}
			if gateway && a.chain != nil {
				deps.Gateway = httpledger.NewGateway(a.chain).Handler()
			}

			srv, err := api.NewServer(deps)
			if err != nil {
				return err
			}
			defer srv.Close()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			err = srv.ListenAndServe(cmd.Context(), addr)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address; defaults to server.addr")
	cmd.Flags().BoolVar(&gateway, "gateway", true, "serve the in-memory ledger under /ledger/")
	return cmd
}
