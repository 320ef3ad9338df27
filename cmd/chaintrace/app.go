package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/chaintrace/pkg/artifacts"
	"github.com/Mindburn-Labs/chaintrace/pkg/config"
	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/index"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger/evm"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger/httpledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger/memledger"
	"github.com/Mindburn-Labs/chaintrace/pkg/lock"
	"github.com/Mindburn-Labs/chaintrace/pkg/observability"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
	"github.com/Mindburn-Labs/chaintrace/pkg/recorder"
	"github.com/Mindburn-Labs/chaintrace/pkg/verifier"
)

const shutdownTimeout = 10 * time.Second

// app is the engine wired from configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *observability.Provider
	engine    *digest.Engine
	ledger    ledger.Client
	chain     *memledger.Chain // set for the memory backend only
	store     artifacts.Store
	index     index.Index
	locker    lock.Locker
	builder   *provenance.Builder
	recorder  *recorder.Recorder
	verifier  *verifier.Verifier
	creds     crypto.CredentialSource
	closers   []func(context.Context) error
}

// loadConfig reads the configuration, applies flag overrides and installs
// the process logger.
func loadConfig(g *globals) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.backend != "" {
		cfg.Ledger.Backend = g.backend
	}
	if g.endpoint != "" {
		cfg.Ledger.EndpointURL = g.endpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(g.stderr, level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openApp builds every component the configuration asks for. Call Close on
// the result even when a command fails.
func openApp(ctx context.Context, g *globals) (_ *app, err error) {
	cfg, logger, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "chaintrace",
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)

	alg, err := digest.ParseAlgorithm(cfg.Digest.Algorithm)
	if err != nil {
		return nil, err
	}
	if a.engine, err = digest.NewEngine(alg); err != nil {
		return nil, err
	}
	if a.ledger, err = a.openLedger(ctx); err != nil {
		return nil, err
	}
	if err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if err = a.openIndex(ctx); err != nil {
		return nil, err
	}
	if err = a.openLocker(ctx); err != nil {
		return nil, err
	}
	if a.builder, err = a.newBuilder(); err != nil {
		return nil, err
	}
	if a.creds, err = cfg.Credential.Source(cfg.Ledger.Backend); err != nil {
		return nil, err
	}

	ropts := []recorder.Option{
		recorder.WithLocker(a.locker),
		recorder.WithTelemetry(a.telemetry),
		recorder.WithBackendName(cfg.Ledger.Backend),
		recorder.WithLogger(logger.With("component", "recorder")),
	}
	vopts := []verifier.Option{verifier.WithTelemetry(a.telemetry)}
	if a.store != nil {
		ropts = append(ropts, recorder.WithStore(a.store))
		vopts = append(vopts, verifier.WithStore(a.store))
	}
	if a.index != nil {
		ropts = append(ropts, recorder.WithNotifier(a.index))
		vopts = append(vopts, verifier.WithIndexer(a.index))
	}
	a.recorder, err = recorder.New(a.builder, a.ledger, recorder.Config{
		Retry:               cfg.Retry,
		PollInterval:        cfg.PollInterval,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
	}, ropts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error {
		a.recorder.Wait()
		return nil
	})
	a.verifier = verifier.New(a.ledger, a.engine, vopts...)
	return a, nil
}

func (a *app) openLedger(ctx context.Context) (ledger.Client, error) {
	lc := a.cfg.Ledger
	var client ledger.Client
	switch lc.Backend {
	case config.BackendMemory:
		opts := []memledger.Option{memledger.WithAutoMine()}
		if lc.Confirmations > 0 {
			opts = append(opts, memledger.WithConfirmations(lc.Confirmations))
		}
		a.chain = memledger.New(opts...)
		client = a.chain
	case config.BackendHTTP:
		opts := []httpledger.Option{httpledger.WithTimeout(lc.Timeout)}
		if lc.APIKey != "" {
			opts = append(opts, httpledger.WithHeader("Authorization", "Bearer "+lc.APIKey))
		}
		client = httpledger.New(lc.EndpointURL, opts...)
	case config.BackendEVM:
		ec := evm.Config{Confirmations: lc.Confirmations, GasLimit: lc.GasLimit}
		if lc.ChainID != 0 {
			ec.ChainID = big.NewInt(lc.ChainID)
		}
		c, err := evm.Dial(ctx, lc.EndpointURL, ec)
		if err != nil {
			return nil, err
		}
		client = c
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", lc.Backend)
	}

	if lc.RateLimit > 0 {
		burst := lc.RateBurst
		if burst < 1 {
			burst = 1
		}
		client = ledger.Throttle(client, rate.NewLimiter(rate.Limit(lc.RateLimit), burst))
	}
	a.logger.Debug("ledger ready", "backend", lc.Backend, "endpoint", lc.EndpointURL)
	return client, nil
}

func (a *app) openStore(ctx context.Context) error {
	sc := a.cfg.Storage
	store, err := artifacts.New(ctx, artifacts.Config{
		Type:     artifacts.StoreType(sc.Type),
		Dir:      sc.Dir,
		Bucket:   sc.Bucket,
		Prefix:   sc.Prefix,
		Region:   sc.Region,
		Endpoint: sc.Endpoint,
	})
	if err != nil {
		return err
	}
	a.store = store
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}
	return nil
}

func (a *app) openIndex(ctx context.Context) error {
	idx, err := index.Open(ctx, index.Config{Driver: a.cfg.Index.Driver, DSN: a.cfg.Index.DSN})
	if err != nil {
		return err
	}
	if idx == nil {
		return nil
	}
	a.index = idx
	a.closers = append(a.closers, func(context.Context) error { return idx.Close() })
	return nil
}

func (a *app) openLocker(ctx context.Context) error {
	lc := a.cfg.Lock
	switch lc.Driver {
	case "", "local":
		a.locker = lock.NewLocal()
	case "redis":
		r, err := lock.DialRedis(ctx, lc.RedisAddr, lc.RedisPassword, lc.RedisDB)
		if err != nil {
			return err
		}
		a.locker = r
		a.closers = append(a.closers, func(context.Context) error { return r.Close() })
	default:
		return fmt.Errorf("unsupported lock driver %q", lc.Driver)
	}
	return nil
}

func (a *app) newBuilder() (*provenance.Builder, error) {
	files, err := a.cfg.SchemaFiles()
	if err != nil {
		return nil, err
	}
	opts := []provenance.Option{provenance.WithInlineLimit(a.cfg.Storage.InlineLimit)}
	if len(files) > 0 {
		reg := provenance.NewSchemaRegistry()
		for tag, path := range files {
			if err := reg.RegisterFile(provenance.TypeTag(tag), path); err != nil {
				return nil, err
			}
		}
		opts = append(opts, provenance.WithSchemas(reg))
	}
	if a.store != nil {
		opts = append(opts, provenance.WithLocator(a.store.Locator))
	}
	return provenance.NewBuilder(a.engine, opts...), nil
}

// Close releases everything in reverse order of construction.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}
