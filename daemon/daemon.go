// Package daemon wires the keyringd components together and runs them.
package daemon

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joncooperworks/keyringd/auth"
	"github.com/joncooperworks/keyringd/config"
	"github.com/joncooperworks/keyringd/crypto"
	"github.com/joncooperworks/keyringd/crypto/keystore"
	"github.com/joncooperworks/keyringd/crypto/sealing"
	"github.com/joncooperworks/keyringd/rpc"
	"github.com/joncooperworks/keyringd/seed"
	"github.com/joncooperworks/keyringd/signer"
	"github.com/joncooperworks/keyringd/transport"
	"github.com/joncooperworks/keyringd/vault"
)

// ErrNotInitialized means the secret keystore lacks the daemon secrets.
var ErrNotInitialized = errors.New("keyringd is not initialized; run `keyringd init`")

// Runtime holds the live components of one daemon process.
type Runtime struct {
	cfg      *config.Config
	log      zerolog.Logger
	sealer   *sealing.Sealer
	store    *vault.Store
	registry *prometheus.Registry
	server   *transport.Server
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	keystore keystore.Keystore
	seeds    *seed.Generator
	now      func() time.Time
}

// WithKeystore uses ks instead of the backend named in the configuration.
func WithKeystore(ks keystore.Keystore) Option {
	return func(o *openOptions) { o.keystore = ks }
}

// WithSeedGenerator replaces the crypto/rand backed generator.
func WithSeedGenerator(g *seed.Generator) Option {
	return func(o *openOptions) { o.seeds = g }
}

// WithClock replaces time.Now for the store and the gate.
func WithClock(now func() time.Time) Option {
	return func(o *openOptions) { o.now = now }
}

// Open performs startup: it reads the daemon secrets, probes the entropy
// source and loads the vault. Any failure aborts startup.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*Runtime, error) {
	o := openOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}

	ks := o.keystore
	if ks == nil {
		ks, err = keystore.NewKeystore(cfg.SecretStore(nil))
		if err != nil {
			return nil, errors.Wrap(err, "failed to open secret keystore")
		}
	}
	sealKey, err := getSecret(ks, keystore.SealingKeyName)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(sealKey)
	totpSecret, err := getSecret(ks, keystore.TOTPSecretName)
	if err != nil {
		return nil, err
	}

	seeds := o.seeds
	if seeds == nil {
		seeds = seed.NewGenerator(params)
	}
	if err := seeds.Probe(); err != nil {
		return nil, err
	}

	sealer, err := sealing.NewSealer(sealKey)
	if err != nil {
		return nil, err
	}
	ready := false
	defer func() {
		if !ready {
			sealer.Close()
		}
	}()
	format, err := vault.ParseFormat(cfg.Vault.Format)
	if err != nil {
		return nil, err
	}
	store, err := vault.New(params, sealer,
		vault.WithFile(vault.NewFile(cfg.Vault.File, format)),
		vault.WithLogger(log.With().Str("component", "vault").Logger()),
		vault.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	loadCtx, cancel := context.WithTimeout(ctx, cfg.Vault.PersistTimeout)
	defer cancel()
	if err := store.Load(loadCtx); err != nil {
		return nil, err
	}

	gate, err := auth.NewGate(string(totpSecret), auth.Config{
		Period:          cfg.Auth.Period,
		Skew:            cfg.Auth.Skew,
		ExpiredLookback: cfg.Auth.ExpiredLookback,
	}, auth.WithClock(o.now), auth.WithLogger(log.With().Str("component", "auth").Logger()))
	if err != nil {
		return nil, err
	}
	sig, err := signer.New(store, gate, log.With().Str("component", "signer").Logger())
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	disp, err := rpc.NewDispatcher(rpc.Deps{Store: store, Seeds: seeds, Gate: gate, Signer: sig},
		rpc.WithPersistTimeout(cfg.Vault.PersistTimeout),
		rpc.WithMetrics(rpc.NewMetrics(registry)),
		rpc.WithLogger(log.With().Str("component", "rpc").Logger()))
	if err != nil {
		return nil, err
	}

	ready = true
	log.Info().Str("network", params.Name).Int("keys", store.Len()).Str("vault", cfg.Vault.File).Msg("keyringd ready")
	return &Runtime{
		cfg:      cfg,
		log:      log,
		sealer:   sealer,
		store:    store,
		registry: registry,
		server:   transport.NewServer(disp, log.With().Str("component", "transport").Logger()),
	}, nil
}

func getSecret(ks keystore.Keystore, name string) ([]byte, error) {
	secret, err := ks.Get(name)
	if errors.Is(err, keystore.ErrSecretNotFound) {
		return nil, errors.Wrap(ErrNotInitialized, name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", name)
	}
	return secret, nil
}

// Store exposes the loaded vault.
func (r *Runtime) Store() *vault.Store { return r.store }

// Run serves rpc on cfg.Listen, and metrics on cfg.Metrics.Listen when set,
// until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", r.cfg.Listen)
	}
	return r.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (r *Runtime) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.server.Serve(ctx, ln) })
	if r.cfg.Metrics.Listen != "" {
		g.Go(func() error { return r.serveMetrics(ctx) })
	}
	return g.Wait()
}

func (r *Runtime) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: r.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	r.log.Info().Str("addr", r.cfg.Metrics.Listen).Msg("metrics listening")

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server stopped")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases the sealing key.
func (r *Runtime) Close() {
	r.sealer.Close()
	r.log.Info().Msg("keyringd stopped")
}
