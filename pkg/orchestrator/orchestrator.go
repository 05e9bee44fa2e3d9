package orchestrator

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/maestro/pkg/api"
	"github.com/cuemby/maestro/pkg/config"
	"github.com/cuemby/maestro/pkg/envelope"
	"github.com/cuemby/maestro/pkg/events"
	"github.com/cuemby/maestro/pkg/jobs"
	"github.com/cuemby/maestro/pkg/log"
	"github.com/cuemby/maestro/pkg/metrics"
	"github.com/cuemby/maestro/pkg/registry"
	"github.com/cuemby/maestro/pkg/results"
	"github.com/cuemby/maestro/pkg/router"
	"github.com/cuemby/maestro/pkg/storage"
	"github.com/cuemby/maestro/pkg/transport"
)

// Orchestrator wires the store, registry, router, result store, job
// manager, and HTTP surfaces into one process and owns their lifecycle.
type Orchestrator struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     storage.Store
	broker    *events.Broker
	signer    *envelope.Signer
	verifier  *envelope.Verifier
	registry  *registry.Registry
	blobs     results.BlobBackend
	results   *results.Store
	router    *router.Router
	manager   *jobs.Manager
	collector *metrics.Collector
	api       *api.Server
	ops       *api.OpsServer

	errCh    chan error
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds every component from the config. Nothing is started; call
// Start once and Stop to tear down.
func New(cfg *config.Config) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:    cfg,
		logger: log.WithComponent("orchestrator"),
		errCh:  make(chan error, 2),
		stopCh: make(chan struct{}),
	}

	store, err := newStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	o.store = store

	o.broker = events.NewBroker()

	key, generated, err := signingKey(cfg.Envelope)
	if err != nil {
		store.Close()
		return nil, err
	}
	if generated {
		o.logger.Warn().Msg("No envelope private key configured, generated an ephemeral one; envelopes will not verify across restarts")
	}
	o.signer = envelope.NewSigner(key, cfg.Envelope.Issuer, cfg.Envelope.TTL.Std())

	pubs, err := verifyKeys(cfg.Envelope, key)
	if err != nil {
		store.Close()
		return nil, err
	}
	o.verifier = envelope.NewVerifier(pubs, cfg.Envelope.Issuer, cfg.Envelope.ClockSkew.Std())

	o.registry = registry.New(registry.Config{
		ProbeInterval:    cfg.Registry.ProbeInterval.Std(),
		HealthTTL:        cfg.Registry.HealthTTL.Std(),
		ProbeTimeout:     cfg.Registry.ProbeTimeout.Std(),
		MinProbeSpacing:  cfg.Registry.MinProbeSpacing.Std(),
		ProbeConcurrency: cfg.Registry.ProbeConcurrency,
		OfflineThreshold: cfg.Registry.OfflineThreshold,
	}, store, registry.NewHTTPProber(cfg.Registry.ProbeTimeout.Std()), o.broker)
	if err := o.registry.Load(); err != nil {
		store.Close()
		return nil, err
	}

	blobs, err := newBlobs(cfg.Results, cfg.Storage)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create blob backend: %w", err)
	}
	o.blobs = blobs
	o.results = results.New(results.Config{
		InlineThreshold: cfg.Results.InlineThreshold,
		CacheSize:       cfg.Results.CacheSize,
		CacheTTL:        cfg.Results.CacheTTL.Std(),
	}, store, blobs)

	o.router = router.New(router.Config{
		CacheTTL:               cfg.Router.CacheTTL.Std(),
		ScoreFloor:             cfg.Router.ScoreFloor,
		DecisionBuffer:         cfg.Router.DecisionBuffer,
		GateHeavyToUserCompute: cfg.Router.GateHeavyToUserCompute,
	}, o.registry, store)

	o.manager = jobs.New(jobs.Config{
		MaxConcurrent:   cfg.Jobs.MaxConcurrent,
		MaxAttempts:     cfg.Jobs.MaxAttempts,
		BackoffBase:     cfg.Jobs.BackoffBase.Std(),
		BackoffCap:      cfg.Jobs.BackoffCap.Std(),
		DefaultDeadline: cfg.Jobs.DefaultDeadline.Std(),
		CallbackBaseURL: cfg.Server.PublicURL,
	}, store, o.registry, o.router, o.signer, transport.NewHTTPTransport(transport.DefaultConfig()), o.results, o.broker)

	o.api = api.New(api.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, api.Deps{
		Manager:  o.manager,
		Registry: o.registry,
		Router:   o.router,
		Results:  o.results,
		Verifier: o.verifier,
		Broker:   o.broker,
	})
	o.ops = api.NewOpsServer(cfg.Server.OpsAddr)

	o.collector = metrics.NewCollector(o.manager, o.registry)

	metrics.RegisterComponent("storage", true, cfg.Storage.Backend)
	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("jobs", true, "")
	metrics.RegisterComponent("api", true, "")
	metrics.RegisterComponent("blobs", true, cfg.Results.BlobBackend)
	metrics.RegisterComponent("events", true, "")

	return o, nil
}

// Start brings every component up: the broker, the probe loop, the job
// manager (after a recovery pass when storage is durable), the metrics
// collector, the retention sweep, and both HTTP listeners. Listener
// failures surface on Err.
func (o *Orchestrator) Start() error {
	o.broker.Start()
	o.registry.Start()

	// Memory storage starts empty, so only durable deployments have jobs
	// to recover.
	if o.cfg.Storage.Backend == "bolt" {
		if err := o.manager.Recover(); err != nil {
			return fmt.Errorf("failed to recover jobs: %w", err)
		}
	}
	o.manager.Start()
	o.collector.Start()

	o.wg.Add(1)
	go o.retentionLoop()

	go func() {
		if err := o.api.Start(); err != nil {
			o.errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := o.ops.Start(); err != nil {
			o.errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	o.logger.Info().
		Str("listen_addr", o.cfg.Server.ListenAddr).
		Str("ops_addr", o.cfg.Server.OpsAddr).
		Str("storage", o.cfg.Storage.Backend).
		Str("blobs", o.cfg.Results.BlobBackend).
		Msg("Orchestrator started")
	return nil
}

// Err reports fatal listener failures after Start.
func (o *Orchestrator) Err() <-chan error {
	return o.errCh
}

// Drain stops dispatching new jobs and flips readiness so load balancers
// route elsewhere while in-flight jobs finish.
func (o *Orchestrator) Drain() {
	o.manager.Drain()
	metrics.SetDraining(true)
}

// Stop tears everything down: listeners first so no new work arrives, then
// the job manager (bounded by ctx), then the loops and the store.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var firstErr error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		o.logger.Warn().Err(err).Str("component", what).Msg("Shutdown error")
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", what, err)
		}
	}

	record("api server", o.api.Stop(ctx))
	record("ops server", o.ops.Stop(ctx))
	o.collector.Stop()
	record("job manager", o.manager.Stop(ctx))
	o.registry.Stop()

	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()

	o.broker.Stop()
	if closer, ok := o.blobs.(io.Closer); ok {
		record("blob backend", closer.Close())
	}
	record("store", o.store.Close())

	o.logger.Info().Msg("Orchestrator stopped")
	return firstErr
}

// Handler exposes the caller-facing route tree without binding a listener.
func (o *Orchestrator) Handler() http.Handler {
	return o.api.Handler()
}

// OpsHandler exposes the health/metrics route tree without binding a
// listener.
func (o *Orchestrator) OpsHandler() http.Handler {
	return o.ops.Handler()
}

// Manager returns the job manager.
func (o *Orchestrator) Manager() *jobs.Manager {
	return o.manager
}

// Registry returns the worker registry.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Broker returns the event broker.
func (o *Orchestrator) Broker() *events.Broker {
	return o.broker
}

// retentionLoop deletes expired results and prunes old routing decisions
// on the configured interval.
func (o *Orchestrator) retentionLoop() {
	defer o.wg.Done()

	interval := o.cfg.Jobs.RetentionInterval.Std()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.sweep()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) sweep() {
	retention := o.cfg.Results.Retention.Std()
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := o.results.Cleanup(ctx, cutoff)
	if err != nil {
		o.logger.Error().Err(err).Msg("Result retention sweep failed")
	} else if removed > 0 {
		o.logger.Info().Int("removed", removed).Msg("Expired results removed")
	}

	pruned, err := o.store.DeleteDecisionsBefore(cutoff)
	if err != nil {
		o.logger.Error().Err(err).Msg("Decision pruning failed")
	} else if pruned > 0 {
		o.logger.Debug().Int("pruned", pruned).Msg("Old routing decisions pruned")
	}
}

// newStore builds the persistence backend. Bolt gets its directory created
// on first run.
func newStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return storage.NewBoltStore(cfg.DataDir)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// signingKey loads the configured private key, or generates an ephemeral
// one when none is configured. The second return reports generation.
func signingKey(cfg config.EnvelopeConfig) (*rsa.PrivateKey, bool, error) {
	if cfg.PrivateKeyPath != "" {
		key, err := envelope.LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, false, err
		}
		return key, false, nil
	}
	key, err := envelope.GenerateKey(0)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// verifyKeys assembles the verifier key set. The active signing key always
// verifies; configured public keys follow it so envelopes minted before a
// rotation keep verifying until they expire.
func verifyKeys(cfg config.EnvelopeConfig, signing *rsa.PrivateKey) ([]*rsa.PublicKey, error) {
	keys := []*rsa.PublicKey{&signing.PublicKey}
	if len(cfg.PublicKeyPaths) == 0 {
		return keys, nil
	}
	extra, err := envelope.LoadPublicKeys(cfg.PublicKeyPaths)
	if err != nil {
		return nil, err
	}
	return append(keys, extra...), nil
}

// newBlobs builds the artifact blob backend. Filesystem blobs default to a
// directory under the data dir; Redis blobs expire server-side on the
// result retention window.
func newBlobs(cfg config.ResultsConfig, st config.StorageConfig) (results.BlobBackend, error) {
	switch cfg.BlobBackend {
	case "filesystem":
		dir := cfg.BlobDir
		if dir == "" {
			dir = filepath.Join(st.DataDir, "blobs")
		}
		return results.NewFilesystemBlobs(dir)
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return results.NewRedisBlobs(ctx, results.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.Retention.Std(),
		})
	case "memory":
		return results.NewMemoryBlobs(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend: %s", cfg.BlobBackend)
	}
}
