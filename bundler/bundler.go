package bundler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/go-co-op/gocron/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/version"
)

type BundlerStatus string

const (
	initStatus     BundlerStatus = "init"
	runningStatus  BundlerStatus = "running"
	shutdownStatus BundlerStatus = "shutdown"
)

func RunWithConfig(configPath string) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		panic(fmt.Errorf("Failed to parse config file: %s\nMake sure it is exist and a valid yaml file %w.", configPath, err))
	}

	b, err := NewBundler(cfg)
	if err != nil {
		panic(fmt.Errorf("Cannot initialize bundler from config: %w", err))
	}

	return b.Start(context.Background())
}

// Bundler owns every component of the service: the validation gate in front,
// the pool and scheduler in the middle, the relayer at the back, plus the
// receipt store and HTTP surface.
type Bundler struct {
	logger logger.Logger
	config *config.Config

	db    storage.Storage
	cache *bigcache.BigCache

	pool        *Mempool
	gate        *SimulationGate
	estimator   *GasEstimator
	relayer     *Relayer
	relayerOpts *bind.TransactOpts
	sched       *Scheduler
	receipts    *ReceiptStore

	registry *prometheus.Registry
	metrics  *metrics.BundlerMetrics

	cron       gocron.Scheduler
	httpServer *echo.Echo

	status BundlerStatus
}

// NewBundler wires the components together from a parsed config. The chain
// client, chain id and signing identity all come from the config layer.
func NewBundler(c *config.Config) (*Bundler, error) {
	opts, err := signer.FromPrivateKey(c.EcdsaPrivateKey, c.ChainID)
	if err != nil {
		c.Logger.Error("Cannot build transact opts", "err", err)
		return nil, err
	}

	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(c.ReceiptTTL))
	if err != nil {
		return nil, fmt.Errorf("cannot initialize cache storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewBundlerMetrics(registry)

	pool := NewMempool()
	gate := NewSimulationGate(c.EthHttpClient, c.EntryPointAddress, c.SimulationGasLimit, c.Logger)
	estimator := NewGasEstimator(c.EthHttpClient, c.EthHttpClient, c.EntryPointAddress, c.BeneficiaryAddress, c.Logger)

	// The receipt store and relayer also need the database, which is not
	// opened until Start; initPipeline finishes their wiring there.
	return &Bundler{
		logger:      c.Logger,
		config:      c,
		cache:       cache,
		pool:        pool,
		gate:        gate,
		estimator:   estimator,
		relayerOpts: opts,
		registry:    registry,
		metrics:     m,
		status:      initStatus,
	}, nil
}

func (b *Bundler) initDB() error {
	var err error
	b.db, err = storage.NewWithPath(b.config.DbPath)
	if err != nil {
		return err
	}
	return b.db.Setup()
}

func (b *Bundler) initPipeline() {
	b.receipts = NewReceiptStore(b.db, b.cache, b.config.StagingTTL, b.config.ReceiptTTL)

	b.relayer = NewRelayer(RelayerConfig{
		Backend:     b.config.EthHttpClient,
		Opts:        b.relayerOpts,
		Quoter:      b.estimator,
		Pool:        b.pool,
		Receipts:    b.receipts,
		ChainID:     b.config.ChainID,
		EntryPoint:  b.config.EntryPointAddress,
		Beneficiary: b.config.BeneficiaryAddress,
		WaitTimeout: b.config.SubmitWaitTimeout,
		MaxAttempts: b.config.MaxAttempts,
		Metrics:     b.metrics,
		Logger:      b.logger,
	})

	b.sched = NewScheduler(b.pool, b.relayer, b.logger)
}

// recoverStagedOps puts operations staged before the last shutdown back into
// the pool, so a restart never silently drops an admitted operation.
func (b *Bundler) recoverStagedOps() error {
	entries, err := b.receipts.StagedOperations()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		b.pool.Admit(entry.ID, entry.Op)
	}
	if len(entries) > 0 {
		b.logger.Info("recovered staged operations", "ops", len(entries))
	}

	if pending, err := b.db.CountKeysByPrefix([]byte(deadLetterKeyPrefix)); err == nil && pending > 0 {
		b.logger.Warn("dead letter records awaiting inspection", "count", pending)
	}
	return nil
}

// startCron registers the interval trigger. The scheduler coalesces triggers,
// so an interval tick landing during an in-flight bundle costs nothing.
func (b *Bundler) startCron() error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = cron.NewJob(
		gocron.DurationJob(b.config.BundleInterval),
		gocron.NewTask(func() {
			b.sched.Trigger()
		}),
	)
	if err != nil {
		return err
	}

	b.cron = cron
	cron.Start()
	return nil
}

func (b *Bundler) Start(ctx context.Context) error {
	b.logger.Infof("Starting bundler %s", version.Get())
	b.logger.Info("Bundler identity",
		"address", b.config.BundlerAddress.Hex(),
		"beneficiary", b.config.BeneficiaryAddress.Hex(),
		"entrypoint", b.config.EntryPointAddress.Hex(),
		"chainId", b.config.ChainID.String(),
	)

	b.logger.Infof("Initialize storage")
	if err := b.initDB(); err != nil {
		b.logger.Fatalf("failed to initialize storage: %v", err)
	}

	b.initPipeline()
	if err := b.recoverStagedOps(); err != nil {
		b.logger.Fatalf("failed to recover staged operations: %v", err)
	}

	b.logger.Infof("Starting bundle scheduler")
	b.sched.Start(ctx)
	if err := b.startCron(); err != nil {
		b.logger.Fatalf("failed to start interval trigger: %v", err)
	}

	b.logger.Infof("Starting http server")
	b.startHttpServer()
	b.status = runningStatus

	// Setup wait signal
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan bool, 1)
	go func() {
		<-sigs
		done <- true
	}()

	<-done
	b.logger.Infof("Shutting down...")
	b.status = shutdownStatus

	// Stop taking triggers first, then wait for the in-flight cycle so every
	// admitted operation is either submitted or still staged in the database.
	if err := b.cron.Shutdown(); err != nil {
		b.logger.Error("cannot stop interval trigger", "error", err)
	}
	b.sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.httpServer.Shutdown(shutdownCtx); err != nil {
		b.logger.Error("cannot stop http server", "error", err)
	}

	b.db.Close()

	return nil
}
