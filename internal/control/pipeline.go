// Package control wires the pipeline together and manages its lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vietddude/autopay/internal/api"
	"github.com/vietddude/autopay/internal/core/config"
	"github.com/vietddude/autopay/internal/infra/facilitator"
	"github.com/vietddude/autopay/internal/infra/queue"
	redisclient "github.com/vietddude/autopay/internal/infra/redis"
	"github.com/vietddude/autopay/internal/infra/rpc"
	"github.com/vietddude/autopay/internal/infra/storage"
	"github.com/vietddude/autopay/internal/infra/storage/memory"
	"github.com/vietddude/autopay/internal/infra/storage/postgres"
	"github.com/vietddude/autopay/internal/payment/scheduler"
	"github.com/vietddude/autopay/internal/payment/tracker"
	"github.com/vietddude/autopay/internal/payment/worker"
	"github.com/vietddude/autopay/internal/payment/x402"
)

// Pipeline is the assembled application: scheduler, queue, worker, and the
// HTTP surface, with either durable (Postgres + Redis) or in-memory backends
// depending on configuration.
type Pipeline struct {
	cfg       *config.AppConfig
	sched     *scheduler.Scheduler
	q         queue.Queue
	wrk       *worker.Worker
	apiServer *api.Server
	db        *postgres.DB
	cancel    context.CancelFunc
	log       *slog.Logger
}

// NewPipeline creates a Pipeline with all dependencies initialized.
func NewPipeline(cfg *config.AppConfig) (*Pipeline, error) {

	// 1. Storage
	var subRepo storage.SubscriptionRepository
	var payRepo storage.PaymentRepository
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(cfg.Database.MigrationsDir); err != nil {
			return nil, err
		}
		subRepo = postgres.NewSubscriptionRepo(db)
		payRepo = postgres.NewPaymentRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewStore()
		subRepo = store
		payRepo = store
		slog.Info("Using Memory storage")
	}

	// 2. Queue
	var q queue.Queue
	if cfg.Redis.URL != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init queue: %w", err)
		}
		q = queue.NewRedisQueue(redisClient, cfg.Queue)
		slog.Info("Using Redis queue")
	} else {
		q = queue.NewMemoryQueue(cfg.Queue)
		slog.Info("Using Memory queue")
	}

	// 3. Payment stack
	signer, err := x402.NewLocalSigner(cfg.Signer.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init signer: %w", err)
	}

	fac := facilitator.NewClient(cfg.Payment.FacilitatorURL, cfg.Payment.FacilitatorTimeout)

	var rpcClient *rpc.Client
	if cfg.Payment.RPCURL != "" {
		rpcClient = rpc.NewClient(cfg.Payment.RPCURL, 10*time.Second)
	}
	domains := x402.NewRPCDomainSource(
		rpcClient,
		cfg.Payment.X402.Asset,
		cfg.Payment.X402.ChainID,
		cfg.Payment.X402.FallbackDomains,
	)

	settler := x402.NewClient(signer, fac, domains, cfg.Payment.X402)

	// 4. Pipeline components
	tr := tracker.New(payRepo)
	wrk := worker.New(subRepo, payRepo, settler, tr, cfg.Payment.X402.Network)
	sched := scheduler.New(subRepo, payRepo, q, cfg.Scheduler.Interval)

	// 5. HTTP surface
	checks := map[string]api.HealthChecker{
		"queue":       q.Ready,
		"facilitator": fac.Health,
	}
	if db != nil {
		checks["database"] = db.Health
	}
	apiServer := api.NewServer(cfg.Server.Port, sched, q, tr, checks)

	return &Pipeline{
		cfg:       cfg,
		sched:     sched,
		q:         q,
		wrk:       wrk,
		apiServer: apiServer,
		db:        db,
		log:       slog.Default(),
	}, nil
}

// Start starts the pipeline and all its components.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	go func() {
		if err := p.apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("API server failed", "error", err)
		}
	}()

	if p.db != nil {
		p.db.StartMetricsCollector(ctx)
	}

	p.q.Start(ctx, p.wrk)
	go p.sched.Run(ctx)

	p.log.Info("Pipeline started",
		"port", p.cfg.Server.Port,
		"sweep_interval", p.cfg.Scheduler.Interval,
		"network", p.cfg.Payment.X402.Network)
	return nil
}

// Stop stops the pipeline.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.log.Info("Stopping Pipeline...")

	if p.cancel != nil {
		p.cancel()
	}

	if err := p.q.Close(); err != nil {
		p.log.Warn("Failed to close queue", "error", err)
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			p.log.Warn("Failed to close database", "error", err)
		}
	}

	return p.apiServer.Stop(ctx)
}
