package v1

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/internal/alerts"
	"carbon-scribe/credit-lifecycle/internal/auth"
	"carbon-scribe/credit-lifecycle/internal/config"
	"carbon-scribe/credit-lifecycle/internal/documents"
	"carbon-scribe/credit-lifecycle/internal/issuance"
	"carbon-scribe/credit-lifecycle/internal/ledger"
	"carbon-scribe/credit-lifecycle/internal/notifications/websocket"
	"carbon-scribe/credit-lifecycle/internal/reconciliation"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/internal/reports"
	"carbon-scribe/credit-lifecycle/internal/reports/scheduler"
	"carbon-scribe/credit-lifecycle/internal/retirement"
	"carbon-scribe/credit-lifecycle/internal/trading"
	"carbon-scribe/credit-lifecycle/internal/verification"
	"carbon-scribe/credit-lifecycle/pkg/keylock"
	"carbon-scribe/credit-lifecycle/pkg/pdf"
	"carbon-scribe/credit-lifecycle/pkg/storage"
)

// API holds every component of the coordinator, wired from one Config
type API struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *prometheus.Registry

	Store     registry.Store
	Ledger    ledger.Client
	Simulator *ledger.Simulator
	Documents *documents.ContentStore
	Events    *websocket.Manager
	Alerts    *alerts.Engine
	Tokens    *auth.TokenService

	Verification   *verification.Service
	Issuance       *issuance.Coordinator
	IssuanceWorker *issuance.Worker
	Trading        *trading.Coordinator
	Retirement     *retirement.Coordinator
	Reconciliation *reconciliation.Loop
	Reports        *reports.Service
	Audit          *scheduler.AuditManager

	closers []func() error
}

// SetupAPI builds the coordinator from cfg. The caller owns the returned API
// and must Close it.
func SetupAPI(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*API, error) {
	a := &API{
		Config:  cfg,
		Logger:  logger,
		Metrics: prometheus.NewRegistry(),
		Tokens:  auth.NewTokenService(cfg.Security.JWTSecret, cfg.Security.JWTIssuer),
	}
	a.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.setup(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *API) setup(ctx context.Context) error {
	cfg := a.Config

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		var err error
		if awsCfg, err = loadAWSConfig(ctx, cfg.AWS); err != nil {
			return err
		}
	}

	if err := a.setupStore(ctx); err != nil {
		return err
	}
	if err := a.setupLedger(awsCfg); err != nil {
		return err
	}

	var objects storage.S3Client = storage.NewMemoryClient()
	if cfg.Documents.Mode == "s3" {
		objects = storage.NewS3Client(s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
				o.UsePathStyle = true
			}
		}))
	}
	a.Documents = documents.NewContentStore(objects, cfg.Documents.Bucket, cfg.Documents.MaxSize, a.Logger)

	sinks := []alerts.Sink{alerts.NewLogSink(a.Logger)}
	if cfg.Alerts.SNSTopicARN != "" {
		sink, err := alerts.NewSNSSink(sns.NewFromConfig(awsCfg, func(o *sns.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		}), cfg.Alerts.SNSTopicARN)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Alerts.SESFrom != "" {
		sink, err := alerts.NewSESSink(sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		}), cfg.Alerts.SESFrom, cfg.Alerts.SESTo)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}
	a.Alerts = alerts.NewEngine(cfg.Alerts.Cooldown, a.Logger, sinks...)

	a.Events = websocket.NewManager(cfg.Server.AllowedOrigins, a.Logger)
	a.closers = append(a.closers, func() error { a.Events.Close(); return nil })

	locks := keylock.New()
	a.Issuance = issuance.NewCoordinator(a.Store, a.Ledger, locks, a.Events, a.Logger)
	a.IssuanceWorker = issuance.NewWorker(a.Issuance, a.Store, a.Logger, issuance.WorkerConfig{
		QueueSize:     cfg.Issuance.QueueSize,
		MaxConcurrent: cfg.Issuance.MaxConcurrent,
		SweepInterval: cfg.Issuance.SweepInterval,
	})
	a.Verification = verification.NewService(a.Store, a.Documents, a.IssuanceWorker, a.Events, a.Logger)
	a.Trading = trading.NewCoordinator(a.Store, a.Ledger, locks, a.Events, a.Logger)
	a.Retirement = retirement.NewCoordinator(a.Store, a.Ledger, locks, a.Documents,
		pdf.NewGenerator(cfg.Documents.CertificateIssuer), a.Events, a.Logger)

	a.Reconciliation = reconciliation.NewLoop(a.Store, a.Ledger,
		reconciliation.Appliers{Mint: a.Issuance, Transfers: a.Trading, Retirements: a.Retirement},
		a.Alerts, a.Events, reconciliation.NewMetrics(a.Metrics), a.Logger,
		reconciliation.Config{
			Interval:    cfg.Reconciliation.Interval,
			StaleAfter:  cfg.Reconciliation.StaleAfter,
			Concurrency: cfg.Reconciliation.Concurrency,
		})

	repo, err := a.reportsRepository()
	if err != nil {
		return err
	}
	a.Reports = reports.NewService(repo, a.Logger)
	audit := scheduler.DefaultAuditConfig()
	if cfg.Reports.AuditCron != "" {
		audit.CronExpression = cfg.Reports.AuditCron
	}
	a.Audit = scheduler.NewAuditManager(a.Reports, a.Alerts, a.Logger, audit)
	return nil
}

func (a *API) setupStore(ctx context.Context) error {
	db := a.Config.Database
	if db.Driver != "postgres" {
		a.Store = registry.NewMemoryStore()
		return nil
	}

	gormDB, err := registry.OpenPostgres(db.GetDatabaseURL(), db.MaxConnections, db.MaxIdleConns, db.MaxLifetime)
	if err != nil {
		return fmt.Errorf("failed to connect to registry database: %w", err)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	store := registry.NewPostgresStore(gormDB)
	if db.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate registry: %w", err)
		}
	}
	a.Store = store
	return nil
}

func (a *API) setupLedger(awsCfg aws.Config) error {
	cfg := a.Config
	var client ledger.Client
	switch cfg.Ledger.Mode {
	case "gateway":
		gw, err := ledger.NewGatewayClient(ledger.GatewayConfig{
			BaseURL: cfg.Ledger.GatewayURL,
			APIKey:  cfg.Ledger.APIKey,
			Timeout: cfg.Ledger.Timeout,
		}, a.Logger)
		if err != nil {
			return err
		}
		client = gw
	default:
		var opts []ledger.SimulatorOption
		if cfg.Ledger.AutoConfirm > 0 {
			opts = append(opts, ledger.WithAutoConfirm(cfg.Ledger.AutoConfirm))
		}
		a.Simulator = ledger.NewSimulator(opts...)
		client = a.Simulator
	}

	if cfg.Journal.Table != "" {
		journal, err := ledger.NewDynamoJournal(dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		}), cfg.Journal.Table)
		if err != nil {
			return err
		}
		client = ledger.NewJournalingClient(client, journal, a.Logger)
	}
	a.Ledger = client
	return nil
}

// reportsRepository uses a direct SQL aggregate against Postgres and falls
// back to walking the registry otherwise.
func (a *API) reportsRepository() (reports.Repository, error) {
	db := a.Config.Database
	if db.Driver != "postgres" {
		return reports.NewRegistryRepository(a.Store), nil
	}
	sqlxDB, err := reports.OpenPostgres(db.GetDatabaseURL(), db.MaxConnections, db.MaxLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to connect reports database: %w", err)
	}
	a.closers = append(a.closers, sqlxDB.Close)
	return reports.NewPostgresRepository(sqlxDB), nil
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	return awsCfg, nil
}

// Close releases connections in reverse order of acquisition
func (a *API) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
