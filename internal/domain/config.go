package domain

import "time"

// Config holds the complete codremit configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure choices
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Lock       LockConfig       `json:"lock"`

	// Domain policy knobs
	Recon       ReconConfig       `json:"recon"`
	Discrepancy DiscrepancyConfig `json:"discrepancy"`
	Risk        RiskConfig        `json:"risk"`
	Remit       RemitConfig       `json:"remit"`
	Payout      PayoutConfig      `json:"payout"`
	Ingest      IngestConfig      `json:"ingest"`
	Forecast    ForecastConfig    `json:"forecast"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ReconConfig holds reconciliation tolerances.
type ReconConfig struct {
	// AbsoluteTolerance in paise. Variances at or under both tolerances are
	// auto-accepted with an annotation.
	AbsoluteTolerance int64   `json:"absoluteTolerance"`
	PercentTolerance  float64 `json:"percentTolerance"`

	// MaxRetries bounds optimistic-concurrency retries per report.
	MaxRetries int `json:"maxRetries"`
}

// DiscrepancyConfig holds workflow deadlines.
type DiscrepancyConfig struct {
	// ResolutionDays is the window before auto-acceptance on timeout.
	ResolutionDays int `json:"resolutionDays"`

	// SweepInterval is how often the timeout sweeper runs.
	SweepInterval time.Duration `json:"sweepInterval"`
}

// RiskConfig holds scorer cache settings.
type RiskConfig struct {
	// PincodeCacheTTL bounds staleness of cached pincode RTO rates.
	PincodeCacheTTL time.Duration `json:"pincodeCacheTTL"`
}

// RemitConfig holds batching fees.
type RemitConfig struct {
	// PlatformFeePct applies to every batch regardless of tier.
	PlatformFeePct float64 `json:"platformFeePct"`

	// ShippingRecovery is the flat per-shipment shipping cost deduction
	// in paise.
	ShippingRecovery int64 `json:"shippingRecovery"`

	// BatchLockTTL bounds the per-account batch construction lock.
	BatchLockTTL time.Duration `json:"batchLockTtl"`
}

// PayoutConfig holds provider call policy.
type PayoutConfig struct {
	ProviderURL string        `json:"providerUrl"`
	CallTimeout time.Duration `json:"callTimeout"`
	MaxAttempts int           `json:"maxAttempts"`
	BackoffBase time.Duration `json:"backoffBase"`
	LockTTL     time.Duration `json:"lockTtl"`
}

// IngestConfig holds ingestion adapter settings.
type IngestConfig struct {
	// FileWorkers caps bulk-file row fan-out.
	FileWorkers int `json:"fileWorkers"`

	// PollInterval drives the carrier poll scheduler.
	PollInterval time.Duration `json:"pollInterval"`

	// LookupRecheck is the base delay before re-checking an unknown AWB.
	LookupRecheck time.Duration `json:"lookupRecheck"`
}

// ForecastConfig holds analytics alerting thresholds.
type ForecastConfig struct {
	// DiscrepancyAlertPct is the discrepancy rate (0-100) above which an
	// operational alert is raised.
	DiscrepancyAlertPct float64 `json:"discrepancyAlertPct"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is the single-node tier: SQLite + channels + local locks
	TierCommunity Tier = "community"

	// TierPro is the multi-node tier: PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./codremit.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Lock: LockConfig{
			Type: "local",
		},
		Recon: ReconConfig{
			AbsoluteTolerance: 1000, // Rs 10
			PercentTolerance:  0.01,
			MaxRetries:        3,
		},
		Discrepancy: DiscrepancyConfig{
			ResolutionDays: 7,
			SweepInterval:  time.Hour,
		},
		Risk: RiskConfig{
			PincodeCacheTTL: 6 * time.Hour,
		},
		Remit: RemitConfig{
			PlatformFeePct:   0.02,
			ShippingRecovery: 4000, // Rs 40 per shipment
			BatchLockTTL:     time.Minute,
		},
		Payout: PayoutConfig{
			CallTimeout: 15 * time.Second,
			MaxAttempts: 4,
			BackoffBase: 500 * time.Millisecond,
			LockTTL:     2 * time.Minute,
		},
		Ingest: IngestConfig{
			FileWorkers:   16,
			PollInterval:  15 * time.Minute,
			LookupRecheck: 10 * time.Minute,
		},
		Forecast: ForecastConfig{
			DiscrepancyAlertPct: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "codremit",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "codremit",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Lock = LockConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
