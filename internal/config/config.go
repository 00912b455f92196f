package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config represents the application configuration
type Config struct {
	Server         ServerConfig         `json:"server"`
	Database       DatabaseConfig       `json:"database"`
	Ledger         LedgerConfig         `json:"ledger"`
	Reconciliation ReconciliationConfig `json:"reconciliation"`
	Issuance       IssuanceConfig       `json:"issuance"`
	Documents      DocumentsConfig      `json:"documents"`
	Alerts         AlertsConfig         `json:"alerts"`
	Journal        JournalConfig        `json:"journal"`
	Reports        ReportsConfig        `json:"reports"`
	AWS            AWSConfig            `json:"aws"`
	Security       SecurityConfig       `json:"security"`
	Logging        LoggingConfig        `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	GinMode         string        `json:"gin_mode"`
}

// DatabaseConfig represents database configuration. Driver "memory" keeps
// the registry in process.
type DatabaseConfig struct {
	Driver         string        `json:"driver"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
	AutoMigrate    bool          `json:"auto_migrate"`
}

// LedgerConfig selects the token ledger. Mode "simulator" runs the in-memory
// ledger, "gateway" talks to the chain relayer.
type LedgerConfig struct {
	Mode        string        `json:"mode"`
	GatewayURL  string        `json:"gateway_url"`
	APIKey      string        `json:"api_key"`
	Timeout     time.Duration `json:"timeout"`
	AutoConfirm time.Duration `json:"auto_confirm"`
}

type ReconciliationConfig struct {
	Interval    time.Duration `json:"interval"`
	StaleAfter  time.Duration `json:"stale_after"`
	Concurrency int           `json:"concurrency"`
}

type IssuanceConfig struct {
	QueueSize     int           `json:"queue_size"`
	MaxConcurrent int           `json:"max_concurrent"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DocumentsConfig selects document storage. Mode "memory" or "s3".
type DocumentsConfig struct {
	Mode              string `json:"mode"`
	Bucket            string `json:"bucket"`
	MaxSize           int64  `json:"max_size"`
	CertificateIssuer string `json:"certificate_issuer"`
}

type AlertsConfig struct {
	Cooldown    time.Duration `json:"cooldown"`
	SNSTopicARN string        `json:"sns_topic_arn"`
	SESFrom     string        `json:"ses_from"`
	SESTo       []string      `json:"ses_to"`
}

// JournalConfig enables the DynamoDB submission journal when Table is set
type JournalConfig struct {
	Table string `json:"table"`
}

type ReportsConfig struct {
	AuditCron string `json:"audit_cron"`
}

// AWSConfig holds optional static credentials and an endpoint override for
// local stacks. Empty values fall back to the default credential chain.
type AWSConfig struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Endpoint        string `json:"endpoint"`
}

// SecurityConfig
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Default returns the configuration used when no file or environment
// overrides are present: an in-memory registry against the ledger simulator.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			GinMode:         "release",
		},
		Database: DatabaseConfig{
			Driver:         "memory",
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "carbon_registry",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    30 * time.Minute,
			AutoMigrate:    true,
		},
		Ledger: LedgerConfig{
			Mode:    "simulator",
			Timeout: 10 * time.Second,
		},
		Reconciliation: ReconciliationConfig{
			Interval:    15 * time.Second,
			StaleAfter:  10 * time.Minute,
			Concurrency: 8,
		},
		Issuance: IssuanceConfig{
			QueueSize:     256,
			MaxConcurrent: 4,
			SweepInterval: time.Minute,
		},
		Documents: DocumentsConfig{
			Mode:              "memory",
			Bucket:            "carbon-registry-documents",
			MaxSize:           25 << 20,
			CertificateIssuer: "CarbonScribe Registry",
		},
		Alerts: AlertsConfig{
			Cooldown: time.Hour,
		},
		Reports: ReportsConfig{
			AuditCron: "@hourly",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Security: SecurityConfig{
			JWTIssuer: "carbon-scribe",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from .env, the JSON file and environment
// variables, in increasing order of precedence.
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
	}

	str("SERVER_HOST", &config.Server.Host)
	num("SERVER_PORT", &config.Server.Port)
	list("SERVER_ALLOWED_ORIGINS", &config.Server.AllowedOrigins)
	str("GIN_MODE", &config.Server.GinMode)

	str("DATABASE_DRIVER", &config.Database.Driver)
	str("DATABASE_HOST", &config.Database.Host)
	num("DATABASE_PORT", &config.Database.Port)
	str("DATABASE_USER", &config.Database.User)
	str("DATABASE_PASSWORD", &config.Database.Password)
	str("DATABASE_DBNAME", &config.Database.DBName)
	str("DATABASE_SSLMODE", &config.Database.SSLMode)

	str("LEDGER_MODE", &config.Ledger.Mode)
	str("LEDGER_GATEWAY_URL", &config.Ledger.GatewayURL)
	str("LEDGER_API_KEY", &config.Ledger.APIKey)
	dur("LEDGER_TIMEOUT", &config.Ledger.Timeout)
	dur("LEDGER_AUTO_CONFIRM", &config.Ledger.AutoConfirm)

	dur("RECONCILIATION_INTERVAL", &config.Reconciliation.Interval)
	dur("RECONCILIATION_STALE_AFTER", &config.Reconciliation.StaleAfter)
	num("RECONCILIATION_CONCURRENCY", &config.Reconciliation.Concurrency)

	str("DOCUMENTS_MODE", &config.Documents.Mode)
	str("DOCUMENTS_BUCKET", &config.Documents.Bucket)

	dur("ALERTS_COOLDOWN", &config.Alerts.Cooldown)
	str("ALERTS_SNS_TOPIC_ARN", &config.Alerts.SNSTopicARN)
	str("ALERTS_SES_FROM", &config.Alerts.SESFrom)
	list("ALERTS_SES_TO", &config.Alerts.SESTo)

	str("JOURNAL_TABLE", &config.Journal.Table)
	str("REPORTS_AUDIT_CRON", &config.Reports.AuditCron)

	str("AWS_REGION", &config.AWS.Region)
	str("AWS_ACCESS_KEY_ID", &config.AWS.AccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &config.AWS.SecretAccessKey)
	str("AWS_ENDPOINT_URL", &config.AWS.Endpoint)

	str("JWT_SECRET", &config.Security.JWTSecret)
	str("JWT_ISSUER", &config.Security.JWTIssuer)
	str("LOG_LEVEL", &config.Logging.Level)

	return errors.Join(errs...)
}

// Validate rejects combinations the service cannot start with
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be memory or postgres, got %q", c.Database.Driver))
	}
	switch c.Ledger.Mode {
	case "simulator":
	case "gateway":
		if c.Ledger.GatewayURL == "" {
			errs = append(errs, errors.New("ledger.gateway_url is required in gateway mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.mode must be simulator or gateway, got %q", c.Ledger.Mode))
	}
	switch c.Documents.Mode {
	case "memory":
	case "s3":
		if c.Documents.Bucket == "" {
			errs = append(errs, errors.New("documents.bucket is required in s3 mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("documents.mode must be memory or s3, got %q", c.Documents.Mode))
	}
	if c.Security.JWTSecret == "" {
		errs = append(errs, errors.New("security.jwt_secret is required"))
	}
	if c.Alerts.SESFrom != "" && len(c.Alerts.SESTo) == 0 {
		errs = append(errs, errors.New("alerts.ses_to is required when alerts.ses_from is set"))
	}
	return errors.Join(errs...)
}

// NeedsAWS reports whether any configured component talks to AWS
func (c *Config) NeedsAWS() bool {
	return c.Documents.Mode == "s3" || c.Journal.Table != "" || c.Alerts.SNSTopicARN != "" || c.Alerts.SESFrom != ""
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewLogger builds the zap logger described by c
func (c LoggingConfig) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}
