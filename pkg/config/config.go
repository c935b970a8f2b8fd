package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the relayer configuration
type Config struct {
	Server      ServerConfig      `envconfig:"SERVER"`
	Database    DatabaseConfig    `envconfig:"DATABASE"`
	Ethereum    EthereumConfig    `envconfig:"ETH"`
	Casper      CasperConfig      `envconfig:"CSPR"`
	Queue       QueueConfig       `envconfig:"QUEUE"`
	Idempotency IdempotencyConfig `envconfig:"IDEMPOTENCY"`
	Redis       RedisConfig       `envconfig:"REDIS"`
	Executor    ExecutorConfig    `envconfig:"EXECUTOR"`
	Admin       AdminConfig       `envconfig:"ADMIN"`
	Monitoring  MonitoringConfig  `envconfig:"METRICS"`
	Logging     LoggingConfig     `envconfig:"LOG"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `split_words:"true" default:"0.0.0.0"`
	Port            int           `split_words:"true" default:"3000" validate:"gt=0,lte=65535"`
	ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `split_words:"true" default:"localhost" validate:"required"`
	Port     int    `split_words:"true" default:"5432" validate:"gt=0,lte=65535"`
	User     string `split_words:"true" default:"postgres"`
	Password string `split_words:"true"`
	Name     string `split_words:"true" default:"relayer" validate:"required"`
	SSLMode  string `split_words:"true" default:"disable" validate:"oneof=disable require verify-ca verify-full"`
}

// EthereumConfig contains EVM watcher settings
type EthereumConfig struct {
	RPC             string         `split_words:"true" validate:"required,url"`
	ChainID         string         `split_words:"true" default:"1" validate:"required"`
	Confirmations   int            `split_words:"true" default:"12" validate:"gte=0"`
	VaultAddress    string         `split_words:"true" validate:"omitempty,eth_addr"`
	WCSPRAddress    string         `envconfig:"WCSRP_ADDRESS" validate:"omitempty,eth_addr"`
	PollInterval    time.Duration  `split_words:"true" default:"5s" validate:"gt=0"`
	MaxBlockRange   uint64         `split_words:"true" default:"1000" validate:"gt=0"`
	StartBlock      uint64         `split_words:"true"`
	RequestTimeout  time.Duration  `split_words:"true" default:"15s" validate:"gt=0"`
	AssetDecimals   map[string]int `split_words:"true" default:"ETH:18,CSPR:9"`
	Reconnect       BackoffConfig  `split_words:"true"`
}

// CasperConfig contains Casper watcher settings
type CasperConfig struct {
	Node             string         `split_words:"true" validate:"required"`
	ChainID          string         `split_words:"true" validate:"required"`
	PollMS           int            `split_words:"true" default:"5000" validate:"gte=500"`
	FinalityDepth    int            `split_words:"true" default:"5" validate:"gte=0"`
	DeployHashPrefix string         `split_words:"true"`
	EventsPort       int            `split_words:"true" default:"9927" validate:"gt=0,lte=65535"`
	RPCPort          int            `split_words:"true" default:"7777" validate:"gt=0,lte=65535"`
	StreamIdle       time.Duration  `split_words:"true" default:"2m" validate:"gt=0"`
	AssetDecimals    map[string]int `split_words:"true" default:"CSPR:9,ETH:18"`
	Reconnect        BackoffConfig  `split_words:"true"`
}

// BackoffConfig controls watcher reconnect backoff
type BackoffConfig struct {
	Initial time.Duration `split_words:"true" default:"1s" validate:"gt=0"`
	Max     time.Duration `split_words:"true" default:"1m" validate:"gtefield=Initial"`
}

// QueueConfig contains relay queue and worker settings
type QueueConfig struct {
	Concurrency        int           `split_words:"true" default:"4" validate:"gt=0"`
	MaxAttempts        int           `split_words:"true" default:"3" validate:"gt=0"`
	BaseBackoff        time.Duration `split_words:"true" default:"1s" validate:"gt=0"`
	MaxBackoff         time.Duration `split_words:"true" default:"5m" validate:"gtefield=BaseBackoff"`
	Lease              time.Duration `split_words:"true" default:"2m" validate:"gtfield=HandlerTimeout"`
	HandlerTimeout     time.Duration `split_words:"true" default:"1m" validate:"gt=0"`
	PollInterval       time.Duration `split_words:"true" default:"1s" validate:"gt=0"`
	CompletedRetention time.Duration `split_words:"true" default:"24h" validate:"gt=0"`
	FailedRetention    time.Duration `split_words:"true" validate:"gte=0"`
	PruneInterval      time.Duration `split_words:"true" default:"10m" validate:"gt=0"`
}

// IdempotencyConfig selects and tunes the idempotency store
type IdempotencyConfig struct {
	Backend    string        `split_words:"true" default:"postgres" validate:"oneof=postgres redis"`
	StaleAfter time.Duration `split_words:"true" default:"10m" validate:"gt=0"`
}

// RedisConfig contains redis connection settings
type RedisConfig struct {
	URL       string `split_words:"true" validate:"omitempty,url"`
	KeyPrefix string `split_words:"true" default:"relayer:idem:"`
	MaxIdle   int    `split_words:"true" default:"5" validate:"gt=0"`
}

// ExecutorConfig configures the destination chain action executor
type ExecutorConfig struct {
	URL       string        `split_words:"true" validate:"omitempty,url"`
	AuthToken string        `split_words:"true"`
	Timeout   time.Duration `split_words:"true" default:"30s" validate:"gt=0"`
}

// AdminConfig protects the operator endpoints. They are open when JWKSURL is
// empty.
type AdminConfig struct {
	JWKSURL   string `envconfig:"JWKS_URL" validate:"omitempty,url"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled bool `split_words:"true" default:"true"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `split_words:"true" default:"info"`
	Format     string `split_words:"true" default:"json" validate:"oneof=json console"`
	OutputPath string `split_words:"true"`
}

// Load reads the configuration from the process environment. When path points
// to an existing YAML file, its top-level keys are treated as environment
// variable names and fill in variables that are not already set.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := loadEnvFile(path); err != nil {
			return nil, err
		}
	}

	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	values := map[string]any{}
	if err := yaml.NewDecoder(f).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config file: %w", err)
	}

	for key, value := range values {
		key = strings.ToUpper(key)
		if _, set := os.LookupEnv(key); set || value == nil {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(value)); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Idempotency.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when IDEMPOTENCY_BACKEND=redis")
	}
	if c.Ethereum.ChainID == c.Casper.ChainID {
		return fmt.Errorf("ETH_CHAIN_ID and CSPR_CHAIN_ID must differ")
	}
	return nil
}

// EventsURL returns the node event stream endpoint.
func (c *CasperConfig) EventsURL() string {
	return c.nodeURL(c.EventsPort, "/events/main")
}

// RPCURL returns the node JSON-RPC endpoint.
func (c *CasperConfig) RPCURL() string {
	return c.nodeURL(c.RPCPort, "/rpc")
}

// PollInterval returns CSPR_POLL_MS as a duration.
func (c *CasperConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMS) * time.Millisecond
}

// nodeURL accepts either a bare host or a URL for CSPR_NODE; the port is always
// taken from configuration.
func (c *CasperConfig) nodeURL(port int, path string) string {
	scheme, host := "http", c.Node
	if strings.Contains(c.Node, "://") {
		if u, err := url.Parse(c.Node); err == nil {
			scheme, host = u.Scheme, u.Hostname()
		}
	} else if h, _, found := strings.Cut(c.Node, ":"); found {
		host = h
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, port, path)
}

// DSN returns the postgres connection string.
func (c *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}
