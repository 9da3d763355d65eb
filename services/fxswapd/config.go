package fxswapd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"fxsettle/services/fxswapd/orders"
	"fxsettle/services/fxswapd/rates"
)

// Duration wraps time.Duration so YAML and TOML files can use "30s" style values.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for fxswapd.
type Config struct {
	ListenAddress string           `yaml:"listen" toml:"listen"`
	Environment   string           `yaml:"environment" toml:"environment"`
	Log           LogConfig        `yaml:"log" toml:"log"`
	Database      DatabaseConfig   `yaml:"database" toml:"database"`
	Chain         ChainConfig      `yaml:"chain" toml:"chain"`
	Treasury      TreasuryConfig   `yaml:"treasury" toml:"treasury"`
	Rates         RatesConfig      `yaml:"rates" toml:"rates"`
	Providers     ProvidersConfig  `yaml:"providers" toml:"providers"`
	Settlement    SettlementConfig `yaml:"settlement" toml:"settlement"`
	Recon         ReconConfig      `yaml:"recon" toml:"recon"`
	Admin         AdminConfig      `yaml:"admin" toml:"admin"`
}

// LogConfig controls the structured log sink.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// DatabaseConfig selects the order store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
	// Path is a sqlite file used when DSN is empty.
	Path string `yaml:"path" toml:"path"`
}

// ChainConfig configures the treasury hot wallet and its RPC endpoint.
type ChainConfig struct {
	Endpoint      string        `yaml:"endpoint" toml:"endpoint"`
	NativeAsset   string        `yaml:"native_asset" toml:"native_asset"`
	KeystorePath  string        `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string        `yaml:"passphrase_env" toml:"passphrase_env"`
	PrivateKeyEnv string        `yaml:"private_key_env" toml:"private_key_env"`
	PollInterval  Duration      `yaml:"poll_interval" toml:"poll_interval"`
	Tokens        []TokenConfig `yaml:"tokens" toml:"tokens"`
}

// TokenConfig registers an ERC-20 payout asset.
type TokenConfig struct {
	Symbol   string `yaml:"symbol" toml:"symbol"`
	Address  string `yaml:"address" toml:"address"`
	Decimals uint8  `yaml:"decimals" toml:"decimals"`
}

// TreasuryConfig points at the per-asset treasury policies.
type TreasuryConfig struct {
	PoliciesPath string `yaml:"policies" toml:"policies"`
	// GasFloor is the native balance kept in reserve for fees.
	GasFloor string `yaml:"gas_floor" toml:"gas_floor"`
	// NetworkFees is a flat per-asset deduction from every payout.
	NetworkFees map[string]string `yaml:"network_fees" toml:"network_fees"`
}

// RatesConfig configures the rate aggregator and its sources.
type RatesConfig struct {
	TTL           Duration           `yaml:"ttl" toml:"ttl"`
	SourceTimeout Duration           `yaml:"source_timeout" toml:"source_timeout"`
	Sources       []RateSourceConfig `yaml:"sources" toml:"sources"`
	Confidence    map[string]string  `yaml:"confidence" toml:"confidence"`
}

// RateSourceConfig describes one rate source in priority order.
type RateSourceConfig struct {
	Name      string            `yaml:"name" toml:"name"`
	Type      string            `yaml:"type" toml:"type"`
	Endpoint  string            `yaml:"endpoint" toml:"endpoint"`
	APIKey    string            `yaml:"api_key" toml:"api_key"`
	APIKeyEnv string            `yaml:"api_key_env" toml:"api_key_env"`
	Feeds     map[string]string `yaml:"feeds" toml:"feeds"`
	Assets    map[string]string `yaml:"assets" toml:"assets"`
	Rates     map[string]string `yaml:"rates" toml:"rates"`
	MaxAge    Duration          `yaml:"max_age" toml:"max_age"`
}

// ProvidersConfig configures the fiat payment providers.
type ProvidersConfig struct {
	QuoteTimeout Duration       `yaml:"quote_timeout" toml:"quote_timeout"`
	Stripe       ProviderConfig `yaml:"stripe" toml:"stripe"`
	NOWPayments  ProviderConfig `yaml:"nowpayments" toml:"nowpayments"`
	ChangeNOW    ProviderConfig `yaml:"changenow" toml:"changenow"`
	ALT5Pay      ProviderConfig `yaml:"alt5pay" toml:"alt5pay"`
}

// ProviderConfig carries the credentials of one provider.
type ProviderConfig struct {
	Enabled          bool     `yaml:"enabled" toml:"enabled"`
	BaseURL          string   `yaml:"base_url" toml:"base_url"`
	APIKey           string   `yaml:"api_key" toml:"api_key"`
	APIKeyEnv        string   `yaml:"api_key_env" toml:"api_key_env"`
	Secret           string   `yaml:"secret" toml:"secret"`
	SecretEnv        string   `yaml:"secret_env" toml:"secret_env"`
	MerchantID       string   `yaml:"merchant_id" toml:"merchant_id"`
	WebhookSecret    string   `yaml:"webhook_secret" toml:"webhook_secret"`
	WebhookSecretEnv string   `yaml:"webhook_secret_env" toml:"webhook_secret_env"`
	WebhookURL       string   `yaml:"webhook_url" toml:"webhook_url"`
	RequestsPerSec   float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst            int      `yaml:"burst" toml:"burst"`
	Timeout          Duration `yaml:"timeout" toml:"timeout"`
}

// SettlementConfig tunes the executor, dispatcher and recovery sweeper.
type SettlementConfig struct {
	Workers          int      `yaml:"workers" toml:"workers"`
	QueueSize        int      `yaml:"queue_size" toml:"queue_size"`
	DriftTolerance   string   `yaml:"drift_tolerance" toml:"drift_tolerance"`
	StaleAfter       Duration `yaml:"stale_after" toml:"stale_after"`
	ConfirmTimeout   Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	GasBufferPercent uint64   `yaml:"gas_buffer_percent" toml:"gas_buffer_percent"`
	SweepInterval    Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	RetryAfter       Duration `yaml:"retry_after" toml:"retry_after"`
	StuckAfter       Duration `yaml:"stuck_after" toml:"stuck_after"`
	PauseOnStart     bool     `yaml:"pause" toml:"pause"`
}

// ReconConfig schedules the daily treasury reconciliation.
type ReconConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	OutputDir string   `yaml:"output_dir" toml:"output_dir"`
	RunHour   int      `yaml:"run_hour" toml:"run_hour"`
	RunMinute int      `yaml:"run_minute" toml:"run_minute"`
	Window    Duration `yaml:"window" toml:"window"`
}

// AdminConfig captures security settings for the operator API.
type AdminConfig struct {
	BearerToken     string    `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string    `yaml:"bearer_token_file" toml:"bearer_token_file"`
	JWT             JWTConfig `yaml:"jwt" toml:"jwt"`
}

// JWTConfig enables HS256 operator tokens.
type JWTConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  []string `yaml:"audience" toml:"audience"`
	Secret    string   `yaml:"secret" toml:"secret"`
	SecretEnv string   `yaml:"secret_env" toml:"secret_env"`
}

// LoadConfig reads configuration from the supplied path. Files ending in .toml
// are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = orders.DriverSQLite
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join("fxswapd-data", "fxswapd.db")
	}
	if cfg.Chain.NativeAsset == "" {
		cfg.Chain.NativeAsset = "ETH"
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 3 * time.Second
	}
	if cfg.Chain.PassphraseEnv == "" {
		cfg.Chain.PassphraseEnv = "FXSWAPD_KEYSTORE_PASSPHRASE"
	}
	if cfg.Treasury.PoliciesPath == "" {
		cfg.Treasury.PoliciesPath = "services/fxswapd/policies.yaml"
	}
	if cfg.Rates.TTL.Duration == 0 {
		cfg.Rates.TTL.Duration = 30 * time.Second
	}
	if cfg.Rates.SourceTimeout.Duration == 0 {
		cfg.Rates.SourceTimeout.Duration = 10 * time.Second
	}
	if cfg.Providers.QuoteTimeout.Duration == 0 {
		cfg.Providers.QuoteTimeout.Duration = 10 * time.Second
	}
	s := &cfg.Settlement
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 256
	}
	if s.DriftTolerance == "" {
		s.DriftTolerance = "0.005"
	}
	if s.StaleAfter.Duration == 0 {
		s.StaleAfter.Duration = 30 * time.Second
	}
	if s.ConfirmTimeout.Duration == 0 {
		s.ConfirmTimeout.Duration = 10 * time.Minute
	}
	if s.GasBufferPercent == 0 {
		s.GasBufferPercent = 20
	}
	if s.SweepInterval.Duration == 0 {
		s.SweepInterval.Duration = time.Minute
	}
	if s.RetryAfter.Duration == 0 {
		s.RetryAfter.Duration = 2 * time.Minute
	}
	if s.StuckAfter.Duration == 0 {
		s.StuckAfter.Duration = 15 * time.Minute
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = filepath.Join("fxswapd-data", "recon")
	}
	if cfg.Recon.Window.Duration == 0 {
		cfg.Recon.Window.Duration = 24 * time.Hour
	}
}

func (c *Config) resolveSecrets() error {
	var err error
	if c.Database.DSN, err = fromEnv(c.Database.DSN, c.Database.DSNEnv); err != nil {
		return fmt.Errorf("database dsn: %w", err)
	}
	for i := range c.Rates.Sources {
		src := &c.Rates.Sources[i]
		if src.APIKey, err = fromEnv(src.APIKey, src.APIKeyEnv); err != nil {
			return fmt.Errorf("rate source %s: %w", src.Name, err)
		}
	}
	for name, p := range c.Providers.all() {
		if !p.Enabled {
			continue
		}
		if p.APIKey, err = fromEnv(p.APIKey, p.APIKeyEnv); err != nil {
			return fmt.Errorf("provider %s api key: %w", name, err)
		}
		if p.Secret, err = fromEnv(p.Secret, p.SecretEnv); err != nil {
			return fmt.Errorf("provider %s secret: %w", name, err)
		}
		if p.WebhookSecret, err = fromEnv(p.WebhookSecret, p.WebhookSecretEnv); err != nil {
			return fmt.Errorf("provider %s webhook secret: %w", name, err)
		}
	}
	token := strings.TrimSpace(c.Admin.BearerToken)
	if path := strings.TrimSpace(c.Admin.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	c.Admin.BearerToken = token
	if c.Admin.JWT.Enabled {
		if c.Admin.JWT.Secret, err = fromEnv(c.Admin.JWT.Secret, c.Admin.JWT.SecretEnv); err != nil {
			return fmt.Errorf("admin jwt secret: %w", err)
		}
	}
	return nil
}

// fromEnv prefers an inline value and falls back to the named environment variable.
func fromEnv(value, envVar string) (string, error) {
	value = strings.TrimSpace(value)
	envVar = strings.TrimSpace(envVar)
	if value != "" || envVar == "" {
		return value, nil
	}
	resolved := strings.TrimSpace(os.Getenv(envVar))
	if resolved == "" {
		return "", fmt.Errorf("%s is empty", envVar)
	}
	return resolved, nil
}

func (p *ProvidersConfig) all() map[string]*ProviderConfig {
	return map[string]*ProviderConfig{
		"stripe":      &p.Stripe,
		"nowpayments": &p.NOWPayments,
		"changenow":   &p.ChangeNOW,
		"alt5pay":     &p.ALT5Pay,
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Database.Driver {
	case orders.DriverSQLite:
	case orders.DriverPostgres:
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Chain.Endpoint) == "" {
		return fmt.Errorf("chain endpoint must be configured")
	}
	if cfg.Chain.KeystorePath == "" && cfg.Chain.PrivateKeyEnv == "" {
		return fmt.Errorf("configure either chain.keystore or chain.private_key_env")
	}
	for _, token := range cfg.Chain.Tokens {
		if strings.TrimSpace(token.Symbol) == "" || strings.TrimSpace(token.Address) == "" {
			return fmt.Errorf("chain tokens need a symbol and an address")
		}
	}
	if len(cfg.Rates.Sources) == 0 {
		return fmt.Errorf("at least one rate source must be configured")
	}
	for _, src := range cfg.Rates.Sources {
		switch strings.ToLower(src.Type) {
		case rates.SourceChainlink, rates.SourcePyth, rates.SourceCoinGecko, rates.SourceStatic:
		default:
			return fmt.Errorf("rate source %q has unknown type %q", src.Name, src.Type)
		}
	}
	if cfg.Admin.BearerToken == "" && !cfg.Admin.JWT.Enabled {
		return fmt.Errorf("configure either bearer_token or jwt for admin authentication")
	}
	if cfg.Admin.JWT.Enabled && (cfg.Admin.JWT.Secret == "" || cfg.Admin.JWT.Issuer == "") {
		return fmt.Errorf("admin jwt needs an issuer and a secret")
	}
	return nil
}
