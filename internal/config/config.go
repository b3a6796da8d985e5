// Package config loads the engine's TOML configuration, layers environment
// overrides on top, and validates the result.
package config

import (
	"time"
)

// Config is the root of config.toml. Fields marked secret are masked by
// RedactedConfig.
type Config struct {
	Venues      []VenueConfig   `toml:"venues" validate:"min=2,dive"`
	Instruments []string        `toml:"instruments" validate:"min=1,dive,required"`
	Arbitrage   ArbitrageConfig `toml:"arbitrage"`
	Risk        RiskConfig      `toml:"risk"`
	Execution   ExecutionConfig `toml:"execution"`
	Supabase    SupabaseConfig  `toml:"supabase"`
	Redis       RedisConfig     `toml:"redis"`
	S3          S3Config        `toml:"s3"`
	Archive     ArchiveConfig   `toml:"archive"`
	Server      ServerConfig    `toml:"server"`
	Notify      NotifyConfig    `toml:"notify"`
	Mode        string          `toml:"mode" validate:"oneof=live paper monitor"`
	LogLevel    string          `toml:"log_level" validate:"oneof=debug info warn error"`
	LogFile     string          `toml:"log_file"`
}

// VenueConfig describes one venue: where its quotes come from, where orders
// go, and how it charges.
type VenueConfig struct {
	Name string `toml:"name" validate:"required"`
	// Kind selects the adapter: "paper" (in-process simulator) or "ws"
	// (websocket quote feed plus REST order entry).
	Kind          string  `toml:"kind" validate:"oneof=paper ws"`
	FeedURL       string  `toml:"feed_url" validate:"required_if=Kind ws"`
	ExecURL       string  `toml:"exec_url"`
	ReportsURL    string  `toml:"reports_url"`
	FeeBps        float64 `toml:"fee_bps" validate:"gte=0"`
	PositionLimit float64 `toml:"position_limit" validate:"gte=0"`
	// OrdersPerSecond caps submissions through the shared rate limiter. Zero
	// disables limiting for the venue.
	OrdersPerSecond int `toml:"orders_per_second" validate:"gte=0"`

	ApiKey        string `toml:"api_key" secret:"true" validate:"required_with=ApiSecret"`
	ApiSecret     string `toml:"api_secret" secret:"true" validate:"required_with=ApiKey"`
	ApiPassphrase string `toml:"api_passphrase" secret:"true"`

	// Wallet-authenticated venues sign orders with an EIP-712 key instead of
	// an API secret.
	PrivateKey       string `toml:"private_key" secret:"true"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password" secret:"true" validate:"required_with=EncryptedKeyPath"`
	ChainID          int64  `toml:"chain_id" validate:"gte=0"`

	Paper PaperConfig `toml:"paper"`
}

// PaperConfig parameterises the simulated venue.
type PaperConfig struct {
	Mid          map[string]float64 `toml:"mid"`
	SpreadBps    float64            `toml:"spread_bps" validate:"gte=0"`
	JitterBps    float64            `toml:"jitter_bps" validate:"gte=0"`
	Depth        float64            `toml:"depth" validate:"gte=0"`
	TickInterval duration           `toml:"tick_interval" validate:"gte=0"`
	Balance      float64            `toml:"balance" validate:"gte=0"`
	// FillRatio is the fraction of each order the simulator fills. Unset
	// means 1.
	FillRatio float64 `toml:"fill_ratio" validate:"gte=0,lte=1"`
	// RejectAll makes the simulator decline every order.
	RejectAll bool `toml:"reject_all"`
}

type ArbitrageConfig struct {
	// MinEdge is the per-unit net edge, in quote currency, an opportunity must
	// strictly exceed.
	MinEdge      float64  `toml:"min_edge" validate:"gte=0"`
	MaxQuoteAge  duration `toml:"max_quote_age" validate:"gt=0"`
	SlippageBps  float64  `toml:"slippage_bps" validate:"gte=0"`
	MaxTradeSize float64  `toml:"max_trade_size" validate:"gt=0"`
	EvalInterval duration `toml:"eval_interval" validate:"gt=0"`
	// BalanceFraction caps trade size at this share of the smaller venue
	// balance when both venues report one.
	BalanceFraction float64 `toml:"balance_fraction" validate:"gt=0,lte=1"`
}

type RiskConfig struct {
	PositionLimit     float64 `toml:"position_limit" validate:"gt=0"`
	KillSwitchLossUSD float64 `toml:"kill_switch_loss_usd" validate:"gt=0"`
	// DistributedLocks takes a redis lock per instrument and venue pair
	// before dispatching, for engines sharing venues.
	DistributedLocks bool     `toml:"distributed_locks"`
	LockTTL          duration `toml:"lock_ttl" validate:"gte=0"`
}

type ExecutionConfig struct {
	MaxSubmitRetries int      `toml:"max_submit_retries" validate:"gte=0"`
	RetryBackoff     duration `toml:"retry_backoff" validate:"gte=0"`
	RetryBackoffMax  duration `toml:"retry_backoff_max" validate:"gte=0"`
	AckTimeout       duration `toml:"ack_timeout" validate:"gt=0"`
	FillDeadline     duration `toml:"fill_deadline" validate:"gt=0"`
	DrainTimeout     duration `toml:"drain_timeout" validate:"gt=0"`
	UnwindEnabled    bool     `toml:"unwind_enabled"`
}

// SupabaseConfig locates the Postgres journal, either by DSN or by parts.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn" secret:"true"`
	Host          string `toml:"host"`
	Port          int    `toml:"port" validate:"gte=0,lte=65535"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password" secret:"true"`
	SSLMode       string `toml:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	PoolMaxConns  int    `toml:"pool_max_conns" validate:"gte=0"`
	PoolMinConns  int    `toml:"pool_min_conns" validate:"gte=0"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Addr may be host:port or a
// redis:// URL.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr" validate:"required_if=Enabled true"`
	Password   string   `toml:"password" secret:"true"`
	DB         int      `toml:"db" validate:"gte=0"`
	PoolSize   int      `toml:"pool_size" validate:"gte=0"`
	MaxRetries int      `toml:"max_retries" validate:"gte=-1"`
	TLSEnabled bool     `toml:"tls_enabled"`
	QuoteTTL   duration `toml:"quote_ttl" validate:"gte=0"`
}

// S3Config holds S3-compatible object storage parameters. Without an access
// key the AWS default credential chain is used.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region" validate:"required_if=Enabled true"`
	Bucket         string `toml:"bucket" validate:"required_if=Enabled true"`
	AccessKey      string `toml:"access_key" secret:"true" validate:"required_with=SecretKey"`
	SecretKey      string `toml:"secret_key" secret:"true" validate:"required_with=AccessKey"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls moving old journal rows to object storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days" validate:"gte=0"`
	Interval      duration `toml:"interval" validate:"gte=0"`
}

type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port" validate:"required_if=Enabled true,gte=0,lte=65535"`
	AuthToken   string   `toml:"auth_token" secret:"true"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig selects the alert channels. A channel is on when its
// credentials are set.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" secret:"true" validate:"required_with=TelegramChatID"`
	TelegramChatID    string   `toml:"telegram_chat_id" validate:"required_with=TelegramToken"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" secret:"true" validate:"omitempty,url"`
	Events            []string `toml:"events"`
	// Cooldown suppresses repeats of the same alert.
	Cooldown duration `toml:"cooldown" validate:"gte=0"`
}

// duration decodes TOML strings such as "5m" or "250ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults mirrors config.example.toml.
func Defaults() Config {
	return Config{
		Instruments: []string{"BTC-USD"},
		Arbitrage: ArbitrageConfig{
			MinEdge:         0.10,
			MaxQuoteAge:     duration{5 * time.Second},
			MaxTradeSize:    1,
			EvalInterval:    duration{time.Second},
			BalanceFraction: 0.5,
		},
		Risk: RiskConfig{
			PositionLimit:     5,
			KillSwitchLossUSD: 100,
			LockTTL:           duration{30 * time.Second},
		},
		Execution: ExecutionConfig{
			MaxSubmitRetries: 3,
			RetryBackoff:     duration{250 * time.Millisecond},
			RetryBackoffMax:  duration{2 * time.Second},
			AckTimeout:       duration{3 * time.Second},
			FillDeadline:     duration{10 * time.Second},
			DrainTimeout:     duration{15 * time.Second},
			UnwindEnabled:    true,
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			QuoteTTL:   duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "simplearb-journal",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events:   []string{"partial_fill", "unwind_failed", "late_fill", "kill_switch", "feed_down", "shutdown"},
			Cooldown: duration{time.Minute},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// Venue returns the configuration of the named venue.
func (c *Config) Venue(name string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.Name == name {
			return v, true
		}
	}
	return VenueConfig{}, false
}

// FeeBps returns the per-venue fee rates keyed by venue name.
func (c *Config) FeeBps() map[string]float64 {
	out := make(map[string]float64, len(c.Venues))
	for _, v := range c.Venues {
		out[v.Name] = v.FeeBps
	}
	return out
}
