// Package config loads service settings from MARKETCORE_* environment
// variables and market-type presets from a TOML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"MarketCore/internal/core"
	"MarketCore/internal/curve"
	"MarketCore/internal/fee"
	fpmath "MarketCore/internal/math"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the runtime configuration of cmd/marketcore
type Config struct {
	LogLevel string `env:"MARKETCORE_LOG_LEVEL" envDefault:"info"`

	PostgresURL   string `env:"MARKETCORE_POSTGRES_URL" envDefault:"postgres://localhost:5432/marketcore?sslmode=disable"`
	MigrationsDir string `env:"MARKETCORE_MIGRATIONS_DIR" envDefault:"migrations"`
	AutoMigrate   bool   `env:"MARKETCORE_AUTO_MIGRATE" envDefault:"true"`

	// Empty NATSURL disables event publishing
	NATSURL      string        `env:"MARKETCORE_NATS_URL"`
	StreamMaxAge time.Duration `env:"MARKETCORE_STREAM_MAX_AGE" envDefault:"72h"`

	// Empty RedisAddr disables the cross-replica aggregate guard
	RedisAddr     string        `env:"MARKETCORE_REDIS_ADDR"`
	RedisPassword string        `env:"MARKETCORE_REDIS_PASSWORD"`
	RedisDB       int           `env:"MARKETCORE_REDIS_DB" envDefault:"0"`
	LockTTL       time.Duration `env:"MARKETCORE_LOCK_TTL" envDefault:"5s"`
	LockWait      time.Duration `env:"MARKETCORE_LOCK_WAIT" envDefault:"250ms"`

	GRPCAddr    string `env:"MARKETCORE_GRPC_ADDR" envDefault:":9090"`
	HTTPAddr    string `env:"MARKETCORE_HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"MARKETCORE_METRICS_ADDR" envDefault:":9100"`

	PersistChanSize     int           `env:"MARKETCORE_PERSIST_CHAN_SIZE" envDefault:"4096"`
	PublishChanSize     int           `env:"MARKETCORE_PUBLISH_CHAN_SIZE" envDefault:"4096"`
	PersistBatchSize    int           `env:"MARKETCORE_PERSIST_BATCH_SIZE" envDefault:"256"`
	PersistFlushTimeout time.Duration `env:"MARKETCORE_PERSIST_FLUSH_TIMEOUT" envDefault:"50ms"`

	SweepInterval    time.Duration `env:"MARKETCORE_SWEEP_INTERVAL" envDefault:"30s"`
	SnapshotInterval time.Duration `env:"MARKETCORE_SNAPSHOT_INTERVAL" envDefault:"5m"`
	SnapshotKeep     int           `env:"MARKETCORE_SNAPSHOT_KEEP" envDefault:"10"`
	ShutdownTimeout  time.Duration `env:"MARKETCORE_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Empty PresetsFile uses DefaultPresets
	PresetsFile string `env:"MARKETCORE_PRESETS_FILE"`

	Presets Presets `env:"-"`
}

// Presets are the per-market-type pricing defaults
type Presets struct {
	MarketTypes []MarketTypePreset `toml:"market_type"`
	Curve       CurvePreset        `toml:"curve"`
}

// MarketTypePreset configures one market type. VirtualLiquidity is in whole
// units, e.g. "5000".
type MarketTypePreset struct {
	Name             string        `toml:"name"`
	VirtualLiquidity string        `toml:"virtual_liquidity"`
	FeeBps           uint64        `toml:"fee_bps"`
	PlatformBps      uint64        `toml:"platform_bps"`
	CreatorBps       uint64        `toml:"creator_bps"`
	Outcomes         []string      `toml:"outcomes"`
	Duration         time.Duration `toml:"duration"`
}

// CurvePreset is the default configuration for new creator curves
type CurvePreset struct {
	PriceScale  uint64 `toml:"price_scale"`
	MaxSupply   uint64 `toml:"max_supply"`
	FeeBps      uint64 `toml:"fee_bps"`
	PlatformBps uint64 `toml:"platform_bps"`
	CreatorBps  uint64 `toml:"creator_bps"`
}

// DefaultPresets returns the built-in market types and curve defaults
func DefaultPresets() Presets {
	return Presets{
		MarketTypes: []MarketTypePreset{
			{
				Name:             "binary",
				VirtualLiquidity: "5000",
				FeeBps:           150,
				PlatformBps:      50,
				CreatorBps:       50,
				Outcomes:         []string{"YES", "NO"},
				Duration:         7 * 24 * time.Hour,
			},
			{
				Name:             "multi",
				VirtualLiquidity: "2000",
				FeeBps:           200,
				PlatformBps:      100,
				CreatorBps:       50,
				Duration:         30 * 24 * time.Hour,
			},
		},
		Curve: CurvePreset{
			PriceScale:  1400,
			MaxSupply:   1_000_000,
			FeeBps:      500,
			PlatformBps: 250,
			CreatorBps:  250,
		},
	}
}

// Load reads an optional .env file, parses the environment, then loads
// presets. The result is validated.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Presets = DefaultPresets()
	if cfg.PresetsFile != "" {
		presets, err := LoadPresets(cfg.PresetsFile)
		if err != nil {
			return nil, err
		}
		cfg.Presets = presets
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPresets decodes a TOML presets file. Keys it does not know are errors.
func LoadPresets(path string) (Presets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Presets{}, fmt.Errorf("read presets: %w", err)
	}
	return ParsePresets(string(data))
}

// ParsePresets decodes TOML preset text
func ParsePresets(text string) (Presets, error) {
	var p Presets
	md, err := toml.Decode(text, &p)
	if err != nil {
		return Presets{}, fmt.Errorf("decode presets: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Presets{}, fmt.Errorf("decode presets: unknown keys %s", strings.Join(keys, ", "))
	}
	return p, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.PersistChanSize <= 0 || c.PublishChanSize <= 0 {
		errs = append(errs, errors.New("channel sizes must be positive"))
	}
	if c.PersistBatchSize <= 0 {
		errs = append(errs, errors.New("persist batch size must be positive"))
	}
	if c.PersistFlushTimeout <= 0 || c.SweepInterval <= 0 || c.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("intervals must be positive"))
	}
	if c.RedisAddr != "" && c.LockTTL <= 0 {
		errs = append(errs, errors.New("lock ttl must be positive"))
	}
	if _, err := c.Presets.EngineMarketTypes(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.Presets.CurveDefaults(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// EngineMarketTypes converts the presets into engine market types
func (p Presets) EngineMarketTypes() ([]core.MarketType, error) {
	seen := make(map[string]bool, len(p.MarketTypes))
	out := make([]core.MarketType, 0, len(p.MarketTypes))

	for _, mt := range p.MarketTypes {
		if mt.Name == "" {
			return nil, errors.New("market type without a name")
		}
		if seen[mt.Name] {
			return nil, fmt.Errorf("market type %q defined twice", mt.Name)
		}
		seen[mt.Name] = true

		vl, err := decimal.NewFromString(mt.VirtualLiquidity)
		if err != nil {
			return nil, fmt.Errorf("market type %q virtual liquidity: %w", mt.Name, err)
		}
		amount, err := fpmath.FromDecimal(vl)
		if err != nil {
			return nil, fmt.Errorf("market type %q virtual liquidity: %w", mt.Name, err)
		}
		if amount.IsZero() {
			return nil, fmt.Errorf("market type %q virtual liquidity must be positive", mt.Name)
		}
		fees, err := fee.NewSchedule(mt.FeeBps, mt.PlatformBps, mt.CreatorBps)
		if err != nil {
			return nil, fmt.Errorf("market type %q: %w", mt.Name, err)
		}
		if len(mt.Outcomes) == 1 {
			return nil, fmt.Errorf("market type %q has a single outcome", mt.Name)
		}

		out = append(out, core.MarketType{
			Name:             mt.Name,
			VirtualLiquidity: amount,
			Fees:             fees,
			Outcomes:         mt.Outcomes,
			Duration:         mt.Duration,
		})
	}

	return out, nil
}

// CurveDefaults converts the curve preset
func (p Presets) CurveDefaults() (curve.Config, fee.Schedule, error) {
	cfg, err := curve.NewConfig(p.Curve.PriceScale, p.Curve.MaxSupply)
	if err != nil {
		return curve.Config{}, fee.Schedule{}, fmt.Errorf("curve preset: %w", err)
	}
	fees, err := fee.NewSchedule(p.Curve.FeeBps, p.Curve.PlatformBps, p.Curve.CreatorBps)
	if err != nil {
		return curve.Config{}, fee.Schedule{}, fmt.Errorf("curve preset: %w", err)
	}
	return cfg, fees, nil
}
