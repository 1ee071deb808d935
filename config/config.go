package config

import (
	"errors"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Etherscan struct {
	APIKey         string        `long:"etherscan-api-key" env:"ETHERSCAN_API_KEY" description:"API key for the Etherscan v2 API"`
	URL            string        `long:"etherscan-api-url" env:"ETHERSCAN_API_URL" description:"Base URL for the Etherscan v2 API" default:"https://api.etherscan.io/v2/api"` // nolint:lll
	RateLimit      float64       `long:"etherscan-rate-limit" env:"ETHERSCAN_RATE_LIMIT" description:"Upstream requests per second" default:"5"`                              // nolint:lll
	RateBurst      int           `long:"etherscan-rate-burst" env:"ETHERSCAN_RATE_BURST" description:"Upstream request burst size" default:"5"`                               // nolint:lll
	PageSize       int           `long:"etherscan-page-size" env:"ETHERSCAN_PAGE_SIZE" description:"Records requested per page" default:"1000"`                               // nolint:lll
	RetryMax       int           `long:"etherscan-retry-max" env:"ETHERSCAN_RETRY_MAX" description:"Retry attempts for transient upstream failures" default:"4"`              // nolint:lll
	RequestTimeout time.Duration `long:"etherscan-request-timeout" env:"ETHERSCAN_REQUEST_TIMEOUT" description:"Per-request timeout" default:"30s"`                           // nolint:lll
}

func (e Etherscan) HasError() error {
	if e.APIKey == "" {
		return errors.New("etherscan API key is required")
	}
	return nil
}

type Postgres struct {
	URL          string `long:"db-url" env:"DB_URL" description:"Postgres connection URL"`
	MaxOpenConns int    `long:"db-max-open-conns" env:"DB_MAX_OPEN_CONNS" description:"Max open database connections" default:"10"` // nolint:lll
}

func (p Postgres) HasError() error {
	if p.URL == "" {
		return errors.New("database URL is required")
	}
	return nil
}

type Redis struct {
	// URL is optional. When empty the volatile cache tier falls back to the
	// in-process LRU.
	URL string `long:"redis-url" env:"REDIS_URL" description:"Redis connection URL for the volatile cache tier"`
}

type Cache struct {
	TTL           time.Duration `long:"cache-ttl" env:"CACHE_TTL" description:"Volatile cache entry lifetime" default:"5m"`                                 // nolint:lll
	HeightTTL     time.Duration `long:"cache-height-ttl" env:"CACHE_HEIGHT_TTL" description:"Chain height cache lifetime" default:"30s"`                    // nolint:lll
	FinalityDepth int64         `long:"cache-finality-depth" env:"CACHE_FINALITY_DEPTH" description:"Blocks below tip considered finalized" default:"64"`   // nolint:lll
	MemoryEntries int           `long:"cache-memory-entries" env:"CACHE_MEMORY_ENTRIES" description:"Max entries for the in-process LRU" default:"4096"`    // nolint:lll
}

type Report struct {
	SegmentSize      int64         `long:"report-segment-size" env:"REPORT_SEGMENT_SIZE" description:"Blocks per fetch segment" default:"100000"`                       // nolint:lll
	Workers          int           `long:"report-workers" env:"REPORT_WORKERS" description:"Concurrent segment fetch workers per job" default:"4"`                      // nolint:lll
	JobTimeout       time.Duration `long:"report-job-timeout" env:"REPORT_JOB_TIMEOUT" description:"Wall clock limit for one report job" default:"30m"`                 // nolint:lll
	Retention        time.Duration `long:"report-retention" env:"REPORT_RETENTION" description:"How long completed report files are kept" default:"24h"`                // nolint:lll
	SweepInterval    time.Duration `long:"report-sweep-interval" env:"REPORT_SWEEP_INTERVAL" description:"How often the retention janitor runs" default:"10m"`          // nolint:lll
	Dir              string        `long:"report-dir" env:"REPORT_DIR" description:"Directory for generated report files" default:"./reports"`                          // nolint:lll
	DirectMaxRecords int           `long:"direct-max-records" env:"DIRECT_MAX_RECORDS" description:"Record ceiling for the synchronous query path" default:"10000"`     // nolint:lll
}

type Config struct {
	Port      int    `long:"port" env:"PORT" description:"HTTP listen port" default:"3000"`
	SentryDSN string `long:"sentry-dsn" env:"SENTRY_DSN" description:"Sentry DSN, error reporting disabled when empty"`
	Etherscan Etherscan
	Postgres  Postgres
	Redis     Redis
	Cache     Cache
	Report    Report
}

func (c Config) HasError() error {
	if err := c.Etherscan.HasError(); err != nil {
		return err
	}
	if err := c.Postgres.HasError(); err != nil {
		return err
	}
	return nil
}

func Parse() (*Config, error) {
	// Local development convenience, ignored when no .env exists.
	godotenv.Load()

	var config Config
	parser := flags.NewParser(&config, flags.Default)
	_, err := parser.Parse()
	if err != nil {
		return nil, err
	}
	if err := config.HasError(); err != nil {
		return nil, err
	}
	return &config, nil
}
