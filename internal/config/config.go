// Package config reads runtime settings from the environment, an optional
// .env file and optional SSM Parameter Store overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHistoryLimit      = 50
	defaultPollInterval      = time.Second
	defaultFeedGrace         = 5 * time.Second
	defaultLookupConcurrency = 8
	defaultLookupTimeout     = 5 * time.Second
	defaultTxMaxAttempts     = 5
	defaultTokenTTL          = 24 * time.Hour
	defaultMutationRPS       = 5
	defaultMutationBurst     = 10
)

type Config struct {
	StateTable        string
	ParamPrefix       string
	HistoryLimit      int
	PollInterval      time.Duration
	FeedGrace         time.Duration
	LookupConcurrency int
	LookupTimeout     time.Duration
	TxMaxAttempts     int
	MetricsAddr       string
	LogLevel          slog.Level

	// TokenSecret enables bearer tokens on the mutation API when set.
	TokenSecret string
	TokenTTL    time.Duration
	// MutationRPS is the per-caller request rate of the mutation API; 0
	// disables limiting.
	MutationRPS   float64
	MutationBurst int

	// APIURL is the base URL of the mutation API. Clients send their writes
	// there so that timestamps are assigned server side; without it they are
	// read-only.
	APIURL string
}

// ParamLookup reads one parameter, reporting whether it exists.
type ParamLookup interface {
	Lookup(ctx context.Context, name string) (string, bool, error)
}

// overridable lists the settings that may be overridden from the parameter
// store, under <prefix>/config/<name>.
var overridable = []string{
	"HISTORY_LIMIT",
	"POLL_INTERVAL",
	"FEED_GRACE",
	"LOOKUP_CONCURRENCY",
	"LOOKUP_TIMEOUT",
	"TX_MAX_ATTEMPTS",
	"LOG_LEVEL",
	"TOKEN_SECRET",
	"TOKEN_TTL",
	"MUTATION_RPS",
	"MUTATION_BURST",
	"API_URL",
}

// Load reads .env from the working directory when present, then the process
// environment.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, applying defaults for unset values.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Config{
		HistoryLimit:      defaultHistoryLimit,
		PollInterval:      defaultPollInterval,
		FeedGrace:         defaultFeedGrace,
		LookupConcurrency: defaultLookupConcurrency,
		LookupTimeout:     defaultLookupTimeout,
		TxMaxAttempts:     defaultTxMaxAttempts,
		LogLevel:          slog.LevelInfo,
		TokenTTL:          defaultTokenTTL,
		MutationRPS:       defaultMutationRPS,
		MutationBurst:     defaultMutationBurst,
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	c.StateTable = get("STATE_TABLE")
	if c.StateTable == "" {
		return Config{}, errors.New("config: STATE_TABLE is required")
	}
	c.ParamPrefix = strings.TrimRight(get("PARAM_PREFIX"), "/")
	c.MetricsAddr = get("METRICS_ADDR")

	for _, key := range overridable {
		if err := c.set(key, get(key)); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}

// ApplyParams overrides settings from the parameter store. It is a no-op
// without a ParamPrefix. Absent parameters keep their current value.
func (c Config) ApplyParams(ctx context.Context, params ParamLookup) (Config, error) {
	if c.ParamPrefix == "" || params == nil {
		return c, nil
	}
	for _, key := range overridable {
		v, ok, err := params.Lookup(ctx, c.ParamPrefix+"/config/"+key)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", key, err)
		}
		if !ok {
			continue
		}
		if err := c.set(key, strings.TrimSpace(v)); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}

// set parses v into the field for key. An empty v leaves the field unchanged.
func (c *Config) set(key, v string) error {
	if v == "" {
		return nil
	}
	var err error
	switch key {
	case "HISTORY_LIMIT":
		c.HistoryLimit, err = positiveInt(v)
	case "POLL_INTERVAL":
		c.PollInterval, err = positiveDuration(v)
	case "FEED_GRACE":
		c.FeedGrace, err = time.ParseDuration(v)
		if err == nil && c.FeedGrace < 0 {
			err = errors.New("must not be negative")
		}
	case "LOOKUP_CONCURRENCY":
		c.LookupConcurrency, err = positiveInt(v)
	case "LOOKUP_TIMEOUT":
		c.LookupTimeout, err = positiveDuration(v)
	case "TX_MAX_ATTEMPTS":
		c.TxMaxAttempts, err = positiveInt(v)
	case "LOG_LEVEL":
		err = c.LogLevel.UnmarshalText([]byte(v))
	case "TOKEN_SECRET":
		c.TokenSecret = v
	case "TOKEN_TTL":
		c.TokenTTL, err = positiveDuration(v)
	case "MUTATION_RPS":
		c.MutationRPS, err = strconv.ParseFloat(v, 64)
		if err == nil && c.MutationRPS < 0 {
			err = errors.New("must not be negative")
		}
	case "MUTATION_BURST":
		c.MutationBurst, err = positiveInt(v)
	case "API_URL":
		c.APIURL, err = baseURL(v)
	default:
		err = errors.New("unknown setting")
	}
	if err != nil {
		if key == "TOKEN_SECRET" {
			v = "***"
		}
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	return nil
}

func positiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}

func positiveDuration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}

func baseURL(v string) (string, error) {
	u, err := url.Parse(v)
	if err != nil {
		return "", err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.New("must be an absolute http(s) URL")
	}
	return strings.TrimRight(v, "/"), nil
}
