package graphkb

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Backend names a store implementation.
const (
	BackendGrakn = "grakn"
	BackendNeo4j = "neo4j"
)

// Config holds everything needed to open a Store.
type Config struct {
	Backend          string           `yaml:"backend" validate:"required,oneof=grakn neo4j"`
	Store            StoreConfig      `yaml:"store"`
	Neo4j            Neo4jConfig      `yaml:"neo4j"`
	Pagination       PaginationConfig `yaml:"pagination"`
	FetchConcurrency int              `yaml:"fetch_concurrency" validate:"gte=1,lte=256"`
	MultiValued      []string         `yaml:"multi_valued"`
	Breaker          BreakerConfig    `yaml:"breaker"`
	Log              LogConfig        `yaml:"log"`
}

// StoreConfig configures the HTTP query-submission store.
type StoreConfig struct {
	BaseURL  string        `yaml:"base_url" validate:"omitempty,url"`
	Keyspace string        `yaml:"keyspace"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Neo4jConfig configures the Bolt backend.
type Neo4jConfig struct {
	URI        string `yaml:"uri"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Database   string `yaml:"database"`
	IDProperty string `yaml:"id_property"`
}

// PaginationConfig bounds page sizes for LoadAll.
type PaginationConfig struct {
	DefaultFirst int `yaml:"default_first" validate:"gte=1"`
	MaxFirst     int `yaml:"max_first" validate:"gtefield=DefaultFirst"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns a Config for a local HTTP store.
func DefaultConfig() Config {
	return Config{
		Backend: BackendGrakn,
		Store: StoreConfig{
			BaseURL:  "http://localhost:4567",
			Keyspace: "grakn",
			Timeout:  5 * time.Second,
		},
		Neo4j: Neo4jConfig{Database: "neo4j"},
		Pagination: PaginationConfig{
			DefaultFirst: 25,
			MaxFirst:     500,
		},
		FetchConcurrency: 16,
		MultiValued:      append([]string(nil), DefaultMultiValued...),
		Breaker:          DefaultBreakerConfig(),
		Log:              LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file over the defaults, applies GRAPHKB_* environment
// overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"GRAPHKB_BACKEND":           &c.Backend,
		"GRAPHKB_BASE_URL":          &c.Store.BaseURL,
		"GRAPHKB_KEYSPACE":          &c.Store.Keyspace,
		"GRAPHKB_NEO4J_URI":         &c.Neo4j.URI,
		"GRAPHKB_NEO4J_USERNAME":    &c.Neo4j.Username,
		"GRAPHKB_NEO4J_PASSWORD":    &c.Neo4j.Password,
		"GRAPHKB_NEO4J_DATABASE":    &c.Neo4j.Database,
		"GRAPHKB_NEO4J_ID_PROPERTY": &c.Neo4j.IDProperty,
		"GRAPHKB_LOG_LEVEL":         &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("GRAPHKB_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GRAPHKB_TIMEOUT: %w", err)
		}
		c.Store.Timeout = d
	}
	if v, ok := os.LookupEnv("GRAPHKB_FETCH_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRAPHKB_FETCH_CONCURRENCY: %w", err)
		}
		c.FetchConcurrency = n
	}
	if v, ok := os.LookupEnv("GRAPHKB_MULTI_VALUED"); ok {
		c.MultiValued = splitList(v)
	}
	return nil
}

// splitList returns a non-nil slice so that an empty variable clears the list.
func splitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Backend == BackendGrakn && c.Store.BaseURL == "" {
		return fmt.Errorf("invalid configuration: grakn backend requires store.base_url")
	}
	if c.Backend == BackendNeo4j && c.Neo4j.URI == "" {
		return fmt.Errorf("invalid configuration: neo4j backend requires neo4j.uri")
	}
	return nil
}

// NewLogger builds a zap logger from cfg.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}
