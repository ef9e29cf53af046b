// Package config loads corral's YAML configuration.
//
// A file is decoded with yaml.v3, checked against an embedded CUE schema,
// filled with defaults and finally overridden from the environment.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/corral/internal/aggregation"
	"github.com/roach88/corral/internal/endpoint"
	"github.com/roach88/corral/internal/exchange"
)

//go:embed schema.cue
var schemaSource string

// Environment variables that override file values.
const (
	EnvDriver     = "CORRAL_DB_DRIVER"
	EnvDSN        = "CORRAL_DB_DSN"
	EnvInstanceID = "CORRAL_INSTANCE_ID"
)

// Defaults.
const (
	DefaultDriver      = "sqlite3"
	DefaultDSN         = "./corral.db"
	DefaultName        = "aggregation"
	DefaultMetricsAddr = ":9090"
)

// Config is the whole file.
type Config struct {
	Database   Database   `yaml:"database"`
	Repository Repository `yaml:"repository"`
	Recovery   Recovery   `yaml:"recovery"`
	S3         S3         `yaml:"s3"`
	Metrics    Metrics    `yaml:"metrics"`
}

// Database selects the backend.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Repository mirrors the aggregation repository options.
type Repository struct {
	Name                 string   `yaml:"name"`
	ReturnOldExchange    bool     `yaml:"return_old_exchange"`
	OptimisticLocking    bool     `yaml:"optimistic_locking"`
	StoreBodyAsText      bool     `yaml:"store_body_as_text"`
	HeadersToStoreAsText []string `yaml:"headers_to_store_as_text"`
	AllowedTypes         string   `yaml:"allowed_types"`
	NormalizeKeys        bool     `yaml:"normalize_keys"`
}

// Recovery mirrors aggregation.RecoveryConfig. Enabled and Delay are
// pointers so an absent key gets the default while an explicit zero delay
// is kept.
type Recovery struct {
	Enabled             *bool          `yaml:"enabled"`
	Interval            time.Duration  `yaml:"interval"`
	Delay               *time.Duration `yaml:"delay"`
	BatchLimit          int            `yaml:"batch_limit"`
	MaximumRedeliveries int            `yaml:"maximum_redeliveries"`
	DeadLetterURI       string         `yaml:"dead_letter_uri"`
	ByInstance          bool           `yaml:"by_instance"`
	InstanceID          string         `yaml:"instance_id"`
}

// S3 configures s3:// endpoints.
type S3 struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	PathStyle       bool   `yaml:"path_style"`
}

// Metrics configures the /metrics listener.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path and returns the resulting configuration. An empty path
// yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		c := Default()
		c.applyEnv(os.LookupEnv)
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML document, then applies defaults and
// environment overrides.
func Parse(data []byte) (*Config, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.applyDefaults()
	c.applyEnv(os.LookupEnv)
	return c, nil
}

// validate checks the raw document against the embedded schema so unknown
// keys and wrongly typed values are reported before decoding.
func validate(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.DSN == "" {
		c.Database.DSN = DefaultDSN
	}
	if c.Repository.Name == "" {
		c.Repository.Name = DefaultName
	}
	if c.Recovery.Enabled == nil {
		enabled := true
		c.Recovery.Enabled = &enabled
	}
	if c.Recovery.Interval <= 0 {
		c.Recovery.Interval = aggregation.DefaultRecoveryInterval
	}
	if c.Recovery.Delay == nil {
		delay := aggregation.DefaultRecoveryDelay
		c.Recovery.Delay = &delay
	}
	if c.Recovery.BatchLimit <= 0 {
		c.Recovery.BatchLimit = aggregation.DefaultBatchLimit
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDriver); ok && v != "" {
		c.Database.Driver = v
	}
	if v, ok := lookup(EnvDSN); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvInstanceID); ok && v != "" {
		c.Recovery.InstanceID = v
	}
}

// RecoveryEnabled reports whether the scanner should run.
func (c *Config) RecoveryEnabled() bool {
	return c.Recovery.Enabled == nil || *c.Recovery.Enabled
}

// RecoveryDelay returns the configured delay, or the default when unset.
func (c *Config) RecoveryDelay() time.Duration {
	if c.Recovery.Delay == nil {
		return aggregation.DefaultRecoveryDelay
	}
	return *c.Recovery.Delay
}

// RecoveryConfig converts the recovery section.
func (c *Config) RecoveryConfig() aggregation.RecoveryConfig {
	return aggregation.RecoveryConfig{
		UseRecovery:         c.RecoveryEnabled(),
		RecoveryInterval:    c.Recovery.Interval,
		RecoveryDelay:       c.RecoveryDelay(),
		MaximumRedeliveries: c.Recovery.MaximumRedeliveries,
		DeadLetterURI:       c.Recovery.DeadLetterURI,
		RecoverByInstance:   c.Recovery.ByInstance,
		BatchLimit:          c.Recovery.BatchLimit,
	}
}

// Codec builds the exchange codec. allowed_types becomes the type filter;
// registry may be nil when no custom types are used.
func (c *Config) Codec(registry *exchange.TypeRegistry) (*exchange.Codec, error) {
	filter, err := exchange.ParseTypeFilter(c.Repository.AllowedTypes)
	if err != nil {
		return nil, err
	}
	opts := []exchange.CodecOption{exchange.WithTypeFilter(filter)}
	if registry != nil {
		opts = append(opts, exchange.WithTypeRegistry(registry))
	}
	return exchange.NewCodec(opts...), nil
}

// RepositoryOptions converts the repository and recovery sections into
// aggregation options. Callers append logger, clock and metrics options.
func (c *Config) RepositoryOptions(registry *exchange.TypeRegistry) ([]aggregation.Option, error) {
	if c.Recovery.MaximumRedeliveries > 0 && c.Recovery.DeadLetterURI == "" {
		return nil, errors.New("recovery.maximum_redeliveries requires recovery.dead_letter_uri")
	}
	if c.Recovery.ByInstance && c.Recovery.InstanceID == "" {
		return nil, fmt.Errorf("recovery.by_instance requires recovery.instance_id or %s", EnvInstanceID)
	}

	codec, err := c.Codec(registry)
	if err != nil {
		return nil, err
	}

	opts := []aggregation.Option{
		aggregation.WithCodec(codec),
		aggregation.WithRecovery(c.RecoveryConfig()),
	}
	if c.Repository.ReturnOldExchange {
		opts = append(opts, aggregation.WithReturnOldExchange())
	}
	if c.Repository.OptimisticLocking {
		opts = append(opts, aggregation.WithOptimisticLocking())
	}
	if c.Repository.NormalizeKeys {
		opts = append(opts, aggregation.WithKeyNormalization())
	}
	if c.Repository.StoreBodyAsText {
		opts = append(opts, aggregation.WithStoreBodyAsText())
	}
	if len(c.Repository.HeadersToStoreAsText) > 0 {
		opts = append(opts, aggregation.WithHeadersToStoreAsText(c.Repository.HeadersToStoreAsText...))
	}
	if c.Recovery.InstanceID != "" {
		opts = append(opts, aggregation.WithInstanceID(c.Recovery.InstanceID))
	}
	return opts, nil
}

// S3Config converts the s3 section for endpoint resolution.
func (c *Config) S3Config() endpoint.S3Config {
	return endpoint.S3Config{
		Region:          c.S3.Region,
		Endpoint:        c.S3.Endpoint,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
		SessionToken:    c.S3.SessionToken,
		PathStyle:       c.S3.PathStyle,
	}
}
