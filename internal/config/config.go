// Package config loads the ballotsync configuration file.
//
// The file is YAML. Unknown keys are rejected, defaults are applied first,
// and the merged result is checked against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ballotsync/internal/ledger"
)

// EnvPath names the environment variable consulted when no --config flag
// is given.
const EnvPath = "BALLOTSYNC_CONFIG"

//go:embed schema.cue
var schemaSource string

// Config is the full configuration.
type Config struct {
	Relational RelationalConfig `yaml:"relational" json:"relational"`
	Ledger     LedgerConfig     `yaml:"ledger" json:"ledger"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Mapping    MappingConfig    `yaml:"mapping" json:"mapping"`
	Vote       VoteConfig       `yaml:"vote" json:"vote"`
	Signer     SignerConfig     `yaml:"signer" json:"signer"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

type RelationalConfig struct {
	Driver  string `yaml:"driver" json:"driver"`
	DSN     string `yaml:"dsn" json:"dsn"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Timeout string `yaml:"timeout" json:"timeout"`
}

type LedgerConfig struct {
	Driver   string `yaml:"driver" json:"driver"`
	Socket   string `yaml:"socket" json:"socket"`
	Timeout  string `yaml:"timeout" json:"timeout"`
	FeeFloor uint64 `yaml:"fee_floor" json:"fee_floor"`
}

type CacheConfig struct {
	Path          string `yaml:"path" json:"path"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days"`
}

type MappingConfig struct {
	// OrdinalFallback enables roster-position candidate mapping when the
	// ledger cannot be queried by domain id. Off by default.
	OrdinalFallback bool `yaml:"ordinal_fallback" json:"ordinal_fallback"`
}

type Fee struct {
	GasLimit uint64 `yaml:"gas_limit" json:"gas_limit"`
	GasPrice uint64 `yaml:"gas_price" json:"gas_price"`
}

// Ledger converts to the ledger fee type.
func (f Fee) Ledger() ledger.Fee {
	return ledger.Fee{GasLimit: f.GasLimit, GasPrice: f.GasPrice}
}

type VoteConfig struct {
	StandardFee             Fee  `yaml:"standard_fee" json:"standard_fee"`
	MinimalFee              Fee  `yaml:"minimal_fee" json:"minimal_fee"`
	ManualFallbackEnabled   bool `yaml:"manual_fallback_enabled" json:"manual_fallback_enabled"`
	DegradedFallbackEnabled bool `yaml:"degraded_fallback_enabled" json:"degraded_fallback_enabled"`
}

type SignerConfig struct {
	Account string `yaml:"account" json:"account"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Relational: RelationalConfig{Driver: "sqlite", DSN: "ballotsync.db", Timeout: "10s"},
		Ledger: LedgerConfig{
			Driver:   "memory",
			Socket:   "ballotsync-ledger.sock",
			Timeout:  "10s",
			FeeFloor: ledger.DefaultFeeFloor,
		},
		Cache:   CacheConfig{Path: "ballotsync-cache.db", RetentionDays: 30},
		Mapping: MappingConfig{OrdinalFallback: false},
		Vote: VoteConfig{
			StandardFee: Fee{GasLimit: 200000, GasPrice: 20},
			MinimalFee:  Fee{GasLimit: 100000, GasPrice: 1},
		},
		Signer: SignerConfig{Account: "operator"},
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// ResolvePath picks the config file: the flag value, then $BALLOTSYNC_CONFIG.
// Empty means use defaults.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(EnvPath)
}

// Load reads path over the defaults and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, Validate(cfg)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err = Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidationError lists schema violations.
type ValidationError struct {
	Details string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Details
}

// Validate checks cfg against the embedded schema.
func Validate(cfg Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	value := def.Unify(ctx.Encode(cfg))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Details: strings.TrimSpace(cueerrors.Details(err, nil))}
	}
	return nil
}

// RelationalTimeout returns the parsed relational HTTP timeout.
func (c Config) RelationalTimeout() time.Duration {
	return mustDuration(c.Relational.Timeout)
}

// LedgerTimeout returns the parsed ledger RPC timeout.
func (c Config) LedgerTimeout() time.Duration {
	return mustDuration(c.Ledger.Timeout)
}

// mustDuration parses a schema-validated duration.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
