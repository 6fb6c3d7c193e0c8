// Package config loads dictmigrate settings from an optional YAML file,
// CLINICALCORE_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"clinicalcore/internal/blob"
	"clinicalcore/internal/infra/persistence"
	"clinicalcore/internal/migration"
)

const (
	// EnvPrefix prefixes every environment override; dots become underscores
	// so migration.batch_size is read from CLINICALCORE_MIGRATION_BATCH_SIZE.
	EnvPrefix = "CLINICALCORE"
	// FileName is the config file looked up in the working directory when no
	// explicit path is given.
	FileName = "clinicalcore"

	// keyDelimiter replaces viper's "." so field paths such as
	// donor.vital_status survive as map keys under migration.requirements.
	keyDelimiter = "::"
)

func viperKey(key string) string { return strings.ReplaceAll(key, ".", keyDelimiter) }

// DictionaryConfig names the managed dictionary and where versions come
// from. Exactly one of URL and FileDir is used; URL wins when both are set.
type DictionaryConfig struct {
	Name    string `mapstructure:"name"`
	URL     string `mapstructure:"url"`
	FileDir string `mapstructure:"file_dir"`
	// Version is loaded at startup when no archived current pointer exists.
	Version string `mapstructure:"version"`
}

// MigrationConfig tunes the migration manager.
type MigrationConfig struct {
	BatchSize    int                     `mapstructure:"batch_size"`
	SettleDelay  time.Duration           `mapstructure:"settle_delay"`
	CacheSize    int                     `mapstructure:"cache_size"`
	Workers      int                     `mapstructure:"workers"`
	Requirements *migration.Requirements `mapstructure:"requirements"`
}

// PreflightRequirements returns the configured requirements or the
// defaults when none are configured.
func (c MigrationConfig) PreflightRequirements() migration.Requirements {
	if c.Requirements == nil {
		return migration.DefaultRequirements()
	}
	return *c.Requirements
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	// Addr serves /metrics when non-empty, e.g. ":9102".
	Addr string `mapstructure:"addr"`
}

type NotifyConfig struct {
	Topic string `mapstructure:"topic"`
}

// Config is the full dictmigrate configuration.
type Config struct {
	Dictionary DictionaryConfig            `mapstructure:"dictionary"`
	Migration  MigrationConfig             `mapstructure:"migration"`
	Storage    persistence.StorageConfig   `mapstructure:"storage"`
	Documents  persistence.DocumentsConfig `mapstructure:"documents"`
	Blob       blob.Config                 `mapstructure:"blob"`
	Log        LogConfig                   `mapstructure:"log"`
	Metrics    MetricsConfig               `mapstructure:"metrics"`
	Notify     NotifyConfig                `mapstructure:"notify"`
}

// defaults lists every key so environment overrides are seen by Unmarshal.
func defaults() map[string]any {
	return map[string]any{
		"dictionary.name":           "ARGO Clinical Submission",
		"dictionary.url":            "",
		"dictionary.file_dir":       "",
		"dictionary.version":        "",
		"migration.batch_size":      20,
		"migration.settle_delay":    2 * time.Second,
		"migration.cache_size":      16,
		"migration.workers":         runtime.NumCPU(),
		"storage.driver":            string(persistence.StorageSQLite),
		"storage.sqlite_path":       "clinicalcore.db",
		"storage.postgres_dsn":      "",
		"storage.mongo_uri":         "mongodb://localhost:27017",
		"storage.mongo_database":    "clinical",
		"documents.driver":          string(persistence.DocumentsMemory),
		"documents.mongo_uri":       "mongodb://localhost:27017",
		"documents.mongo_database":  "clinical",
		"blob.driver":               string(blob.DriverFilesystem),
		"blob.fs_root":              "data/blobs",
		"blob.s3.bucket":            "",
		"blob.s3.region":            "",
		"blob.s3.endpoint":          "",
		"blob.s3.access_key_id":     "",
		"blob.s3.secret_access_key": "",
		"blob.s3.path_style":        false,
		"log.level":                 "info",
		"metrics.addr":              "",
		"notify.topic":              "PROGRAM_UPDATE",
	}
}

// LoadOption adjusts the viper instance before the config is decoded.
type LoadOption func(*viper.Viper) error

// BindFlag lets a command line flag override key when the flag was set.
func BindFlag(key string, flag *pflag.Flag) LoadOption {
	return func(v *viper.Viper) error {
		if flag == nil {
			return fmt.Errorf("bind %s: flag not defined", key)
		}
		return v.BindPFlag(viperKey(key), flag)
	}
}

// Load reads the configuration. An explicit path must exist; without one a
// clinicalcore.yaml in the working directory is used when present.
func Load(path string, opts ...LoadOption) (Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	for key, value := range defaults() {
		v.SetDefault(viperKey(key), value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Dictionary.Name) == "" {
		errs = append(errs, errors.New("dictionary.name is required"))
	}
	if c.Dictionary.URL == "" && c.Dictionary.FileDir == "" {
		errs = append(errs, errors.New("one of dictionary.url or dictionary.file_dir is required"))
	}
	if c.Migration.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("migration.batch_size must be positive, got %d", c.Migration.BatchSize))
	}
	if c.Migration.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("migration.cache_size must be positive, got %d", c.Migration.CacheSize))
	}
	if c.Migration.Workers < 0 {
		errs = append(errs, fmt.Errorf("migration.workers must not be negative, got %d", c.Migration.Workers))
	}
	if c.Migration.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("migration.settle_delay must not be negative, got %s", c.Migration.SettleDelay))
	}
	switch persistence.StorageDriver(c.Storage.Driver) {
	case "", persistence.StorageMemory, persistence.StorageSQLite, persistence.StorageMongo:
	case persistence.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	switch persistence.DocumentDriver(c.Documents.Driver) {
	case "", persistence.DocumentsMemory, persistence.DocumentsMongo:
	default:
		errs = append(errs, fmt.Errorf("unknown documents.driver %q", c.Documents.Driver))
	}
	switch blob.Driver(c.Blob.Driver) {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob.driver %q", c.Blob.Driver))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}
