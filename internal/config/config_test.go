package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicalcore/internal/migration"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ARGO Clinical Submission", cfg.Dictionary.Name)
	assert.Equal(t, 20, cfg.Migration.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Migration.SettleDelay)
	assert.Equal(t, 16, cfg.Migration.CacheSize)
	assert.Positive(t, cfg.Migration.Workers)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Documents.Driver)
	assert.Equal(t, "fs", cfg.Blob.Driver)
	assert.Equal(t, "PROGRAM_UPDATE", cfg.Notify.Topic)
	assert.Equal(t, migration.DefaultRequirements(), cfg.Migration.PreflightRequirements())

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dictionary.url or dictionary.file_dir")
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinicalcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dictionary:
  file_dir: ./dictionaries
  version: "1.0"
migration:
  batch_size: 50
  settle_delay: 500ms
  requirements:
    required_fields:
      donor: [submitter_donor_id]
    required_codes:
      donor.vital_status: [Deceased]
storage:
  driver: postgres
  postgres_dsn: postgres://db/clinical
blob:
  driver: s3
  s3:
    bucket: dictionaries
    path_style: true
`), 0o600))
	t.Setenv("CLINICALCORE_MIGRATION_CACHE_SIZE", "4")
	t.Setenv("CLINICALCORE_LOG_LEVEL", "debug")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("metrics-addr", "", "")
	require.NoError(t, flags.Parse([]string{"--metrics-addr", ":9102"}))

	cfg, err := Load(path, BindFlag("metrics.addr", flags.Lookup("metrics-addr")))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "./dictionaries", cfg.Dictionary.FileDir)
	assert.Equal(t, "1.0", cfg.Dictionary.Version)
	assert.Equal(t, 50, cfg.Migration.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Migration.SettleDelay)
	assert.Equal(t, 4, cfg.Migration.CacheSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9102", cfg.Metrics.Addr)
	assert.Equal(t, "postgres://db/clinical", cfg.Storage.PostgresDSN)
	assert.Equal(t, "dictionaries", cfg.Blob.S3.Bucket)
	assert.True(t, cfg.Blob.S3.PathStyle)
	assert.Equal(t, migration.Requirements{
		RequiredFields: map[string][]string{"donor": {"submitter_donor_id"}},
		RequiredCodes:  map[string][]string{"donor.vital_status": {"Deceased"}},
	}, cfg.Migration.PreflightRequirements())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestBindFlagRequiresFlag(t *testing.T) {
	_, err := Load("", BindFlag("metrics.addr", nil))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		cfg.Dictionary.URL = "https://lectern.example.org"
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"batch size": {func(c *Config) { c.Migration.BatchSize = 0 }, "migration.batch_size"},
		"cache size": {func(c *Config) { c.Migration.CacheSize = -1 }, "migration.cache_size"},
		"workers":    {func(c *Config) { c.Migration.Workers = -2 }, "migration.workers"},
		"settle":     {func(c *Config) { c.Migration.SettleDelay = -time.Second }, "migration.settle_delay"},
		"storage":    {func(c *Config) { c.Storage.Driver = "oracle" }, "unknown storage.driver"},
		"postgres":   {func(c *Config) { c.Storage.Driver = "postgres" }, "storage.postgres_dsn"},
		"documents":  {func(c *Config) { c.Documents.Driver = "couch" }, "unknown documents.driver"},
		"blob":       {func(c *Config) { c.Blob.Driver = "gcs" }, "unknown blob.driver"},
		"s3 bucket":  {func(c *Config) { c.Blob.Driver = "s3" }, "blob.s3.bucket"},
		"log level":  {func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		"name":       {func(c *Config) { c.Dictionary.Name = " " }, "dictionary.name"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
