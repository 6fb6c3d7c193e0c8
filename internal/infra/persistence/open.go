// Package persistence selects the migration log and document backends.
package persistence

import (
	"context"
	"fmt"
	"time"

	"clinicalcore/internal/infra/persistence/memory"
	"clinicalcore/internal/infra/persistence/mongo"
	"clinicalcore/internal/infra/persistence/postgres"
	"clinicalcore/internal/infra/persistence/sqlite"
	"clinicalcore/pkg/domain"
)

// StorageDriver identifies a concrete migration log implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageMongo    StorageDriver = "mongo"    // dictionarymigrations collection
)

// DocumentDriver identifies the donor and submission backend.
type DocumentDriver string

const (
	DocumentsMemory DocumentDriver = "memory"
	DocumentsMongo  DocumentDriver = "mongo"
)

// StorageConfig configures the migration log backend.
type StorageConfig struct {
	Driver        string `mapstructure:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// DocumentsConfig configures the donor/submission backend.
type DocumentsConfig struct {
	Driver        string `mapstructure:"driver"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// MigrationLog is a migration log with a release hook.
type MigrationLog interface {
	domain.MigrationLog
	Close() error
}

// OpenMigrationLog selects a migration log backend. Defaults to sqlite when
// the driver is unset.
func OpenMigrationLog(ctx context.Context, cfg StorageConfig) (MigrationLog, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return nopCloser{memory.NewMigrationLog()}, nil
	case StorageSQLite:
		log, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return log, nil
	case StoragePostgres:
		log, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return log, nil
	case StorageMongo:
		db, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		log, err := db.MigrationLog(ctx)
		if err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
		return mongoLog{MigrationLog: log, db: db}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// Documents bundles the document-side collaborators of a migration.
type Documents struct {
	Donors      domain.DonorStore
	Submissions domain.SubmissionStore
	Lock        domain.SubmissionLock
	close       func(context.Context) error
}

// Close releases the backend connection, if any.
func (d *Documents) Close(ctx context.Context) error {
	if d.close == nil {
		return nil
	}
	return d.close(ctx)
}

// OpenDocuments selects the donor/submission backend. Defaults to memory.
func OpenDocuments(ctx context.Context, cfg DocumentsConfig) (*Documents, error) {
	driver := DocumentDriver(cfg.Driver)
	if driver == "" {
		driver = DocumentsMemory
	}
	switch driver {
	case DocumentsMemory:
		return &Documents{
			Donors:      memory.NewDonorStore(),
			Submissions: memory.NewSubmissionStore(),
			Lock:        memory.NewSubmissionLock(),
		}, nil
	case DocumentsMongo:
		db, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureIndexes(ctx); err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
		return &Documents{
			Donors:      db.Donors(),
			Submissions: db.Submissions(),
			Lock:        db.Lock(),
			close:       db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown documents driver %s", cfg.Driver)
	}
}

type nopCloser struct {
	*memory.MigrationLog
}

func (nopCloser) Close() error { return nil }

type mongoLog struct {
	*mongo.MigrationLog
	db *mongo.Database
}

func (l mongoLog) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return l.db.Close(ctx)
}
