// Package mongo implements the donor, submission, submission-lock and
// migration-log contracts on MongoDB collections.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"clinicalcore/pkg/domain"
)

var (
	_ domain.MigrationLog    = (*MigrationLog)(nil)
	_ domain.DonorStore      = (*DonorStore)(nil)
	_ domain.SubmissionStore = (*SubmissionStore)(nil)
	_ domain.SubmissionLock  = (*SubmissionLock)(nil)
)

// Collection names.
const (
	DonorsCollection         = "donors"
	SubmissionsCollection    = "activesubmissions"
	ConfigurationsCollection = "configurations"
	MigrationsCollection     = "dictionarymigrations"

	defaultURI      = "mongodb://localhost:27017"
	defaultDatabase = "clinical"
	connectTimeout  = 30 * time.Second
)

// Database bundles a connected client with the clinical database handle.
type Database struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri, pings the primary and returns the named database.
func Connect(ctx context.Context, uri, database string) (*Database, error) {
	if uri == "" {
		uri = defaultURI
	}
	if database == "" {
		database = defaultDatabase
	}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Database{client: client, db: client.Database(database)}, nil
}

// Close disconnects the client.
func (d *Database) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// Donors returns the donor store.
func (d *Database) Donors() *DonorStore {
	return NewDonorStore(d.db.Collection(DonorsCollection))
}

// Submissions returns the active submission store.
func (d *Database) Submissions() *SubmissionStore {
	return NewSubmissionStore(d.db.Collection(SubmissionsCollection))
}

// Lock returns the submissions-disabled flag.
func (d *Database) Lock() *SubmissionLock {
	return NewSubmissionLock(d.db.Collection(ConfigurationsCollection))
}

// MigrationLog ensures the migration indexes and returns the log.
func (d *Database) MigrationLog(ctx context.Context) (*MigrationLog, error) {
	return NewMigrationLog(ctx, d.db.Collection(MigrationsCollection))
}

// EnsureIndexes creates the donor indexes used by the migration sweep.
func (d *Database) EnsureIndexes(ctx context.Context) error {
	_, err := d.db.Collection(DonorsCollection).Indexes().CreateMany(ctx, donorIndexes())
	if err != nil {
		return fmt.Errorf("create donor indexes: %w", err)
	}
	return nil
}

func donorIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "donorId", Value: 1}}, Options: options.Index().SetUnique(true).SetName("donor_id")},
		{Keys: bson.D{{Key: "schemaMetadata.lastMigrationId", Value: 1}, {Key: "donorId", Value: 1}}, Options: options.Index().SetName("donor_migration_cursor")},
		{Keys: bson.D{{Key: "programId", Value: 1}}, Options: options.Index().SetName("donor_program")},
	}
}
