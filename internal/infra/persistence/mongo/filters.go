package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"clinicalcore/pkg/domain"
)

const submissionLockID = "clinical-submission-config"

func unmigratedFilter(migrationID string) bson.M {
	return bson.M{"schemaMetadata.lastMigrationId": bson.M{"$ne": migrationID}}
}

func donorFilter(donorID string) bson.M {
	return bson.M{"donorId": donorID}
}

func markValidUpdate(migrationID, version string, now time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"schemaMetadata.isValid":                true,
		"schemaMetadata.lastValidSchemaVersion": version,
		"schemaMetadata.lastMigrationId":        migrationID,
		"updatedAt":                             now,
	}}
}

func markInvalidUpdate(migrationID string, now time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"schemaMetadata.isValid":         false,
		"schemaMetadata.lastMigrationId": migrationID,
		"updatedAt":                      now,
	}}
}

func tagMigrationUpdate(migrationID string, now time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"schemaMetadata.lastMigrationId": migrationID,
		"updatedAt":                      now,
	}}
}

func completionStatsUpdate(stats domain.CompletionStats, now time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"completionStats": stats,
		"updatedAt":       now,
	}}
}

func openSubmissionsFilter() bson.M {
	return bson.M{}
}

func submissionLockUpdate(disabled bool) bson.M {
	return bson.M{"$set": bson.M{"submissionsDisabled": disabled}}
}

func migrationStateFilter(state domain.MigrationState) bson.M {
	if state == "" {
		return bson.M{}
	}
	return bson.M{"state": string(state)}
}

// normalizeRecords converts driver array types in decoded clinical records
// back to plain slices so value formatting matches other backends.
func normalizeRecords(entities map[string][]map[string]any) {
	for _, recs := range entities {
		for _, rec := range recs {
			for k, v := range rec {
				rec[k] = normalizeValue(v)
			}
		}
	}
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case primitive.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339)
	default:
		return v
	}
}
