package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"clinicalcore/pkg/domain"
)

// SubmissionStore persists active submissions keyed by _id.
type SubmissionStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewSubmissionStore wraps the active submissions collection.
func NewSubmissionStore(coll *mongo.Collection) *SubmissionStore {
	return &SubmissionStore{coll: coll, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SubmissionStore) FindOpen(ctx context.Context) ([]domain.Submission, error) {
	cur, err := s.coll.Find(ctx, openSubmissionsFilter(), options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find submissions: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var subs []domain.Submission
	if err := cur.All(ctx, &subs); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}
	return subs, nil
}

func (s *SubmissionStore) Save(ctx context.Context, sub domain.Submission) (domain.Submission, error) {
	sub.UpdatedAt = s.now()
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": sub.ID}, sub, options.Replace().SetUpsert(true))
	if err != nil {
		return domain.Submission{}, fmt.Errorf("save submission %s: %w", sub.ID, err)
	}
	return sub, nil
}

// SubmissionLock stores the submissions-disabled flag on the shared
// configuration document.
type SubmissionLock struct {
	coll *mongo.Collection
}

// NewSubmissionLock wraps the configurations collection.
func NewSubmissionLock(coll *mongo.Collection) *SubmissionLock {
	return &SubmissionLock{coll: coll}
}

func (l *SubmissionLock) SetSubmissionsDisabled(ctx context.Context, disabled bool) (bool, error) {
	res, err := l.coll.UpdateOne(ctx, bson.M{"_id": submissionLockID}, submissionLockUpdate(disabled), options.Update().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("set submissions disabled: %w", err)
	}
	return res.MatchedCount+res.UpsertedCount > 0, nil
}

func (l *SubmissionLock) SubmissionsDisabled(ctx context.Context) (bool, error) {
	var doc struct {
		SubmissionsDisabled bool `bson:"submissionsDisabled"`
	}
	err := l.coll.FindOne(ctx, bson.M{"_id": submissionLockID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read submissions disabled: %w", err)
	}
	return doc.SubmissionsDisabled, nil
}
