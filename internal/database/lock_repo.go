package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// lockDocument is a named lease held by one pod
type lockDocument struct {
	Name      string    `bson:"_id"`
	LockedBy  string    `bson:"locked_by"`
	LockedAt  time.Time `bson:"locked_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// LockRepository handles distributed locks so that periodic sweeps run on a
// single pod at a time
type LockRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewLockRepository creates a new lock repository
func NewLockRepository(db *MongoDB) *LockRepository {
	return &LockRepository{
		collection: db.GetCollection(CollectionLocks),
		now:        time.Now,
	}
}

// AcquireLock attempts to take the named lock for ttl. It returns false when
// another pod holds an unexpired lease. The holder may re-acquire to extend.
func (r *LockRepository) AcquireLock(ctx context.Context, name, podID string, ttl time.Duration) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := r.now().UTC()
	expiresAt := now.Add(ttl)

	filter := bson.M{
		"_id": name,
		"$or": []bson.M{
			{"expires_at": bson.M{"$lt": now}},
			{"locked_by": podID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"locked_by":  podID,
			"locked_at":  now,
			"expires_at": expiresAt,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result lockDocument
	err := r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&result)
	if err != nil {
		// the upsert collides with a live lease held by someone else
		if mongo.IsDuplicateKeyError(err) || errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if result.LockedBy != podID {
		return false, nil
	}

	slog.Debug("Successfully acquired lock",
		"lock", name,
		"pod_id", podID,
		"expires_at", expiresAt,
	)
	return true, nil
}

// ReleaseLock releases the named lock, but only if it's owned by podID
func (r *LockRepository) ReleaseLock(ctx context.Context, name, podID string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.collection.DeleteOne(ctxTimeout, bson.M{"_id": name, "locked_by": podID})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result.DeletedCount > 0 {
		slog.Debug("Successfully released lock", "lock", name, "pod_id", podID)
	}
	return nil
}

// ReleaseAllLocks releases every lock owned by podID. Called during shutdown.
func (r *LockRepository) ReleaseAllLocks(ctx context.Context, podID string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.collection.DeleteMany(ctxTimeout, bson.M{"locked_by": podID})
	if err != nil {
		return fmt.Errorf("failed to release all locks: %w", err)
	}
	if result.DeletedCount > 0 {
		slog.Info("Released all locks during shutdown",
			"pod_id", podID,
			"count", result.DeletedCount,
		)
	}
	return nil
}
