package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dandantas/quantflow/internal/jobstore"
	"github.com/dandantas/quantflow/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// maxUpdateAttempts bounds the optimistic retry loop of Update
const maxUpdateAttempts = 5

// JobRepository is a jobstore.Store backed by MongoDB.
// Updates are compare-and-swap on the version field.
type JobRepository struct {
	collection *mongo.Collection
}

var _ jobstore.Store = (*JobRepository)(nil)

// NewJobRepository creates a new job repository
func NewJobRepository(db *MongoDB) *JobRepository {
	return &JobRepository{
		collection: db.GetCollection(CollectionJobs),
	}
}

// Create inserts a new job
func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc := job.Clone()
	doc.Version = 1
	if _, err := r.collection.InsertOne(ctxTimeout, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.Version = 1
	return nil
}

// Get retrieves a job by id
func (r *JobRepository) Get(ctx context.Context, id string) (*model.Job, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var job model.Job
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Update reads the job, applies fn and writes it back if nobody else wrote
// in between, retrying a bounded number of times otherwise.
func (r *JobRepository) Update(ctx context.Context, id string, fn jobstore.UpdateFunc) (*model.Job, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Version = current.Version + 1

		ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
		res, err := r.collection.ReplaceOne(ctxTimeout,
			bson.M{"_id": id, "version": current.Version},
			next,
		)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to update job: %w", err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("job %s: %w", id, model.ErrConflict)
}

// List retrieves jobs newest first
func (r *JobRepository) List(ctx context.Context, filter model.JobFilter) ([]*model.Job, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Kind != "" {
		query["kind"] = filter.Kind
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = jobstore.DefaultListLimit
	}

	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	cursor, err := r.collection.Find(ctxTimeout, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var jobs []*model.Job
	if err := cursor.All(ctxTimeout, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return jobs, nil
}

// ListExpired returns ids of terminal jobs that finished before the cutoff
func (r *JobRepository) ListExpired(ctx context.Context, finishedBefore time.Time) ([]string, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := bson.M{
		"status":      bson.M{"$in": bson.A{model.JobCompleted, model.JobFailed, model.JobCancelled}},
		"finished_at": bson.M{"$lt": finishedBefore},
	}
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := r.collection.Find(ctxTimeout, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctxTimeout, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode expired jobs: %w", err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// Delete removes a job
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.collection.DeleteOne(ctxTimeout, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// FindStrategy returns the strategy synthesized by a completed workflow job
func (r *JobRepository) FindStrategy(ctx context.Context, strategyID string) (*model.Strategy, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var job model.Job
	err := r.collection.FindOne(ctxTimeout, bson.M{
		"kind":               model.KindWorkflow,
		"status":             model.JobCompleted,
		"result.strategy.id": strategyID,
	}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("strategy %s: %w", strategyID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find strategy: %w", err)
	}
	if job.Result == nil || job.Result.Strategy == nil {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, model.ErrNotFound)
	}
	return job.Result.Strategy, nil
}
