package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"newspulse/internal/pipeline"
)

const (
	queueKey      = "queue:ingest"
	jobPrefix     = "job:"
	lastReportKey = "report:last"

	jobTTL = 7 * 24 * time.Hour
	// popTimeout bounds each BRPOP so the loop notices cancellation.
	popTimeout = time.Second
)

var (
	ErrJobNotFound = errors.New("job not found")
	errNoJob       = errors.New("no job queued")
)

type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// Job is one requested ingestion run.
type Job struct {
	ID          uuid.UUID        `json:"id"`
	Categories  []string         `json:"categories"`
	Origin      string           `json:"origin"`
	Status      JobStatus        `json:"status"`
	RequestedAt time.Time        `json:"requested_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Report      *pipeline.Report `json:"report,omitempty"`
}

// NewJob creates a pending job for categories.
func NewJob(categories []string, origin string) Job {
	if categories == nil {
		categories = []string{}
	}
	return Job{
		ID:          uuid.New(),
		Categories:  categories,
		Origin:      origin,
		Status:      StatusPending,
		RequestedAt: time.Now().UTC(),
	}
}

// Queue is a Redis list of job ids plus a record per job.
type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue stores a pending job and pushes it onto the queue.
func (q *Queue) Enqueue(ctx context.Context, categories []string, origin string) (Job, error) {
	job := NewJob(categories, origin)
	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, err
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, jobPrefix+job.ID.String(), data, jobTTL)
	pipe.LPush(ctx, queueKey, job.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Pop waits briefly for the next job. errNoJob means the wait timed out.
func (q *Queue) Pop(ctx context.Context) (Job, error) {
	result, err := q.rdb.BRPop(ctx, popTimeout, queueKey).Result()
	if err == redis.Nil {
		return Job{}, errNoJob
	}
	if err != nil {
		return Job{}, err
	}

	id, err := uuid.Parse(result[1])
	if err != nil {
		return Job{}, fmt.Errorf("bad job id %q: %w", result[1], err)
	}
	return q.Job(ctx, id)
}

// Job loads a job record.
func (q *Queue) Job(ctx context.Context, id uuid.UUID) (Job, error) {
	val, err := q.rdb.Get(ctx, jobPrefix+id.String()).Bytes()
	if err == redis.Nil {
		return Job{}, ErrJobNotFound
	} else if err != nil {
		return Job{}, err
	}

	var job Job
	if err := json.Unmarshal(val, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Save overwrites the job record.
func (q *Queue) Save(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, jobPrefix+job.ID.String(), data, jobTTL).Err()
}

// Pending is the number of queued jobs.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, queueKey).Result()
}

// SetLastReport records the most recent finished run.
func (q *Queue) SetLastReport(ctx context.Context, r pipeline.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, lastReportKey, data, 0).Err()
}

// LastReport returns the most recent finished run, or ErrJobNotFound.
func (q *Queue) LastReport(ctx context.Context) (pipeline.Report, error) {
	val, err := q.rdb.Get(ctx, lastReportKey).Bytes()
	if err == redis.Nil {
		return pipeline.Report{}, ErrJobNotFound
	} else if err != nil {
		return pipeline.Report{}, err
	}
	var r pipeline.Report
	if err := json.Unmarshal(val, &r); err != nil {
		return pipeline.Report{}, err
	}
	return r, nil
}
