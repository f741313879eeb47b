package statuscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/contentcreative/AutoCut-Pro-sub000/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	keyPrefix = "export:status:"
	entryTTL  = 24 * time.Hour
)

// Cache is an optional Redis-backed view of {status, progress, error} per job,
// written best-effort by the worker so the API can answer hot polling traffic
// without hitting Postgres. The jobs table stays the source of truth.
type Cache struct {
	client *redis.Client
}

type Entry struct {
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Error     *string          `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Set overwrites the cached view for a job.
func (c *Cache) Set(ctx context.Context, jobID uuid.UUID, status models.JobStatus, progress int, errMsg *string) error {
	entry := Entry{
		Status:    status,
		Progress:  progress,
		Error:     errMsg,
		UpdatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal status entry: %w", err)
	}

	return c.client.Set(ctx, keyPrefix+jobID.String(), data, entryTTL).Err()
}

// Get returns the cached view, or (nil, nil) on a cache miss.
func (c *Cache) Get(ctx context.Context, jobID uuid.UUID) (*Entry, error) {
	data, err := c.client.Get(ctx, keyPrefix+jobID.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status entry: %w", err)
	}

	return &entry, nil
}

// Delete drops the cached view, e.g. after a job row is deleted.
func (c *Cache) Delete(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, keyPrefix+jobID.String()).Err()
}
