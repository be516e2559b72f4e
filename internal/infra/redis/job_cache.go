package redis

import (
	"context"
	"encoding/json"
	"time"

	"planforge/internal/domain/model"
)

// JobCache keeps recent job snapshots so status polls from the ops API do
// not hit Postgres for every refresh. Invalidation is by TTL plus explicit
// Delete on finalization.
type JobCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewJobCache(client RedisClient, ttl time.Duration) *JobCache {
	return &JobCache{client: client, ttl: ttl}
}

func jobKey(id string) string { return "job:" + id }

func (c *JobCache) Store(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, jobKey(job.ID), data, c.ttl)
}

// Get returns (nil, nil) on a cache miss.
func (c *JobCache) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := c.client.Get(ctx, jobKey(id))
	if err != nil {
		if IsNil(err) {
			return nil, nil
		}
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *JobCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, jobKey(id))
}
