// Package livecache holds the most recent metric sample per run in redis so
// operators can inspect live resource usage without querying the database.
// Strictly best-effort: the relational store stays the record of truth and
// nothing coordinates through the cache.
package livecache

import (
	"context"

	"pipetrack/internal/models"
)

// Publisher receives each sample the reporter persists
type Publisher interface {
	Publish(ctx context.Context, sample *models.ProcessMetricSample) error
	Close() error
}

// Noop is used when no cache is configured
type Noop struct{}

func (Noop) Publish(context.Context, *models.ProcessMetricSample) error { return nil }
func (Noop) Close() error                                               { return nil }
