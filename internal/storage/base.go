package storage

import (
	"context"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/transport"
)

// base carries what every HTTP-backed provider shares: a name for errors,
// the retry policy and a logger.
type base struct {
	name   string
	retry  transport.RetryPolicy
	logger *events.Logger
}

func newBase(name, kind string, retry transport.RetryPolicy, logger *events.Logger) base {
	return base{
		name:  name,
		retry: retry,
		logger: logger.WithFields(map[string]interface{}{
			"component": "storage",
			"provider":  kind,
			"endpoint":  name,
		}),
	}
}

// Name implements Provider.
func (b *base) Name() string {
	return b.name
}

// withRetry runs fn under the retry policy and translates whatever it
// returns into the shared taxonomy.
func (b *base) withRetry(ctx context.Context, op, path string, fn func(ctx context.Context) error) error {
	err := transport.Retry(ctx, b.retry, b.logger, func(ctx context.Context) error {
		return wrapError(b.name, op, path, fn(ctx))
	})
	return wrapError(b.name, op, path, err)
}
