package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/agenthands/autonet/pkg/metrics"
	"go.uber.org/zap"
)

// Option configures a Writer or Reader.
type Option func(*settings)

type settings struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func defaultSettings(opts []Option) settings {
	s := settings{logger: zap.NewNop()}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records transfer activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// reason labels a failed attempt for metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, core.ErrPayment), errors.Is(err, core.ErrInvalidInput):
		return "rejected"
	default:
		return "network"
	}
}
