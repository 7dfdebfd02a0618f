package middleware

import (
	"context"
	"time"

	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/metrics"
)

// Metrics returns middleware that counts handler outcomes and records
// handler latency in the given registry.
func Metrics(reg *metrics.Registry) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		reg.Observe("job.handler", time.Since(start))
		if err != nil {
			reg.Inc("job.handler.error")
		} else {
			reg.Inc("job.handler.success")
		}
		return err
	}
}
