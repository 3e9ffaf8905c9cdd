package provider

import (
	"context"
	"time"

	"github.com/relaymesh/relay/internal/observability"
)

// Instrumented wraps a Provider with request counters and latency
// histograms. A nil metrics handle returns p unchanged.
func Instrumented(p Provider, metrics *observability.Metrics) Provider {
	if metrics == nil {
		return p
	}
	return &instrumented{next: p, metrics: metrics}
}

type instrumented struct {
	next    Provider
	metrics *observability.Metrics
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) Create(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := i.next.Create(ctx, req)

	status := "success"
	if err != nil {
		status = "error"
	}
	i.metrics.ProviderRequestCounter.WithLabelValues(i.next.Name(), req.Model, status).Inc()
	i.metrics.ProviderRequestDuration.WithLabelValues(i.next.Name(), req.Model).Observe(time.Since(start).Seconds())
	return resp, err
}
