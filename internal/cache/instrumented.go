package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	cacheDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/folio-labs/pagecache/internal/cache")

		var err error
		cacheOperations, err = meter.Int64Counter(
			"cache.operations",
			metric.WithDescription("Total cache operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheDuration, err = meter.Float64Histogram(
			"cache.operation.duration",
			metric.WithDescription("Cache operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a Store with metrics instrumentation. Handles opened
// through it are instrumented too.
type Instrumented struct {
	wrapped   Store
	cacheType string
}

// NewInstrumented creates an instrumented store wrapper.
func NewInstrumented(store Store, cacheType string) *Instrumented {
	initMetrics()
	return &Instrumented{
		wrapped:   store,
		cacheType: cacheType,
	}
}

func (i *Instrumented) Open(ctx context.Context, ns Namespace) (Handle, error) {
	start := time.Now()

	handle, err := i.wrapped.Open(ctx, ns)

	i.record(ctx, "open", successStatus(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	return &instrumentedHandle{wrapped: handle, parent: i}, nil
}

func (i *Instrumented) Namespaces(ctx context.Context) ([]Namespace, error) {
	start := time.Now()

	names, err := i.wrapped.Namespaces(ctx)

	i.record(ctx, "namespaces", successStatus(err), time.Since(start))
	return names, err
}

func (i *Instrumented) Delete(ctx context.Context, ns Namespace) (bool, error) {
	start := time.Now()

	existed, err := i.wrapped.Delete(ctx, ns)

	status := "success"
	if err != nil {
		status = "error"
	} else if !existed {
		status = "absent"
	}
	i.record(ctx, "delete", status, time.Since(start))

	return existed, err
}

// Close releases any resources held by the store.
func (i *Instrumented) Close() error {
	return i.wrapped.Close()
}

type instrumentedHandle struct {
	wrapped Handle
	parent  *Instrumented
}

func (h *instrumentedHandle) Namespace() Namespace {
	return h.wrapped.Namespace()
}

func (h *instrumentedHandle) Match(ctx context.Context, key Key) (Response, bool, error) {
	start := time.Now()

	resp, found, err := h.wrapped.Match(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	h.parent.record(ctx, "match", status, time.Since(start))

	return resp, found, err
}

func (h *instrumentedHandle) Put(ctx context.Context, key Key, resp Response) error {
	start := time.Now()

	err := h.wrapped.Put(ctx, key, resp)

	h.parent.record(ctx, "put", successStatus(err), time.Since(start))
	return err
}

func successStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (i *Instrumented) record(ctx context.Context, operation, status string, duration time.Duration) {
	if cacheOperations != nil {
		cacheOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("cache.type", i.cacheType),
				attribute.String("cache.operation", operation),
				attribute.String("cache.status", status),
			),
		)
	}

	if cacheDuration != nil {
		cacheDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("cache.type", i.cacheType),
				attribute.String("cache.operation", operation),
			),
		)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("cache.type", i.cacheType),
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
	)
}
