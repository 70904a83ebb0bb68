// Package metrics exposes Prometheus instrumentation for HTTP traffic,
// database calls and the scheduling engine.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitalis_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vitalis_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vitalis_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	materializationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitalis_slot_materializations_total",
		Help: "Slot materialization runs by result.",
	}, []string{"result"})

	slotsGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vitalis_slots_generated_total",
		Help: "Slots inserted by materialization.",
	})

	slotsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vitalis_slots_replaced_total",
		Help: "Unbooked future slots deleted by materialization.",
	})

	bookingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitalis_bookings_total",
		Help: "Booking attempts by result.",
	}, []string{"result"})

	panicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitalis_http_panics_total",
		Help: "Handler panics recovered, by route.",
	}, []string{"route"})
)

// Middleware records request metrics and stores the route pattern in the
// request context for downstream DB instrumentation.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			req := c.Request()
			c.SetRequest(req.WithContext(context.WithValue(req.Context(), routeLabelKey, route)))

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := strconv.Itoa(c.Response().Status)
			httpRequestsTotal.WithLabelValues(req.Method, route, status).Inc()
			httpRequestDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for an operation, labelled with
// the request route when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

// ObserveMaterialization records one materialization run.
func ObserveMaterialization(result string, inserted, deleted int) {
	materializationsTotal.WithLabelValues(result).Inc()
	if inserted > 0 {
		slotsGeneratedTotal.Add(float64(inserted))
	}
	if deleted > 0 {
		slotsDeletedTotal.Add(float64(deleted))
	}
}

// ObserveBooking records one booking attempt ("booked", "conflict",
// "not_found", "error").
func ObserveBooking(result string) {
	bookingsTotal.WithLabelValues(result).Inc()
}

// ObservePanic counts a recovered handler panic on route.
func ObservePanic(route string) {
	panicsTotal.WithLabelValues(route).Inc()
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

type queryStartKey struct{}

type queryStart struct {
	at        time.Time
	operation string
}

// QueryTracer is a pgx.QueryTracer feeding ObserveDBLatency.
type QueryTracer struct{}

var _ pgx.QueryTracer = QueryTracer{}

func (QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), operation: operationOf(data.SQL)})
}

func (QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryEndData) {
	if qs, ok := ctx.Value(queryStartKey{}).(queryStart); ok {
		ObserveDBLatency(ctx, qs.operation, qs.at)
	}
}

// operationOf returns the leading SQL keyword, lowercased.
func operationOf(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	op := strings.ToLower(fields[0])
	switch op {
	case "select", "insert", "update", "delete", "with", "begin", "commit", "rollback", "create", "alter":
		return op
	}
	return "other"
}
