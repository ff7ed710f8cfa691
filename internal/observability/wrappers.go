package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/session"
)

// InstrumentedDriver wraps a session.Driver with metrics and tracing.
// The registry and supervisor see driver latency and failure rates
// without knowing anything about the observability stack.
type InstrumentedDriver struct {
	inner   session.Driver
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedDriver wraps a sandbox driver with observability.
func NewInstrumentedDriver(inner session.Driver, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedDriver {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedDriver{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (d *InstrumentedDriver) Create(ctx context.Context, volume string) (string, error) {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "driver.create",
			trace.WithAttributes(
				attribute.String("driver.volume", volume),
			))
		defer span.End()
	}

	start := time.Now()
	unitID, err := d.inner.Create(ctx, volume)
	d.recordCall(ctx, "create", start, err)
	return unitID, err
}

func (d *InstrumentedDriver) Start(ctx context.Context, unitID string) error {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "driver.start",
			trace.WithAttributes(
				attribute.String("driver.unit_id", unitID),
			))
		defer span.End()
	}

	start := time.Now()
	err := d.inner.Start(ctx, unitID)
	d.recordCall(ctx, "start", start, err)
	return err
}

func (d *InstrumentedDriver) Stop(ctx context.Context, unitID string) error {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "driver.stop",
			trace.WithAttributes(
				attribute.String("driver.unit_id", unitID),
			))
		defer span.End()
	}

	start := time.Now()
	err := d.inner.Stop(ctx, unitID)
	d.recordCall(ctx, "stop", start, err)
	return err
}

func (d *InstrumentedDriver) Destroy(ctx context.Context, unitID string, keepVolume bool) error {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "driver.destroy",
			trace.WithAttributes(
				attribute.String("driver.unit_id", unitID),
				attribute.Bool("driver.keep_volume", keepVolume),
			))
		defer span.End()
	}

	start := time.Now()
	err := d.inner.Destroy(ctx, unitID, keepVolume)
	d.recordCall(ctx, "destroy", start, err)
	return err
}

func (d *InstrumentedDriver) RemoveVolume(ctx context.Context, volume string) error {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "driver.remove_volume",
			trace.WithAttributes(
				attribute.String("driver.volume", volume),
			))
		defer span.End()
	}

	start := time.Now()
	err := d.inner.RemoveVolume(ctx, volume)
	d.recordCall(ctx, "remove_volume", start, err)
	return err
}

func (d *InstrumentedDriver) Exec(ctx context.Context, unitID string, command []string, workdir string) (*session.ExecResult, error) {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "driver.exec",
			trace.WithAttributes(
				attribute.String("driver.unit_id", unitID),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := d.inner.Exec(ctx, unitID, command, workdir)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if d.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if result != nil && result.ExitCode != 0 {
		status = "nonzero_exit"
		if d.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("driver.exit_code", result.ExitCode))
		}
	}

	if d.metrics != nil {
		d.metrics.DriverCallsTotal.WithLabelValues("exec", status).Inc()
		d.metrics.DriverCallDuration.WithLabelValues("exec").Observe(duration)
	}

	return result, err
}

// recordCall finishes the active span on error and records the call on
// the driver metrics. Shared by every method except Exec, which also
// distinguishes nonzero exits.
func (d *InstrumentedDriver) recordCall(ctx context.Context, op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if d.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if d.metrics != nil {
		d.metrics.DriverCallsTotal.WithLabelValues(op, status).Inc()
		d.metrics.DriverCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// --- Compile-time interface checks ---

var _ session.Driver = (*InstrumentedDriver)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
