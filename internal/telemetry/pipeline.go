package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const pipelineScopeName = "github.com/adsabs/orcid-claims/pipeline"

// PipelineMetrics bundles the instruments the queue handlers record.
// Safe to use before Init; instruments resolve against the global
// provider, no-op when telemetry is off.
type PipelineMetrics struct {
	profilesChecked metric.Int64Counter
	claimsMatched   metric.Int64Counter
	recordsUpdated  metric.Int64Counter
	taskDuration    metric.Float64Histogram
	taskErrors      metric.Int64Counter
}

func NewPipelineMetrics() *PipelineMetrics {
	m := Meter(pipelineScopeName)
	profiles, _ := m.Int64Counter("orcid.profiles.checked",
		metric.WithDescription("ORCID profiles diffed against stored claims"),
	)
	claims, _ := m.Int64Counter("orcid.claims.matched",
		metric.WithDescription("Claims matched to an author position, by outcome"),
	)
	records, _ := m.Int64Counter("orcid.records.updated",
		metric.WithDescription("Record claim arrays written"),
	)
	dur, _ := m.Float64Histogram("orcid.task.duration",
		metric.WithDescription("Queue task handler duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("orcid.task.errors",
		metric.WithDescription("Queue task handler failures, by error kind"),
	)
	return &PipelineMetrics{
		profilesChecked: profiles,
		claimsMatched:   claims,
		recordsUpdated:  records,
		taskDuration:    dur,
		taskErrors:      errs,
	}
}

func (p *PipelineMetrics) ProfileChecked(ctx context.Context) {
	p.profilesChecked.Add(ctx, 1)
}

// ClaimMatched counts one matching attempt. outcome is verified,
// unverified, removed or unmatched.
func (p *PipelineMetrics) ClaimMatched(ctx context.Context, outcome string) {
	p.claimsMatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (p *PipelineMetrics) RecordUpdated(ctx context.Context) {
	p.recordsUpdated.Add(ctx, 1)
}

// Task records one handler run for the named queue task.
func (p *PipelineMetrics) Task(ctx context.Context, task string, start time.Time, err error, kind string) {
	attrs := metric.WithAttributes(attribute.String("task", task))
	p.taskDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		p.taskErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task", task),
			attribute.String("kind", kind),
		))
	}
}
