package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all control-plane metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	TaskDuration       metric.Float64Histogram
	TasksActive        metric.Int64UpDownCounter
	TaskOutcomes       metric.Int64Counter
	DriverAcquireTime  metric.Float64Histogram
	DriverAcquireError metric.Int64Counter
	StreamEventsTotal  metric.Int64Counter
	PushDuration       metric.Float64Histogram
	PushErrors         metric.Int64Counter
	ScheduleFiredTotal metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentplane.request.duration",
		metric.WithDescription("Ingress request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("agentplane.task.duration",
		metric.WithDescription("Task acquire-to-terminal duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksActive, err = meter.Int64UpDownCounter("agentplane.task.active",
		metric.WithDescription("Number of tasks currently being dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskOutcomes, err = meter.Int64Counter("agentplane.task.outcomes",
		metric.WithDescription("Terminal task outcomes, partitioned by status"),
	)
	if err != nil {
		return nil, err
	}

	m.DriverAcquireTime, err = meter.Float64Histogram("agentplane.driver.acquire.duration",
		metric.WithDescription("Worker acquisition duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DriverAcquireError, err = meter.Int64Counter("agentplane.driver.acquire.errors",
		metric.WithDescription("Worker acquisition failure count"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEventsTotal, err = meter.Int64Counter("agentplane.stream.events",
		metric.WithDescription("Total worker stream events fanned out to log and subscriber"),
	)
	if err != nil {
		return nil, err
	}

	m.PushDuration, err = meter.Float64Histogram("agentplane.push.duration",
		metric.WithDescription("Push notification POST duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PushErrors, err = meter.Int64Counter("agentplane.push.errors",
		metric.WithDescription("Push notification delivery failure count"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduleFiredTotal, err = meter.Int64Counter("agentplane.schedule.fired",
		metric.WithDescription("Total cron schedules that fired a new task"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
