package control

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/qflow/events"
	"github.com/c360studio/qflow/qerr"
)

// Metrics owns the control plane's Prometheus registry. Collectors are
// fed from the event bus rather than from instrumented call sites, so
// the packages doing the work publish domain events and nothing else.
type Metrics struct {
	registry *prometheus.Registry

	executionsStarted    prometheus.Counter
	executionsCompleted  prometheus.Counter
	executionsFailed     prometheus.Counter
	stepsDispatched      prometheus.Counter
	stepsFailed          prometheus.Counter
	stepsReassigned      prometheus.Counter
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
	sandboxViolations    *prometheus.CounterVec
	escapesDetected      prometheus.Counter
	egressDenied         prometheus.Counter
	scalingTriggers      prometheus.Counter
	optimizationsApplied prometheus.Counter
	emergencies          prometheus.Counter
	burnRate             prometheus.Gauge
	degradationLevel     prometheus.Gauge

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMetrics builds the registry with every collector registered.
func NewMetrics() *Metrics {
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qflow", Subsystem: subsystem, Name: name, Help: help,
		})
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qflow", Subsystem: subsystem, Name: name, Help: help,
		})
	}

	m := &Metrics{
		registry:            prometheus.NewRegistry(),
		executionsStarted:   counter("engine", "executions_started_total", "Executions admitted and queued."),
		executionsCompleted: counter("engine", "executions_completed_total", "Executions that finished every step."),
		executionsFailed:    counter("engine", "executions_failed_total", "Executions finalized as failed."),
		stepsDispatched:     counter("engine", "steps_dispatched_total", "Steps handed to a node."),
		stepsFailed:         counter("engine", "steps_failed_total", "Step attempts that failed."),
		stepsReassigned:     counter("engine", "steps_reassigned_total", "Steps moved to another node."),
		cacheHits:           counter("validation", "cache_hits_total", "Validation results served from the signed cache."),
		cacheMisses:         counter("validation", "cache_misses_total", "Validation results computed fresh."),
		sandboxViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qflow", Subsystem: "sandbox", Name: "violations_total",
			Help: "Policy violations recorded by sandboxes.",
		}, []string{"severity"}),
		escapesDetected:      counter("sandbox", "escapes_detected_total", "Confirmed escape techniques."),
		egressDenied:         counter("capability", "egress_denied_total", "Calls denied by capability enforcement."),
		scalingTriggers:      counter("control", "scaling_triggers_total", "Autoscaler decisions fired."),
		optimizationsApplied: counter("control", "optimizations_applied_total", "Optimizer rules applied."),
		emergencies:          counter("control", "emergencies_total", "Emergency episodes entered."),
		burnRate:             gauge("control", "burn_rate", "Current overall burn rate in [0,1]."),
		degradationLevel:     gauge("control", "degradation_level", "Current degradation ladder level."),
	}
	m.registry.MustRegister(
		m.executionsStarted, m.executionsCompleted, m.executionsFailed,
		m.stepsDispatched, m.stepsFailed, m.stepsReassigned,
		m.cacheHits, m.cacheMisses,
		m.sandboxViolations, m.escapesDetected, m.egressDenied,
		m.scalingTriggers, m.optimizationsApplied, m.emergencies,
		m.burnRate, m.degradationLevel,
	)
	return m
}

// Registry exposes the registry for the serve endpoint and the CLI.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Start subscribes to the bus and feeds the collectors until Stop or
// ctx cancellation.
func (m *Metrics) Start(ctx context.Context, bus *events.Bus) error {
	if bus == nil {
		return qerr.New(qerr.KindRequiredField, "metrics need an event bus to watch")
	}
	sub := bus.Subscribe(events.TopicPrefix + ".>")
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-loopCtx.Done():
				return
			case env, ok := <-sub.C():
				if !ok {
					return
				}
				m.observe(env)
			}
		}
	}()
	return nil
}

// Stop halts the feed loop.
func (m *Metrics) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Metrics) observe(env events.Envelope) {
	switch env.Topic {
	case events.TopicExecStarted:
		m.executionsStarted.Inc()
	case events.TopicExecCompleted:
		m.executionsCompleted.Inc()
	case events.TopicExecFailed:
		m.executionsFailed.Inc()
	case events.TopicStepDispatched:
		m.stepsDispatched.Inc()
	case events.TopicStepFailed:
		m.stepsFailed.Inc()
	case events.TopicStepReassigned:
		m.stepsReassigned.Inc()
	case events.TopicValidationExecuted:
		if p, ok := env.Data.(*events.ValidationExecutedPayload); ok {
			m.cacheHits.Add(float64(p.CacheHits))
			m.cacheMisses.Add(float64(p.CacheMisses))
		}
	case events.TopicSandboxViolation:
		severity := "unknown"
		if p, ok := env.Data.(*events.SandboxViolationPayload); ok && p.Severity != "" {
			severity = p.Severity
		}
		m.sandboxViolations.WithLabelValues(severity).Inc()
	case events.TopicEscapeDetected:
		m.escapesDetected.Inc()
	case events.TopicEgressDenied:
		m.egressDenied.Inc()
	case events.TopicScalingTriggered:
		m.scalingTriggers.Inc()
	case events.TopicOptimizerApplied:
		m.optimizationsApplied.Inc()
	case events.TopicEmergency:
		m.emergencies.Inc()
	case events.TopicBurnRate:
		if p, ok := env.Data.(*events.BurnRatePayload); ok {
			m.burnRate.Set(p.Overall)
		}
	case events.TopicDegradationUp, events.TopicDegradationDown:
		if p, ok := env.Data.(*events.DegradationChangedPayload); ok {
			m.degradationLevel.Set(float64(p.ToLevel))
		}
	}
}
