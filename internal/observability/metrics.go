package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

var (
	TasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_published_total",
			Help: "Total number of task messages published",
		},
		[]string{"queue", "task"},
	)
	TasksStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_started_total",
			Help: "Total number of task executions started",
		},
		[]string{"queue", "task"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of task executions completed by final state",
		},
		[]string{"queue", "task", "state"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task handler duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"queue", "task"},
	)
	TasksInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_inflight",
			Help: "Number of task executions currently in progress",
		},
		[]string{"queue"},
	)

	OutboxDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_total",
			Help: "Total outbox dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
	DelayedDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delayed_dispatched_total",
			Help: "Total delayed messages republished to their queue",
		},
	)
	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Total messages handed to the dead letter store by reason",
		},
		[]string{"reason"},
	)
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total executions deferred by the rate limit filter",
		},
		[]string{"task"},
	)
	SagasFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagas_finished_total",
			Help: "Total sagas reaching a terminal state",
		},
		[]string{"state"},
	)
	KillSwitchState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kill_switch_tripped",
			Help: "1 while the kill switch is tripped, 0 while active",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(TasksPublishedTotal)
	prometheus.MustRegister(TasksStartedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TasksInflight)
	prometheus.MustRegister(OutboxDispatchTotal)
	prometheus.MustRegister(DelayedDispatchedTotal)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(SagasFinishedTotal)
	prometheus.MustRegister(KillSwitchState)
}

// Recorder implements domain.MetricsRecorder on the package vectors. The
// zero value is ready to use once InitMetrics has run.
type Recorder struct{}

// TaskPublished counts a publication.
func (Recorder) TaskPublished(queue, task string) {
	TasksPublishedTotal.WithLabelValues(queue, task).Inc()
}

// TaskStarted counts an execution start and bumps the inflight gauge.
func (Recorder) TaskStarted(queue, task string) {
	TasksStartedTotal.WithLabelValues(queue, task).Inc()
	TasksInflight.WithLabelValues(queue).Inc()
}

// TaskCompleted counts a completion, releases the inflight gauge, and
// observes the handler duration.
func (Recorder) TaskCompleted(queue, task string, state domain.TaskState, d time.Duration) {
	TasksCompletedTotal.WithLabelValues(queue, task, string(state)).Inc()
	TasksInflight.WithLabelValues(queue).Dec()
	TaskDuration.WithLabelValues(queue, task).Observe(d.Seconds())
}

// ObserveDeadLetter counts a dead-lettered message.
func ObserveDeadLetter(reason domain.DeadLetterReason) {
	DeadLettersTotal.WithLabelValues(string(reason)).Inc()
}

// ObserveOutboxDispatch counts one dispatch attempt outcome
// ("dispatched", "retried", or "failed").
func ObserveOutboxDispatch(outcome string) {
	OutboxDispatchTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimited counts a rate limit deferral for task.
func ObserveRateLimited(task string) {
	RateLimitedTotal.WithLabelValues(task).Inc()
}

// ObserveSagaFinished counts a saga reaching a terminal state.
func ObserveSagaFinished(state domain.SagaState) {
	SagasFinishedTotal.WithLabelValues(string(state)).Inc()
}

// SetKillSwitchTripped reflects the kill switch state on its gauge.
func SetKillSwitchTripped(tripped bool) {
	if tripped {
		KillSwitchState.Set(1)
		return
	}
	KillSwitchState.Set(0)
}
