package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "pipelined"
	subsystem = "orchestrator"

	StatusOK    = "ok"
	StatusError = "error"

	LabelStatus          = "status"
	LabelStatusCode      = "status_code"
	LabelDeploymentState = "deployment_state"
	LabelTopic           = "topic"
	LabelTrigger         = "trigger"
	LabelStep            = "step"
	LabelOutcome         = "outcome"
	LabelExecutor        = "executor"

	OutcomeHandled     = "handled"
	OutcomeRetried     = "retried"
	OutcomeDeadLetter  = "dead_letter"
	OutcomeUndecodable = "undecodable"
)

var (
	inProgress = make(map[string]struct{})
	qlock      = &sync.Mutex{}
)

func statusLabel(err error) string {
	if err == nil {
		return StatusOK
	}
	return StatusError
}

func DatabaseQuery(t time.Time, err error) {
	databaseQueries.With(prometheus.Labels{
		LabelStatus: statusLabel(err),
	}).Observe(time.Since(t).Seconds())
}

func GitHubRequest(statusCode int) {
	githubRequests.With(prometheus.Labels{
		LabelStatusCode: strconv.Itoa(statusCode),
	}).Inc()
}

// UpdateQueue records a state change and keeps track of deployments in flight.
func UpdateQueue(d *deployment.Deployment) {
	stateTransitions.With(prometheus.Labels{
		LabelDeploymentState: d.Status.String(),
	}).Inc()

	qlock.Lock()
	defer qlock.Unlock()

	if d.Status.Terminal() {
		if d.Status == deployment.StatusSuccess {
			leadTime.Observe(d.Duration().Seconds())
		}
		delete(inProgress, d.ID)
	} else {
		inProgress[d.ID] = struct{}{}
	}

	queueSize.Set(float64(len(inProgress)))
}

func ProtocolViolation(trigger deployment.Trigger) {
	protocolViolations.With(prometheus.Labels{
		LabelTrigger: string(trigger),
	}).Inc()
}

func BusPublish(topic string, err error) {
	busPublished.With(prometheus.Labels{
		LabelTopic:  topic,
		LabelStatus: statusLabel(err),
	}).Inc()
}

func BusConsume(topic, outcome string) {
	busConsumed.With(prometheus.Labels{
		LabelTopic:   topic,
		LabelOutcome: outcome,
	}).Inc()
}

func Step(step string, t time.Time, err error) {
	stepDuration.With(prometheus.Labels{
		LabelStep:   step,
		LabelStatus: statusLabel(err),
	}).Observe(time.Since(t).Seconds())
}

func ExecutorRequest(executor string, err error) {
	executorRequests.With(prometheus.Labels{
		LabelExecutor: executor,
		LabelStatus:   statusLabel(err),
	}).Inc()
}

func LogLineDropped() {
	logLinesDropped.Inc()
}

func LogStreams(delta float64) {
	logStreams.Add(delta)
}

var (
	databaseQueries = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "database_queries",
		Help:      "time to execute database queries",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 20),
	},
		[]string{
			LabelStatus,
		},
	)

	githubRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "github_requests",
		Help:      "number of Github requests made",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelStatusCode,
		},
	)

	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "state_transition",
		Help:      "deployment state transitions",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelDeploymentState,
		},
	)

	protocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "protocol_violations",
		Help:      "events rejected by the deployment state machine",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelTrigger,
		},
	)

	queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "queue_size",
		Help:      "number of deployments not yet in a terminal state",
		Namespace: namespace,
		Subsystem: subsystem,
	})

	leadTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:      "lead_time_seconds",
		Help:      "time from deployment start until success",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
	})

	busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "bus_published",
		Help:      "events published to the bus",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelTopic,
			LabelStatus,
		},
	)

	busConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "bus_consumed",
		Help:      "events consumed from the bus, by outcome",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelTopic,
			LabelOutcome,
		},
	)

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "step_duration_seconds",
		Help:      "duration of pipeline steps",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
	},
		[]string{
			LabelStep,
			LabelStatus,
		},
	)

	executorRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "executor_requests",
		Help:      "requests made to the build executor",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelExecutor,
			LabelStatus,
		},
	)

	logLinesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "log_lines_dropped",
		Help:      "log lines not delivered to slow stream subscribers",
		Namespace: namespace,
		Subsystem: subsystem,
	})

	logStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "log_streams",
		Help:      "number of open log streams",
		Namespace: namespace,
		Subsystem: subsystem,
	})
)

func init() {
	prometheus.MustRegister(databaseQueries)
	prometheus.MustRegister(githubRequests)
	prometheus.MustRegister(stateTransitions)
	prometheus.MustRegister(protocolViolations)
	prometheus.MustRegister(queueSize)
	prometheus.MustRegister(leadTime)
	prometheus.MustRegister(busPublished)
	prometheus.MustRegister(busConsumed)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(executorRequests)
	prometheus.MustRegister(logLinesDropped)
	prometheus.MustRegister(logStreams)
}
