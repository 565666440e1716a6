package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runweaver_runs_submitted_total",
		Help: "The total number of submitted workflow runs",
	})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runweaver_runs_finished_total",
		Help: "The total number of runs that reached a terminal status",
	}, []string{"status"})

	BranchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runweaver_branches_created_total",
		Help: "The total number of redo branches created",
	})

	EventsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runweaver_execution_events_appended_total",
		Help: "The total number of execution events appended to the log",
	})

	RacesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runweaver_races_finished_total",
		Help: "The total number of racing groups that were resolved or aborted",
	}, []string{"strategy", "outcome"})

	ApprovalsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runweaver_approvals_decided_total",
		Help: "The total number of approval decisions by result",
	}, []string{"result"})

	SessionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runweaver_session_cas_conflicts_total",
		Help: "The total number of session saves rejected for a stale version",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runweaver_active_connections",
		Help: "The number of streaming connections held by this instance",
	})

	EnvelopesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runweaver_envelopes_delivered_total",
		Help: "The total number of envelopes handed to streaming connections",
	}, []string{"event_type"})

	EnvelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runweaver_envelopes_dropped_total",
		Help: "The total number of envelopes dropped for a connection that was not ready",
	}, []string{"event_type"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runweaver_task_duration_seconds",
		Help:    "Wall-clock duration of isolated task executions",
		Buckets: prometheus.DefBuckets,
	}, []string{"state"})
)
