// Package metrics registers the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dere_notifications_created_total",
		Help: "Notifications enqueued, by priority.",
	}, []string{"priority"})

	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dere_notifications_delivered_total",
		Help: "Notification delivery outcomes, by status.",
	}, []string{"status"})

	AgentQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dere_agent_queries_total",
		Help: "Agent queries started, by runner kind.",
	}, []string{"runner"})

	AgentQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dere_agent_query_seconds",
		Help:    "Wall time of agent queries.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"runner"})

	PermissionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dere_permission_outcomes_total",
		Help: "Tool permission request outcomes.",
	}, []string{"outcome"})

	Explorations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dere_explorations_total",
		Help: "Curiosity explorations, by outcome.",
	}, []string{"outcome"})

	CuriosityTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dere_curiosity_tasks_total",
		Help: "Curiosity collector decisions.",
	}, []string{"action"})

	FSMTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dere_fsm_transitions_total",
		Help: "Ambient FSM state transitions.",
	}, []string{"from", "to"})

	EngagementAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dere_engagement_attempts_total",
		Help: "Ambient engagement decisions.",
	}, []string{"result"})

	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dere_sessions_started_total",
		Help: "Agent sessions created or resumed.",
	}, []string{"medium", "resumed"})
)
