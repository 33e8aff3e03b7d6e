/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the build control plane
// (loader, build scheduler, build-result intake, tenant/CI lifecycle).
//
// Metric naming follows Prometheus conventions:
//   - brep_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksIssuedTotal counts build-task responses by agent and outcome
	// ("issued", "empty").
	TasksIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brep_tasks_issued_total",
			Help: "Total build-task responses by agent and outcome.",
		},
		[]string{"agent", "outcome"},
	)

	// SelectionDurationSeconds is a histogram of how long the scheduler's
	// candidate-selection loop takes per task request.
	SelectionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "brep_selection_duration_seconds",
			Help:    "Duration of the build-task candidate-selection loop.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ResultsTotal counts build-result intakes by reported status.
	ResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brep_results_total",
			Help: "Total build-result intakes by status.",
		},
		[]string{"status"},
	)

	// ExpiredSessionsTotal counts result requests rejected for referencing
	// a stale or nonexistent session.
	ExpiredSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brep_expired_sessions_total",
			Help: "Total build-result requests rejected as expired sessions.",
		},
	)

	// AuthFailuresTotal counts challenge-verification failures.
	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brep_auth_failures_total",
			Help: "Total agent challenge-verification failures.",
		},
	)

	// BuildDelaySeconds is a histogram of build_delay ages observed at
	// selection time, by tenant.
	BuildDelaySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brep_build_delay_seconds",
			Help:    "Observed scheduling delay for buildable configurations.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
		},
		[]string{"tenant"},
	)

	// NotifyAttemptsTotal counts tenant-service callback attempts by event
	// and outcome ("delivered", "failed").
	NotifyAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brep_notify_attempts_total",
			Help: "Total tenant-service notification delivery attempts.",
		},
		[]string{"event", "outcome"},
	)

	// LoaderPackagesTotal counts packages persisted by the loader, by
	// repository and action ("created", "reconciled").
	LoaderPackagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brep_loader_packages_total",
			Help: "Total packages processed by the loader.",
		},
		[]string{"repository", "action"},
	)

	// LoaderDurationSeconds is a histogram of full loader runs.
	LoaderDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "brep_loader_duration_seconds",
			Help:    "Duration of a full loader run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
	)

	// ActiveBuildsGauge is the number of builds currently in the
	// "building" state.
	ActiveBuildsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brep_active_builds",
			Help: "Number of builds currently in the building state.",
		},
	)
)

// Registry is the process-wide Prometheus registry for brepd. It is
// separate from prometheus.DefaultRegisterer so cmd/brepd controls
// exactly what is exposed on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		TasksIssuedTotal,
		SelectionDurationSeconds,
		ResultsTotal,
		ExpiredSessionsTotal,
		AuthFailuresTotal,
		BuildDelaySeconds,
		NotifyAttemptsTotal,
		LoaderPackagesTotal,
		LoaderDurationSeconds,
		ActiveBuildsGauge,
	)
}

// RecordTaskIssued records the outcome of a single build-task request.
func RecordTaskIssued(agent, outcome string, duration time.Duration) {
	TasksIssuedTotal.WithLabelValues(agent, outcome).Inc()
	SelectionDurationSeconds.Observe(duration.Seconds())
}

// RecordResult records a single build-result intake.
func RecordResult(status string) {
	ResultsTotal.WithLabelValues(status).Inc()
}

// RecordBuildDelay records an observed scheduling delay for a tenant.
func RecordBuildDelay(tenant string, delay time.Duration) {
	BuildDelaySeconds.WithLabelValues(tenant).Observe(delay.Seconds())
}

// RecordNotifyAttempt records a single tenant-service callback attempt.
func RecordNotifyAttempt(event string, delivered bool) {
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	NotifyAttemptsTotal.WithLabelValues(event, outcome).Inc()
}

// RecordLoaderPackage records one package processed by the loader.
func RecordLoaderPackage(repository, action string) {
	LoaderPackagesTotal.WithLabelValues(repository, action).Inc()
}
