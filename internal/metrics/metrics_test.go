/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getCounterScalarValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordTaskIssued(t *testing.T) {
	RecordTaskIssued("agent-1", "issued", 150*time.Millisecond)

	val := getCounterValue(TasksIssuedTotal, "agent-1", "issued")
	if val < 1 {
		t.Errorf("TasksIssuedTotal = %f, want >= 1", val)
	}
}

func TestRecordResult(t *testing.T) {
	RecordResult("success")
	RecordResult("success")

	val := getCounterValue(ResultsTotal, "success")
	if val < 2 {
		t.Errorf("ResultsTotal = %f, want >= 2", val)
	}
}

func TestRecordBuildDelay(t *testing.T) {
	RecordBuildDelay("", 42*time.Second)

	count := getHistogramCount(BuildDelaySeconds, "")
	if count < 1 {
		t.Errorf("BuildDelaySeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordNotifyAttempt(t *testing.T) {
	RecordNotifyAttempt("queued", true)
	RecordNotifyAttempt("queued", false)

	delivered := getCounterValue(NotifyAttemptsTotal, "queued", "delivered")
	failed := getCounterValue(NotifyAttemptsTotal, "queued", "failed")
	if delivered < 1 {
		t.Errorf("delivered = %f, want >= 1", delivered)
	}
	if failed < 1 {
		t.Errorf("failed = %f, want >= 1", failed)
	}
}

func TestRecordLoaderPackage(t *testing.T) {
	RecordLoaderPackage("stable", "created")
	RecordLoaderPackage("stable", "created")

	val := getCounterValue(LoaderPackagesTotal, "stable", "created")
	if val < 2 {
		t.Errorf("LoaderPackagesTotal = %f, want >= 2", val)
	}
}

func TestActiveBuildsGauge(t *testing.T) {
	ActiveBuildsGauge.Set(0)

	ActiveBuildsGauge.Inc()
	ActiveBuildsGauge.Inc()

	val := getGaugeValue(ActiveBuildsGauge)
	if val != 2 {
		t.Errorf("ActiveBuildsGauge = %f, want 2", val)
	}

	ActiveBuildsGauge.Dec()
	val = getGaugeValue(ActiveBuildsGauge)
	if val != 1 {
		t.Errorf("ActiveBuildsGauge after Dec = %f, want 1", val)
	}
}

func TestExpiredSessionsAndAuthFailures(t *testing.T) {
	ExpiredSessionsTotal.Inc()
	AuthFailuresTotal.Inc()
	AuthFailuresTotal.Inc()

	if v := getCounterScalarValue(ExpiredSessionsTotal); v < 1 {
		t.Errorf("ExpiredSessionsTotal = %f, want >= 1", v)
	}
	if v := getCounterScalarValue(AuthFailuresTotal); v < 2 {
		t.Errorf("AuthFailuresTotal = %f, want >= 2", v)
	}
}
