package jobs

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()

		if err := m.Register(reg); err != nil {
			t.Fatalf("Register() returned error: %v", err)
		}

		m.IncJobsTotal(JobTypeRetentionSweep, StatusSuccess)
		m.ObserveJobDuration(JobTypeRetentionSweep, 1.0)
		m.IncJobErrors(JobTypeRetentionSweep, "test_error")
		m.IncJobsSkipped(JobTypeRetentionSweep, "paused")

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() returned error: %v", err)
		}

		expected := map[string]bool{
			MetricBackgroundJobsTotal:      false,
			MetricBackgroundJobsDuration:   false,
			MetricBackgroundJobErrorsTotal: false,
			MetricBackgroundJobsSkipped:    false,
		}
		for _, family := range families {
			if _, ok := expected[family.GetName()]; ok {
				expected[family.GetName()] = true
			}
		}
		for name, found := range expected {
			if !found {
				t.Errorf("metric %s not found in gathered metrics", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := NewMetrics().Register(reg); err != nil {
			t.Fatalf("first Register() returned error: %v", err)
		}
		if err := NewMetrics().Register(reg); err == nil {
			t.Error("second Register() should have returned an error")
		}
	})
}

func getCounterVecValue(vec *prometheus.CounterVec, labels ...string) float64 {
	metric, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return -1
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func getHistogram(vec *prometheus.HistogramVec, labels ...string) *dto.Histogram {
	metric, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return nil
	}
	m, ok := metric.(prometheus.Metric)
	if !ok {
		return nil
	}
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return nil
	}
	return out.GetHistogram()
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	tests := []struct {
		name  string
		inc   func()
		vec   *prometheus.CounterVec
		label []string
		count int
	}{
		{"success", func() { m.IncJobsTotal(JobTypeRetentionSweep, StatusSuccess) }, m.jobsTotal, []string{JobTypeRetentionSweep, StatusSuccess}, 4},
		{"failure", func() { m.IncJobsTotal(JobTypeAuditVerify, StatusFailure) }, m.jobsTotal, []string{JobTypeAuditVerify, StatusFailure}, 2},
		{"timeout", func() { m.IncJobErrors(JobTypeRetentionSweep, "timeout") }, m.jobErrors, []string{JobTypeRetentionSweep, "timeout"}, 3},
		{"paused", func() { m.IncJobsSkipped(JobTypeRetentionSweep, "paused") }, m.jobsSkipped, []string{JobTypeRetentionSweep, "paused"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getCounterVecValue(tt.vec, tt.label...); got != 0 {
				t.Fatalf("initial value = %f, want 0", got)
			}
			for i := 0; i < tt.count; i++ {
				tt.inc()
			}
			if got := getCounterVecValue(tt.vec, tt.label...); got != float64(tt.count) {
				t.Errorf("final value = %f, want %d", got, tt.count)
			}
		})
	}
}

func TestMetrics_ObserveJobDuration(t *testing.T) {
	m := NewMetrics()
	durations := []float64{0.05, 0.5, 5.0, 30.0, 120.0}

	var sum float64
	for _, d := range durations {
		m.ObserveJobDuration(JobTypeRetentionSweep, d)
		sum += d
	}

	h := getHistogram(m.jobsDuration, JobTypeRetentionSweep)
	if h.GetSampleCount() != uint64(len(durations)) {
		t.Errorf("sample count = %d, want %d", h.GetSampleCount(), len(durations))
	}
	if got := h.GetSampleSum(); got < sum*0.99 || got > sum*1.01 {
		t.Errorf("sample sum = %f, want approximately %f", got, sum)
	}
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	const goroutines, iterations = 10, 100

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.IncJobsTotal(JobTypeRetentionSweep, StatusSuccess)
				m.ObserveJobDuration(JobTypeRetentionSweep, 1.5)
				m.IncJobErrors(JobTypeRetentionSweep, "test_error")
			}
		}()
	}
	wg.Wait()

	want := float64(goroutines * iterations)
	if got := getCounterVecValue(m.jobsTotal, JobTypeRetentionSweep, StatusSuccess); got != want {
		t.Errorf("jobsTotal = %f, want %f", got, want)
	}
	if got := getCounterVecValue(m.jobErrors, JobTypeRetentionSweep, "test_error"); got != want {
		t.Errorf("jobErrors = %f, want %f", got, want)
	}
	if got := getHistogram(m.jobsDuration, JobTypeRetentionSweep).GetSampleCount(); got != uint64(want) {
		t.Errorf("jobsDuration count = %d, want %f", got, want)
	}
}
