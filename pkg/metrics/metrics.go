// Package metrics records pipeline telemetry.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for the generation pipeline.
type Observer interface {
	RecordExtraction(strategy string, err error)
	RecordMaterialization(filesWritten, filesFailed int)
	RecordPackaging(duration time.Duration, err error)
	RecordModelCall(model string, duration time.Duration, err error)
}

// PrometheusObserver exports pipeline metrics to Prometheus.
type PrometheusObserver struct {
	extractions   *prometheus.CounterVec
	filesWritten  prometheus.Counter
	filesFailed   prometheus.Counter
	packDuration  prometheus.Histogram
	packFailures  prometheus.Counter
	modelDuration *prometheus.HistogramVec
	modelFailures *prometheus.CounterVec
}

// NewPrometheusObserver registers the pipeline collectors on reg.
// Collectors that are already registered are reused.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "codegen"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	o := &PrometheusObserver{}
	if o.extractions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extractions_total",
		Help:      "Extraction outcomes by winning strategy.",
	}, []string{"strategy", "outcome"})); err != nil {
		return nil, err
	}
	if o.filesWritten, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "materialized_files_total",
		Help:      "Files written into project trees.",
	})); err != nil {
		return nil, err
	}
	if o.filesFailed, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "materialization_failures_total",
		Help:      "Mapping entries that could not be written.",
	})); err != nil {
		return nil, err
	}
	if o.packDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "packaging_duration_seconds",
		Help:      "Time spent building project archives.",
		Buckets:   prometheus.DefBuckets,
	})); err != nil {
		return nil, err
	}
	if o.packFailures, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packaging_failures_total",
		Help:      "Archive builds that failed.",
	})); err != nil {
		return nil, err
	}
	if o.modelDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_call_duration_seconds",
		Help:      "Latency of text-generation calls.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
	}, []string{"model"})); err != nil {
		return nil, err
	}
	if o.modelFailures, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_call_failures_total",
		Help:      "Failed text-generation calls.",
	}, []string{"model"})); err != nil {
		return nil, err
	}
	return o, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register pipeline metric: %w", err)
	}
	return c, nil
}

// RecordExtraction counts one extraction. A nil err marks success.
func (o *PrometheusObserver) RecordExtraction(strategy string, err error) {
	if o == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if strategy == "" {
		strategy = "none"
	}
	o.extractions.WithLabelValues(strategy, outcome).Inc()
}

func (o *PrometheusObserver) RecordMaterialization(filesWritten, filesFailed int) {
	if o == nil {
		return
	}
	o.filesWritten.Add(float64(filesWritten))
	o.filesFailed.Add(float64(filesFailed))
}

func (o *PrometheusObserver) RecordPackaging(duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.packDuration.Observe(duration.Seconds())
	if err != nil {
		o.packFailures.Inc()
	}
}

func (o *PrometheusObserver) RecordModelCall(model string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.modelDuration.WithLabelValues(model).Observe(duration.Seconds())
	if err != nil {
		o.modelFailures.WithLabelValues(model).Inc()
	}
}

// NopObserver discards all telemetry.
type NopObserver struct{}

func (NopObserver) RecordExtraction(string, error) {}

func (NopObserver) RecordMaterialization(int, int) {}

func (NopObserver) RecordPackaging(time.Duration, error) {}

func (NopObserver) RecordModelCall(string, time.Duration, error) {}

// OrNop returns o, or a NopObserver when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
