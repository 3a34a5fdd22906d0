package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	majorCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skysynth",
			Subsystem: "majorcycle",
			Name:      "cycles_total",
			Help:      "Completed major cycles.",
		},
		[]string{"selfcal"},
	)
	peakResidual = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "skysynth",
			Subsystem: "majorcycle",
			Name:      "peak_residual",
			Help:      "Peak absolute residual after the latest invert.",
		},
	)
	collaboratorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skysynth",
			Subsystem: "majorcycle",
			Name:      "collaborator_duration_seconds",
			Help:      "Duration of predict, invert, deconvolve and calibrate calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "success"},
	)
	minorIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skysynth",
			Subsystem: "deconvolution",
			Name:      "iterations_total",
			Help:      "Minor-cycle iterations committed.",
		},
		[]string{"algorithm"},
	)
)

// Registry holds the skysynth collectors, apart from the default registry.
var Registry = prometheus.NewRegistry()

func RegisterMetrics() {
	registerOnce.Do(func() {
		Registry.MustRegister(majorCycles, peakResidual, collaboratorDuration, minorIterations)
	})
}

func RecordMajorCycle(selfcal bool, peak float64) {
	RegisterMetrics()
	majorCycles.WithLabelValues(strconv.FormatBool(selfcal)).Inc()
	peakResidual.Set(peak)
}

func RecordCollaborator(op string, duration time.Duration, success bool) {
	RegisterMetrics()
	collaboratorDuration.WithLabelValues(op, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func RecordMinorIterations(algorithm string, n int) {
	RegisterMetrics()
	minorIterations.WithLabelValues(algorithm).Add(float64(n))
}
