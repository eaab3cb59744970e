package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-harness/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "harness"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "outcomes_total",
		Help:      "Count of final test outcomes",
	}, []string{
		"suite",
		"status",
	})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "attempts_total",
		Help:      "Count of test body invocations, retries included",
	}, []string{
		"suite",
	})

	testDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "test_duration_seconds",
		Help:      "Wall time of a test from before_each to after_each",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{
		"suite",
	})

	fixtureSetupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "fixture_setups_total",
		Help:      "Count of successful fixture producer calls",
	}, []string{
		"fixture",
		"scope",
	})

	hookFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "hook_failures_total",
		Help:      "Count of failed lifecycle hooks",
	}, []string{
		"kind",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of completed runs",
	}, []string{
		"verdict",
	})

	runTests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_tests",
		Help:      "Number of tests per status in the most recent run",
	}, []string{
		"status",
	})

	runDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the most recent run",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordOutcome records the final outcome of a single test.
func RecordOutcome(outcome types.TestOutcome) {
	if !outcome.Status.Valid() {
		log.Error("RecordOutcome - invalid status", "status", outcome.Status)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "outcomes_total",
			"suite", outcome.Suite,
			"test", outcome.Test,
			"status", outcome.Status,
			"attempts", outcome.Attempts)
	}
	outcomesTotal.WithLabelValues(outcome.Suite, string(outcome.Status)).Inc()
	if outcome.Attempts > 0 {
		attemptsTotal.WithLabelValues(outcome.Suite).Add(float64(outcome.Attempts))
	}
	testDuration.WithLabelValues(outcome.Suite).Observe(outcome.Elapsed.Seconds())
}

func RecordFixtureSetup(fixture string, scope string) {
	fixtureSetupsTotal.WithLabelValues(fixture, scope).Inc()
}

func RecordHookFailure(kind types.HookKind) {
	hookFailuresTotal.WithLabelValues(string(kind)).Inc()
}

// RecordRun records the aggregate result of a completed run.
func RecordRun(verdict string, counts map[types.TestStatus]int, duration time.Duration) {
	runsTotal.WithLabelValues(verdict).Inc()
	for _, status := range types.AllStatuses {
		runTests.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	runDuration.Set(duration.Seconds())
}
