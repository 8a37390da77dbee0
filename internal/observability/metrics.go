package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce            sync.Once
	httpDurationHistogram   *prometheus.HistogramVec
	collectionCounter       *prometheus.CounterVec
	collectionAmountCounter *prometheus.CounterVec
	registrationCounter     *prometheus.CounterVec
	lockContentionCounter   *prometheus.CounterVec
	capClampCounter         *prometheus.CounterVec
	callbackCounter         *prometheus.CounterVec
	workerRunCounter        *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		collectionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodebet_collection_attempts_total",
			Help: "Fund collection attempts by vendor and outcome",
		}, []string{"vendor", "outcome"})

		collectionAmountCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodebet_collected_rupiah_total",
			Help: "Successfully collected amounts by vendor",
		}, []string{"vendor"})

		registrationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodebet_registration_transitions_total",
			Help: "Registration state transitions by vendor and target state",
		}, []string{"vendor", "state"})

		lockContentionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodebet_lock_contention_total",
			Help: "Attempts aborted because another worker held the account lock",
		}, []string{"scope"})

		capClampCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodebet_cap_clamps_total",
			Help: "Collections clamped by a vendor or daily cap",
		}, []string{"vendor"})

		callbackCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autodebet_vendor_callbacks_total",
			Help: "Vendor callback deliveries by vendor and result",
		}, []string{"vendor", "result"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			collectionCounter,
			collectionAmountCounter,
			registrationCounter,
			lockContentionCounter,
			capClampCounter,
			callbackCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementCollection(vendor, outcome string) {
	if collectionCounter == nil {
		return
	}
	collectionCounter.WithLabelValues(vendor, outcome).Inc()
}

func AddCollectedAmount(vendor string, amount int64) {
	if collectionAmountCounter == nil {
		return
	}
	collectionAmountCounter.WithLabelValues(vendor).Add(float64(amount))
}

func IncrementRegistrationTransition(vendor, state string) {
	if registrationCounter == nil {
		return
	}
	registrationCounter.WithLabelValues(vendor, state).Inc()
}

func IncrementLockContention(scope string) {
	if lockContentionCounter == nil {
		return
	}
	lockContentionCounter.WithLabelValues(scope).Inc()
}

func IncrementCapClamp(vendor string) {
	if capClampCounter == nil {
		return
	}
	capClampCounter.WithLabelValues(vendor).Inc()
}

func IncrementCallback(vendor, result string) {
	if callbackCounter == nil {
		return
	}
	callbackCounter.WithLabelValues(vendor, result).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
