package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const apNamespace = "ap"

// BundlerMetrics contains instrumented metrics incremented by the bundler
// service using the methods below.
type BundlerMetrics struct {
	numOpsReceived      prometheus.Counter
	numOpsAdmitted      prometheus.Counter
	numOpsRejected      prometheus.Counter
	numBundlesSubmitted prometheus.Counter
	// if bundles_failed keeps increasing the chain endpoint or the signing
	// account needs attention
	numBundlesFailed    prometheus.Counter
	numOpsDeadlettered  prometheus.Counter
	poolSize            prometheus.Gauge
}

func NewBundlerMetrics(reg prometheus.Registerer) *BundlerMetrics {
	return &BundlerMetrics{
		numOpsReceived: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "ops_received_total",
				Help:      "The number of user operations received over RPC",
			}),

		numOpsAdmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "ops_admitted_total",
				Help:      "The number of user operations that passed validation and entered the pool",
			}),

		numOpsRejected: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "ops_rejected_total",
				Help:      "The number of user operations rejected at validation",
			}),

		numBundlesSubmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "bundles_submitted_total",
				Help:      "The number of bundles included on chain",
			}),

		numBundlesFailed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "bundles_failed_total",
				Help:      "The number of bundle submission attempts that failed and were requeued",
			}),

		numOpsDeadlettered: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "ops_deadlettered_total",
				Help:      "The number of user operations dropped after exhausting submission attempts",
			}),

		poolSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Name:      "pool_size",
				Help:      "Current number of operations waiting in the pool",
			}),
	}
}

func (m *BundlerMetrics) IncOpsReceived()      { m.numOpsReceived.Inc() }
func (m *BundlerMetrics) IncOpsAdmitted()      { m.numOpsAdmitted.Inc() }
func (m *BundlerMetrics) IncOpsRejected()      { m.numOpsRejected.Inc() }
func (m *BundlerMetrics) IncBundlesSubmitted() { m.numBundlesSubmitted.Inc() }
func (m *BundlerMetrics) IncBundlesFailed()    { m.numBundlesFailed.Inc() }
func (m *BundlerMetrics) IncOpsDeadlettered()  { m.numOpsDeadlettered.Inc() }
func (m *BundlerMetrics) SetPoolSize(n int)    { m.poolSize.Set(float64(n)) }
