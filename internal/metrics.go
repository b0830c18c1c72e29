package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

var PendingMutations = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "schemastore_pending_mutations",
	Help: "The number of mutations waiting in table queues",
})

var TotalOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "schemastore_operations_total",
	Help: "The total number of store operations by operation",
}, []string{"op"})

var OperationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "schemastore_operation_duration_seconds",
	Help:    "The duration of database service operations",
	Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
})

var ValidationFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "schemastore_validation_failures_total",
	Help: "The total number of documents rejected by validation",
})

var AuditEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "schemastore_audit_events_total",
	Help: "The total number of audit entries written",
})

var AuditFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "schemastore_audit_failures_total",
	Help: "The total number of audit entries that could not be written",
})

var CompileCache = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "schemastore_compile_cache_total",
	Help: "The number of validator lookups by cache result",
}, []string{"result"})

// SystemStats contains the metrics and system stats
type SystemStats struct {
	Metrics struct {
		PendingMutations   float64 `json:"pendingMutations"`
		TotalOperations    float64 `json:"totalOperations"`
		OperationDuration  float64 `json:"operationDuration"`
		ValidationFailures float64 `json:"validationFailures"`
		AuditEvents        float64 `json:"auditEvents"`
		AuditFailures      float64 `json:"auditFailures"`
		CompileCacheHits   float64 `json:"compileCacheHits"`
		CompileCacheMisses float64 `json:"compileCacheMisses"`
	} `json:"metrics"`
	Memory *mem.VirtualMemoryStat `json:"memory"`
	Load   *load.AvgStat          `json:"load"`
}

// collect calls the function for each metric associated with the Collector
func collect(col prometheus.Collector, do func(*dto.Metric)) {
	c := make(chan prometheus.Metric)
	go func(c chan prometheus.Metric) {
		col.Collect(c)
		close(c)
	}(c)
	for x := range c { // eg range across distinct label vector values
		m := dto.Metric{}
		_ = x.Write(&m)
		do(&m)
	}
}

// getMetricValue returns the sum of the Counter metrics associated with the Collector
// e.g. the metric for a non-vector, or the sum of the metrics for vector labels.
// If the metric is a Histogram then number of samples is used.
func getMetricValue(col prometheus.Collector) float64 {
	var total float64
	collect(col, func(m *dto.Metric) {
		if h := m.GetHistogram(); h != nil {
			total += float64(h.GetSampleCount())
		} else if g := m.GetGauge(); g != nil {
			total += g.GetValue()
		} else {
			total += m.GetCounter().GetValue()
		}
	})
	return total
}

// GetMetricStats returns a snapshot of the metrics only.
func GetMetricStats() *SystemStats {
	var s SystemStats
	s.Metrics.PendingMutations = getMetricValue(PendingMutations)
	s.Metrics.TotalOperations = getMetricValue(TotalOperations)
	s.Metrics.OperationDuration = getMetricValue(OperationDuration)
	s.Metrics.ValidationFailures = getMetricValue(ValidationFailures)
	s.Metrics.AuditEvents = getMetricValue(AuditEvents)
	s.Metrics.AuditFailures = getMetricValue(AuditFailures)
	s.Metrics.CompileCacheHits = getMetricValue(CompileCache.WithLabelValues("hit"))
	s.Metrics.CompileCacheMisses = getMetricValue(CompileCache.WithLabelValues("miss"))
	return &s
}

// GetSystemStats returns a snapshot of the system stats
func GetSystemStats() (*SystemStats, error) {
	s := GetMetricStats()
	var err error
	s.Memory, err = mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	s.Load, err = load.Avg()
	return s, err
}
