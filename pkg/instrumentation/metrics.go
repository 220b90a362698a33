package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	NameSpace            = "dash_uploader"
	HttpStatusHistogram  = "http_status_histogram"
	ChunksReceivedTotal  = "chunks_received_total"
	ChunkBytesTotal      = "chunk_bytes_total"
	FilesCompletedTotal  = "files_completed_total"
	SessionsActiveTotal  = "sessions_active_total"
	AssemblyFailureTotal = "assembly_failure_total"
)

type Metrics struct {
	HttpStatusHistogram prometheus.HistogramVec

	// Custom metrics
	ChunksReceivedTotal  prometheus.Counter
	ChunkBytesTotal      prometheus.Counter
	FilesCompletedTotal  prometheus.Counter
	SessionsActiveTotal  prometheus.Gauge
	AssemblyFailureTotal prometheus.Counter

	reg *prometheus.Registry
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		panic("reg cannot be nil")
	}
	metrics := &Metrics{
		reg: reg,
		HttpStatusHistogram: *promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: NameSpace,
			Name:      HttpStatusHistogram,
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status", "method", "path"}),

		ChunksReceivedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: NameSpace,
			Name:      ChunksReceivedTotal,
			Help:      "Number of chunk payloads stored",
		}),
		ChunkBytesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: NameSpace,
			Name:      ChunkBytesTotal,
			Help:      "Bytes of chunk payloads stored",
		}),
		FilesCompletedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: NameSpace,
			Name:      FilesCompletedTotal,
			Help:      "Number of files assembled successfully",
		}),
		SessionsActiveTotal: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: NameSpace,
			Name:      SessionsActiveTotal,
			Help:      "Number of upload sessions seen since start",
		}),
		AssemblyFailureTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: NameSpace,
			Name:      AssemblyFailureTotal,
			Help:      "Number of failed assembly attempts",
		}),
	}

	reg.MustRegister(collectors.NewBuildInfoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	return metrics
}

func (m Metrics) Registry() *prometheus.Registry {
	return m.reg
}
