// Package stats registers and tracks the pipeline's cache-hit/miss, task,
// error and queue-depth observations. Each Registry field is labelled with
// a short name in the teacher's convention ("*.n" counter, "*.ns" latency,
// "*.size" bytes); the metric actually registered is the prometheus name
// given in New, and latencies are observed in seconds.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"time"

	"github.com/NVIDIA/nuke/nukeerr"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nuke"

// Registry owns every counter/gauge/histogram the pipeline reports. One
// Registry per Pipeline instance; Invalidate does not unregister it, to
// avoid racing in-flight tasks still reporting.
type Registry struct {
	prom *prometheus.Registry

	MemCacheHits    prometheus.Counter // memcache.hit.n
	MemCacheMisses  prometheus.Counter // memcache.miss.n
	DiskCacheHits   prometheus.Counter // diskcache.hit.n
	DiskCacheMisses prometheus.Counter // diskcache.miss.n

	FetchCount     prometheus.Counter   // fetch.n
	FetchBytes     prometheus.Counter   // fetch.size
	FetchLatency   prometheus.Histogram // fetch.ns
	DecodeCount    prometheus.Counter   // decode.n
	DecodeLatency  prometheus.Histogram // decode.ns
	ProcessCount   prometheus.Counter   // process.n
	ProcessLatency prometheus.Histogram // process.ns

	TasksCoalesced prometheus.Counter // coalesce.n -- subscribe calls that joined an already-running task
	TasksCreated   prometheus.Counter // create.n -- subscribe calls that started a new task

	ErrCount *prometheus.CounterVec // err.n{kind=...}

	QueueDepth *prometheus.GaugeVec // queue.depth{queue=...}
}

func New() *Registry {
	r := &Registry{prom: prometheus.NewRegistry()}

	r.MemCacheHits = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "memcache_hit_total"})
	r.MemCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "memcache_miss_total"})
	r.DiskCacheHits = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "diskcache_hit_total"})
	r.DiskCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "diskcache_miss_total"})

	r.FetchCount = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "fetch_total"})
	r.FetchBytes = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "fetch_bytes_total"})
	r.FetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "fetch_latency_seconds"})
	r.DecodeCount = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "decode_total"})
	r.DecodeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "decode_latency_seconds"})
	r.ProcessCount = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "process_total"})
	r.ProcessLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "process_latency_seconds"})

	r.TasksCoalesced = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tasks_coalesced_total"})
	r.TasksCreated = prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tasks_created_total"})

	r.ErrCount = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "errors_total"}, []string{"kind"})
	r.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth"}, []string{"queue"})

	r.prom.MustRegister(
		r.MemCacheHits, r.MemCacheMisses, r.DiskCacheHits, r.DiskCacheMisses,
		r.FetchCount, r.FetchBytes, r.FetchLatency,
		r.DecodeCount, r.DecodeLatency,
		r.ProcessCount, r.ProcessLatency,
		r.TasksCoalesced, r.TasksCreated,
		r.ErrCount, r.QueueDepth,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.prom }

// ObserveLatency is a small helper mirroring the teacher's *.ns timing idiom.
func ObserveLatency(h prometheus.Histogram, since time.Time) {
	h.Observe(time.Since(since).Seconds())
}

// RecordErr bumps err.n{kind=...} for a task's terminal error, classified
// via nukeerr.Kind.
func (r *Registry) RecordErr(err error) {
	if err == nil {
		return
	}
	r.ErrCount.WithLabelValues(nukeerr.Kind(err)).Inc()
}

// SetQueueDepth reports a queue's current pending-operation count under
// queue.depth{queue=name}.
func (r *Registry) SetQueueDepth(queue string, depth int) {
	r.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
