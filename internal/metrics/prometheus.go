package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Op identifies an engine operation for per-operation counters.
type Op int

const (
	OpPut Op = iota
	OpGet
	OpDelete
	OpPersist
	numOps
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpGet:
		return "get"
	case OpDelete:
		return "delete"
	case OpPersist:
		return "persist"
	default:
		return "unknown"
	}
}

// EngineStats are gauges read from the storage engine at scrape time.
type EngineStats struct {
	Keys        int
	LogBytes    int64
	Compactions uint64
}

// Metrics collects and exposes Prometheus-style metrics.
type Metrics struct {
	// Counters
	ops         [numOps]atomic.Uint64
	notFound    atomic.Uint64
	errorsTotal atomic.Uint64

	// Gauges
	activeConnections atomic.Int64
	engineStats       atomic.Pointer[func() EngineStats]

	// Histograms (simplified as averages)
	latencySum [numOps]atomic.Uint64
	latencyN   [numOps]atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordOp records a completed operation and its latency.
func (m *Metrics) RecordOp(op Op, latency time.Duration) {
	if op < 0 || op >= numOps {
		return
	}
	m.ops[op].Add(1)
	m.latencySum[op].Add(uint64(latency.Microseconds()))
	m.latencyN[op].Add(1)
}

// RecordNotFound records a lookup or delete of an absent key.
func (m *Metrics) RecordNotFound() {
	m.notFound.Add(1)
}

// RecordError records an error.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// ConnectionOpened increments active connections.
func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Add(1)
}

// ConnectionClosed decrements active connections.
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Add(-1)
}

// SetEngineStats installs the callback used to read engine gauges.
func (m *Metrics) SetEngineStats(fn func() EngineStats) {
	m.engineStats.Store(&fn)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		// Uptime
		uptime := time.Since(m.startTime).Seconds()
		fmt.Fprintf(w, "# HELP distkv_uptime_seconds Time since server started\n")
		fmt.Fprintf(w, "# TYPE distkv_uptime_seconds gauge\n")
		fmt.Fprintf(w, "distkv_uptime_seconds %.2f\n\n", uptime)

		// Operations
		fmt.Fprintf(w, "# HELP distkv_operations_total Total engine operations by type\n")
		fmt.Fprintf(w, "# TYPE distkv_operations_total counter\n")
		for op := Op(0); op < numOps; op++ {
			fmt.Fprintf(w, "distkv_operations_total{op=\"%s\"} %d\n", op, m.ops[op].Load())
		}
		fmt.Fprintln(w)

		// Not found
		fmt.Fprintf(w, "# HELP distkv_not_found_total Lookups and deletes of absent keys\n")
		fmt.Fprintf(w, "# TYPE distkv_not_found_total counter\n")
		fmt.Fprintf(w, "distkv_not_found_total %d\n\n", m.notFound.Load())

		// Errors
		fmt.Fprintf(w, "# HELP distkv_errors_total Total errors\n")
		fmt.Fprintf(w, "# TYPE distkv_errors_total counter\n")
		fmt.Fprintf(w, "distkv_errors_total %d\n\n", m.errorsTotal.Load())

		// Active connections
		fmt.Fprintf(w, "# HELP distkv_active_connections Current active line protocol connections\n")
		fmt.Fprintf(w, "# TYPE distkv_active_connections gauge\n")
		fmt.Fprintf(w, "distkv_active_connections %d\n\n", m.activeConnections.Load())

		// Average latency per operation
		fmt.Fprintf(w, "# HELP distkv_operation_latency_ms Average operation latency\n")
		fmt.Fprintf(w, "# TYPE distkv_operation_latency_ms gauge\n")
		for op := Op(0); op < numOps; op++ {
			n := m.latencyN[op].Load()
			if n == 0 {
				continue
			}
			avg := float64(m.latencySum[op].Load()) / float64(n) / 1000.0 // ms
			fmt.Fprintf(w, "distkv_operation_latency_ms{op=\"%s\"} %.3f\n", op, avg)
		}
		fmt.Fprintln(w)

		// Engine gauges
		if fn := m.engineStats.Load(); fn != nil {
			stats := (*fn)()
			fmt.Fprintf(w, "# HELP distkv_keys Live keys in the index\n")
			fmt.Fprintf(w, "# TYPE distkv_keys gauge\n")
			fmt.Fprintf(w, "distkv_keys %d\n\n", stats.Keys)

			fmt.Fprintf(w, "# HELP distkv_log_bytes Size of the append-only log\n")
			fmt.Fprintf(w, "# TYPE distkv_log_bytes gauge\n")
			fmt.Fprintf(w, "distkv_log_bytes %d\n\n", stats.LogBytes)

			fmt.Fprintf(w, "# HELP distkv_compactions_total Completed log compactions\n")
			fmt.Fprintf(w, "# TYPE distkv_compactions_total counter\n")
			fmt.Fprintf(w, "distkv_compactions_total %d\n", stats.Compactions)
		}
	}
}

// Snapshot returns current metric values.
type Snapshot struct {
	Puts              uint64
	Gets              uint64
	Deletes           uint64
	Persists          uint64
	NotFound          uint64
	ErrorsTotal       uint64
	ActiveConnections int64
	UptimeSeconds     float64
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Puts:              m.ops[OpPut].Load(),
		Gets:              m.ops[OpGet].Load(),
		Deletes:           m.ops[OpDelete].Load(),
		Persists:          m.ops[OpPersist].Load(),
		NotFound:          m.notFound.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		ActiveConnections: m.activeConnections.Load(),
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
	}
}
