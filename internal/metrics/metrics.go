// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for the gateway.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Delivered                 →  key = "mode"          (fifo | by_id | push)
//	Outcomes                  →  key = "op\toutcome"   (deliver\tforbidden, status\tmalformed, …)
//	StoreErrors               →  key = "op"
//	HTTPReqs                  →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt    →  key = "method\tpath"
//
// Enqueued is a plain counter.
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Get returns the current value for key.
func (lc *labelCounter) Get(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all gateway metrics. The zero value is ready to use.
type Registry struct {
	Enqueued atomic.Int64

	Delivered   labelCounter // key = mode
	Outcomes    labelCounter // key = "op\toutcome"
	StoreErrors labelCounter // key = op

	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	// Depth, when set, reports the current queue length at scrape time.
	Depth func() (int64, error)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── queue counters ────────────────────────────────────────────────────
		writeFamily(&b, "fifogate_items_enqueued_total",
			"Total items enqueued", "counter",
			func(fn func(labels, val string)) {
				if n := r.Enqueued.Load(); n > 0 {
					fn("", fmt.Sprintf("%d", n))
				}
			})

		writeFamily(&b, "fifogate_items_delivered_total",
			"Total items delivered, by delivery mode", "counter",
			func(fn func(labels, val string)) {
				r.Delivered.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`mode=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "fifogate_request_outcomes_total",
			"Non-success outcomes by operation (not_found, forbidden, malformed, invalid_input)", "counter",
			func(fn func(labels, val string)) {
				r.Outcomes.Each(func(key string, val int64) {
					op, outcome := splitTwo(key)
					fn(fmt.Sprintf(`op=%q,outcome=%q`, op, outcome), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "fifogate_store_errors_total",
			"Store faults surfaced to callers, by operation", "counter",
			func(fn func(labels, val string)) {
				r.StoreErrors.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`op=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		if r.Depth != nil {
			writeFamily(&b, "fifogate_queue_depth",
				"Items currently queued", "gauge",
				func(fn func(labels, val string)) {
					if n, err := r.Depth(); err == nil {
						fn("", fmt.Sprintf("%d", n))
					}
				})
		}

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "fifogate_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "fifogate_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "fifogate_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		if labels == "" {
			lines = append(lines, fmt.Sprintf("%s %s\n", name, val))
			return
		}
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// OutcomeKey builds the label key used by Outcomes.
func OutcomeKey(op, outcome string) string {
	return op + "\t" + outcome
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
