package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry aggregates service counters for the JSON debug endpoint and the
// Prometheus exposition endpoint. Label growth is caller-bounded: labels come
// from enum-like domain values (verdicts, check names, proof statuses), never
// from request input.
type Registry struct {
	verdicts      *labelCounter
	concerns      *labelCounter
	checks        *labelCounter
	proofStatuses *labelCounter

	chainConflicts atomic.Int64
	proverRequests atomic.Int64

	mu        sync.Mutex
	endpoints map[string]*EndpointStat
	gauges    map[string]float64
	verify    VerifyLatencyStat

	Histograms *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	Verdicts            map[string]int64        `json:"verdicts"`
	Concerns            map[string]int64        `json:"concerns"`
	Gauges              map[string]float64      `json:"gauges"`
	CheckOutcomes       map[string]int64        `json:"check_outcomes"`
	ProofStatusTotals   map[string]int64        `json:"proof_status_totals"`
	ChainConflictsTotal int64                   `json:"chain_conflicts_total"`
	ProverRequestsTotal int64                   `json:"prover_requests_total"`
	VerifyLatencyMS     VerifyLatencyStat       `json:"verify_latency_ms"`
	Histograms          []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		verdicts:      newLabelCounter(),
		concerns:      newLabelCounter(),
		checks:        newLabelCounter(),
		proofStatuses: newLabelCounter(),
		endpoints:     map[string]*EndpointStat{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
	}
}

// labelCounter is a string-labelled monotonic counter family.
type labelCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newLabelCounter() *labelCounter {
	return &labelCounter{counts: map[string]int64{}}
}

func (c *labelCounter) inc(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	c.mu.Lock()
	c.counts[label]++
	c.mu.Unlock()
}

func (c *labelCounter) snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for label, n := range c.counts {
		out[label] = n
	}
	return out
}

func (r *Registry) IncVerdict(verdict string) { r.verdicts.inc(verdict) }

func (r *Registry) IncConcern(concern string) { r.concerns.inc(concern) }

// IncCheck counts one verification check outcome, keyed check|pass or
// check|fail.
func (r *Registry) IncCheck(check string, valid bool) {
	check = strings.TrimSpace(check)
	if check == "" {
		return
	}
	if valid {
		r.checks.inc(check + "|pass")
	} else {
		r.checks.inc(check + "|fail")
	}
}

func (r *Registry) IncProofStatus(status string) { r.proofStatuses.inc(status) }

func (r *Registry) IncChainConflict() { r.chainConflicts.Add(1) }

func (r *Registry) IncProverRequest() { r.proverRequests.Add(1) }

func (r *Registry) Observe(path string, status int, d time.Duration) {
	ms := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat := r.endpoints[path]
	if stat == nil {
		stat = &EndpointStat{}
		r.endpoints[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += ms
	stat.MaxMillis = max(stat.MaxMillis, ms)
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := max(d.Milliseconds(), 0)
	r.mu.Lock()
	defer r.mu.Unlock()
	v := &r.verify
	v.Count++
	v.TotalMS += ms
	v.LastMS = ms
	v.MaxMS = max(v.MaxMS, ms)
	v.AvgMS = float64(v.TotalMS) / float64(v.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	endpoints := make(map[string]EndpointStat, len(r.endpoints))
	for path, stat := range r.endpoints {
		endpoints[path] = *stat
	}
	gauges := make(map[string]float64, len(r.gauges))
	for name, v := range r.gauges {
		gauges[name] = v
	}
	verify := r.verify
	r.mu.Unlock()

	return Snapshot{
		GeneratedAt:         time.Now().UTC().Format(time.RFC3339),
		Endpoints:           endpoints,
		Verdicts:            r.verdicts.snapshot(),
		Concerns:            r.concerns.snapshot(),
		Gauges:              gauges,
		CheckOutcomes:       r.checks.snapshot(),
		ProofStatusTotals:   r.proofStatuses.snapshot(),
		ChainConflictsTotal: r.chainConflicts.Load(),
		ProverRequestsTotal: r.proverRequests.Load(),
		VerifyLatencyMS:     verify,
		Histograms:          r.Histograms.Snapshots(),
	}
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		var b strings.Builder
		writeEndpointFamilies(&b, snap.Endpoints)
		writeCounterFamily(&b, "sigil_verdict_total", "attested checkpoints by verdict", "verdict", snap.Verdicts)
		writeCounterFamily(&b, "sigil_concern_total", "attested checkpoints by raised concern", "concern", snap.Concerns)
		writeCheckFamily(&b, snap.CheckOutcomes)
		writeCounterFamily(&b, "sigil_proof_status_total", "verdict proof transitions by status", "status", snap.ProofStatusTotals)
		writeScalarCounter(&b, "sigil_chain_conflict_total", "chain append conflicts observed", snap.ChainConflictsTotal)
		writeScalarCounter(&b, "sigil_prover_request_total", "proof requests dispatched to the prover", snap.ProverRequestsTotal)
		writeGaugeFamily(&b, snap.Gauges)
		writeHistogramFamilies(&b, snap.Histograms)
		writeVerifyLatency(&b, snap.VerifyLatencyMS)

		_, _ = io.WriteString(w, b.String())
	}
}

func writeFamilyHeader(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func writeCounterFamily(b *strings.Builder, name, help, label string, counts map[string]int64) {
	writeFamilyHeader(b, name, "counter", help)
	for _, key := range SortedKeys(counts) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, key, counts[key])
	}
}

func writeScalarCounter(b *strings.Builder, name, help string, v int64) {
	writeFamilyHeader(b, name, "counter", help)
	fmt.Fprintf(b, "%s %d\n", name, v)
}

func writeEndpointFamilies(b *strings.Builder, endpoints map[string]EndpointStat) {
	paths := SortedKeys(endpoints)

	writeFamilyHeader(b, "sigil_endpoint_count", "counter", "total requests by endpoint")
	for _, p := range paths {
		fmt.Fprintf(b, "sigil_endpoint_count{endpoint=%q} %d\n", p, endpoints[p].Count)
	}
	writeFamilyHeader(b, "sigil_endpoint_error_count", "counter", "total endpoint errors")
	for _, p := range paths {
		fmt.Fprintf(b, "sigil_endpoint_error_count{endpoint=%q} %d\n", p, endpoints[p].ErrorCount)
	}
	writeFamilyHeader(b, "sigil_endpoint_avg_millis", "gauge", "endpoint average latency in milliseconds")
	for _, p := range paths {
		fmt.Fprintf(b, "sigil_endpoint_avg_millis{endpoint=%q} %.3f\n", p, endpoints[p].AverageMillis)
	}
	writeFamilyHeader(b, "sigil_endpoint_max_millis", "gauge", "endpoint max latency in milliseconds")
	for _, p := range paths {
		fmt.Fprintf(b, "sigil_endpoint_max_millis{endpoint=%q} %d\n", p, endpoints[p].MaxMillis)
	}
}

func writeCheckFamily(b *strings.Builder, outcomes map[string]int64) {
	writeFamilyHeader(b, "sigil_check_total", "counter", "verification check outcomes")
	for _, key := range SortedKeys(outcomes) {
		check, outcome, found := strings.Cut(key, "|")
		if !found {
			outcome = "pass"
		}
		fmt.Fprintf(b, "sigil_check_total{check=%q,outcome=%q} %d\n", check, outcome, outcomes[key])
	}
}

func writeGaugeFamily(b *strings.Builder, gauges map[string]float64) {
	writeFamilyHeader(b, "sigil_gauge", "gauge", "operational gauge metrics")
	for _, name := range SortedKeys(gauges) {
		fmt.Fprintf(b, "sigil_gauge{name=%q} %.3f\n", name, gauges[name])
	}
}

func writeHistogramFamilies(b *strings.Builder, hists []HistogramSnapshot) {
	for _, h := range hists {
		writeFamilyHeader(b, "sigil_latency_seconds", "histogram", "latency histogram")
		for _, bucket := range h.Buckets {
			fmt.Fprintf(b, "sigil_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
		}
		fmt.Fprintf(b, "sigil_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
		fmt.Fprintf(b, "sigil_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
		fmt.Fprintf(b, "sigil_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
		fmt.Fprintf(b, "sigil_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
		fmt.Fprintf(b, "sigil_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
		fmt.Fprintf(b, "sigil_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
	}
}

func writeVerifyLatency(b *strings.Builder, v VerifyLatencyStat) {
	writeFamilyHeader(b, "sigil_verify_latency_ms", "gauge", "certificate verification latency in ms")
	fmt.Fprintf(b, "sigil_verify_latency_ms{stat=\"last\"} %d\n", v.LastMS)
	fmt.Fprintf(b, "sigil_verify_latency_ms{stat=\"avg\"} %.3f\n", v.AvgMS)
	fmt.Fprintf(b, "sigil_verify_latency_ms{stat=\"max\"} %d\n", v.MaxMS)
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
