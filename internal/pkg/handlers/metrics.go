package handlers

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/jake-scott/devicehub/internal/pkg/audit"
)

type counter struct {
	Category audit.Category `json:"category"`
	Action   string         `json:"action"`
	Outcome  audit.Outcome  `json:"outcome"`
	Count    int            `json:"count"`
}

type latency struct {
	Operation string  `json:"operation"`
	Count     int     `json:"count"`
	MeanMs    float64 `json:"meanMs"`
	Buckets   []int   `json:"buckets"`
}

type metricsResponse struct {
	// BucketBoundsMs are the upper bounds of the latency buckets; the last
	// bucket of each histogram counts everything above
	BucketBoundsMs []int64   `json:"bucketBoundsMs"`
	Counters       []counter `json:"counters"`
	Latencies      []latency `json:"latencies"`
}

// Snapshotter is satisfied by audit.MemoryMetrics
type Snapshotter interface {
	Snapshot() audit.Snapshot
}

type MetricsHandler struct {
	metrics Snapshotter
}

func NewMetricsHandler(m Snapshotter) MetricsHandler {
	return MetricsHandler{metrics: m}
}

func (h *MetricsHandler) Register(r *mux.Router) {
	r.Handle("/metrics", h).Methods(http.MethodGet)
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r); err != nil {
		sendError(w, r, err)
		return
	}

	snap := h.metrics.Snapshot()
	resp := metricsResponse{
		Counters:  make([]counter, 0, len(snap.Counters)),
		Latencies: make([]latency, 0, len(snap.Histograms)),
	}
	for _, b := range audit.LatencyBuckets {
		resp.BucketBoundsMs = append(resp.BucketBoundsMs, b.Milliseconds())
	}

	for k, n := range snap.Counters {
		resp.Counters = append(resp.Counters, counter{Category: k.Category, Action: k.Action, Outcome: k.Outcome, Count: n})
	}
	sort.Slice(resp.Counters, func(i, j int) bool {
		a, b := resp.Counters[i], resp.Counters[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		return a.Outcome < b.Outcome
	})

	for op, hist := range snap.Histograms {
		l := latency{Operation: op, Count: hist.Count, Buckets: hist.Counts}
		if hist.Count > 0 {
			l.MeanMs = float64(hist.Sum.Milliseconds()) / float64(hist.Count)
		}
		resp.Latencies = append(resp.Latencies, l)
	}
	sort.Slice(resp.Latencies, func(i, j int) bool { return resp.Latencies[i].Operation < resp.Latencies[j].Operation })

	sendJSONResponse(w, r, http.StatusOK, resp)
}
