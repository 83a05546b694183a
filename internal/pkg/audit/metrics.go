package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"

	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

type Metrics interface {
	Inc(category Category, action string, outcome Outcome)
	Observe(op string, d time.Duration)
}

type NopMetrics struct{}

func (NopMetrics) Inc(Category, string, Outcome) {}
func (NopMetrics) Observe(string, time.Duration) {}

// LatencyBuckets are the upper bounds of the in-memory histogram buckets.
// Slower observations land in a final overflow bucket.
var LatencyBuckets = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

type CounterKey struct {
	Category Category
	Action   string
	Outcome  Outcome
}

type Histogram struct {
	// Counts has one entry per LatencyBuckets bound plus the overflow bucket
	Counts []int
	Count  int
	Sum    time.Duration
}

type Snapshot struct {
	Counters   map[CounterKey]int
	Histograms map[string]Histogram
}

// MemoryMetrics keeps counters and histograms in process
type MemoryMetrics struct {
	mu         sync.Mutex
	counters   map[CounterKey]int
	histograms map[string]*Histogram
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[CounterKey]int),
		histograms: make(map[string]*Histogram),
	}
}

func (m *MemoryMetrics) Inc(category Category, action string, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[CounterKey{category, action, outcome}]++
}

func (m *MemoryMetrics) Observe(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histograms[op]
	if !ok {
		h = &Histogram{Counts: make([]int, len(LatencyBuckets)+1)}
		m.histograms[op] = h
	}
	i := sort.Search(len(LatencyBuckets), func(i int) bool { return d <= LatencyBuckets[i] })
	h.Counts[i]++
	h.Count++
	h.Sum += d
}

func (m *MemoryMetrics) Count(category Category, action string, outcome Outcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[CounterKey{category, action, outcome}]
}

// Snapshot returns a copy of the current values
func (m *MemoryMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Counters:   make(map[CounterKey]int, len(m.counters)),
		Histograms: make(map[string]Histogram, len(m.histograms)),
	}
	for k, v := range m.counters {
		s.Counters[k] = v
	}
	for k, h := range m.histograms {
		c := *h
		c.Counts = append([]int(nil), h.Counts...)
		s.Histograms[k] = c
	}
	return s
}

const (
	operationsMeasurement = "devicehub_operations"
	latencyMeasurement    = "devicehub_latency"

	influxPingTimeout = 5 * time.Second
)

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// BatchSize is the number of points buffered before a write
	BatchSize uint
	// FlushInterval in milliseconds
	FlushInterval uint
}

// InfluxMetrics writes counters and latencies as points through the
// non-blocking write API. Write errors are logged asynchronously.
type InfluxMetrics struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

func NewInfluxMetrics(cfg InfluxConfig) (*InfluxMetrics, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(cfg.FlushInterval)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), influxPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "pinging influxdb")
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb is not healthy")
	}

	m := &InfluxMetrics{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket)}
	go m.logErrors(m.writeAPI.Errors())
	return m, nil
}

func (m *InfluxMetrics) logErrors(errs <-chan error) {
	for err := range errs {
		logging.Component(nil, "audit").WithError(err).Warn("influxdb write failed")
	}
}

func (m *InfluxMetrics) Inc(category Category, action string, outcome Outcome) {
	m.writeAPI.WritePoint(write.NewPoint(
		operationsMeasurement,
		map[string]string{
			"category": string(category),
			"action":   action,
			"outcome":  string(outcome),
		},
		map[string]interface{}{"count": 1},
		time.Now(),
	))
}

func (m *InfluxMetrics) Observe(op string, d time.Duration) {
	m.writeAPI.WritePoint(write.NewPoint(
		latencyMeasurement,
		map[string]string{"op": op},
		map[string]interface{}{"ms": float64(d) / float64(time.Millisecond)},
		time.Now(),
	))
}

func (m *InfluxMetrics) Flush() {
	m.writeAPI.Flush()
}

func (m *InfluxMetrics) Close() {
	m.writeAPI.Flush()
	m.client.Close()
}

// MultiMetrics sends every observation to each backend
type MultiMetrics []Metrics

func (mm MultiMetrics) Inc(category Category, action string, outcome Outcome) {
	for _, m := range mm {
		m.Inc(category, action, outcome)
	}
}

func (mm MultiMetrics) Observe(op string, d time.Duration) {
	for _, m := range mm {
		m.Observe(op, d)
	}
}
