// Package audit records one structured event per state-changing or
// authentication-related operation, and keeps operation counters and
// latency histograms.
//
// Audit is best-effort: a failing or panicking sink is logged and never
// fails the operation being audited.
package audit

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryDeviceControl  Category = "device-control"
	CategorySecurity       Category = "security"
	CategoryConfiguration  Category = "configuration"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
	OutcomeWarning Outcome = "warning"
)

type Event struct {
	ID       string                 `json:"id"`
	Time     time.Time              `json:"time"`
	Category Category               `json:"category"`
	Action   string                 `json:"action"`
	Outcome  Outcome                `json:"outcome"`
	Actor    string                 `json:"actor,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// LogSink writes events to logrus with entrytype=audit
type LogSink struct {
	log *logrus.Logger
}

// NewLogSink logs through l, or the process logger when l is nil
func NewLogSink(l *logrus.Logger) *LogSink {
	return &LogSink{log: l}
}

func (s *LogSink) Write(ctx context.Context, ev Event) error {
	entry := logging.Logger(ctx)
	if s.log != nil {
		entry = logrus.NewEntry(s.log)
		if txnID := logging.TxnID(ctx); txnID != "" {
			entry = entry.WithField("txnid", txnID)
		}
	}

	fields := logrus.Fields{
		"entrytype": "audit",
		"auditid":   ev.ID,
		"category":  string(ev.Category),
		"outcome":   string(ev.Outcome),
	}
	if ev.Actor != "" {
		fields["actor"] = ev.Actor
	}
	for k, v := range ev.Metadata {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}

	e := entry.WithFields(fields)
	if ev.Outcome == OutcomeFailed || ev.Outcome == OutcomeWarning {
		e.Warn(ev.Action)
	} else {
		e.Info(ev.Action)
	}
	return nil
}

// Multi fans events out to several sinks. Every sink is tried; errors are
// joined.
type Multi []Sink

func (m Multi) Write(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

type nopSink struct{}

func (nopSink) Write(context.Context, Event) error { return nil }

// Recorder stamps, redacts and delivers events, and counts them
type Recorder struct {
	sink    Sink
	metrics Metrics
	now     func() time.Time
}

// NewRecorder builds a recorder; nil sink or metrics disable that half
func NewRecorder(sink Sink, metrics Metrics) *Recorder {
	if sink == nil {
		sink = nopSink{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Recorder{sink: sink, metrics: metrics, now: time.Now}
}

func (r *Recorder) Metrics() Metrics { return r.metrics }

// Record delivers ev. It never fails and never panics.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Component(ctx, "audit").Errorf("audit recording panicked: %v", rec)
		}
	}()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = r.now().UTC()
	}
	ev.Metadata = redactMetadata(ev.Metadata)

	r.metrics.Inc(ev.Category, ev.Action, ev.Outcome)
	if err := r.sink.Write(ctx, ev); err != nil {
		logging.Component(ctx, "audit").WithError(err).Warnf("dropping audit event %s", ev.ID)
	}
}

// Observe records the latency of one operation
func (r *Recorder) Observe(op string, d time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Logger(nil).Errorf("observing %s panicked: %v", op, rec)
		}
	}()
	r.metrics.Observe(op, d)
}

func redactMetadata(md map[string]interface{}) map[string]interface{} {
	if md == nil {
		return nil
	}
	out := make(map[string]interface{}, len(md))
	for k, v := range md {
		switch val := v.(type) {
		case string:
			out[k] = logging.Redact(val)
		case error:
			out[k] = logging.Redact(val.Error())
		default:
			out[k] = v
		}
	}
	return out
}
