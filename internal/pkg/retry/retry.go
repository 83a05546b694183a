// Package retry runs vendor calls with classified, jittered exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/devicehub/internal/pkg/deverr"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

// Policy controls how many times and how patiently an operation is repeated
type Policy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	// Jitter is the +/- fraction applied to computed backoff delays
	Jitter float64
	// UseHints makes kind-specific delays (eg. 60s after a rate limit) take
	// precedence over the computed backoff
	UseHints bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Base:       500 * time.Millisecond,
		Max:        30 * time.Second,
		Jitter:     0.2,
		UseHints:   true,
	}
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Retrier struct {
	policy Policy
	sleep  Sleeper

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(p Policy) *Retrier {
	return &Retrier{
		policy: p,
		sleep:  contextSleep,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSleeper replaces the wait function, for tests
func (r *Retrier) WithSleeper(s Sleeper) *Retrier {
	return &Retrier{policy: r.policy, sleep: s, rnd: rand.New(rand.NewSource(1))}
}

func (r *Retrier) Policy() Policy { return r.policy }

// Do runs op until it succeeds, returns a non-retryable error, or the
// retries are exhausted. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	log := logging.Component(ctx, "retry")

	var err error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		if !Retryable(err) {
			return err
		}
		if attempt == r.policy.MaxRetries {
			break
		}

		delay := r.Delay(attempt, err)
		log.WithError(err).Debugf("%s: attempt %d failed, retrying in %s", name, attempt+1, delay)

		if serr := r.sleep(ctx, delay); serr != nil {
			return errors.Wrapf(err, "%s abandoned: %v", name, serr)
		}
	}

	log.WithError(err).Warnf("%s: giving up after %d attempts", name, r.policy.MaxRetries+1)
	return err
}

// Delay computes the wait before retry number attempt+1
func (r *Retrier) Delay(attempt int, err error) time.Duration {
	if r.policy.UseHints {
		if e, ok := deverr.As(err); ok {
			if d := e.Delay(); d > 0 {
				return d
			}
		}
	}

	backoff := float64(r.policy.Base) * math.Pow(2, float64(attempt))
	if max := float64(r.policy.Max); r.policy.Max > 0 && backoff > max {
		backoff = max
	}

	if r.policy.Jitter > 0 {
		r.mu.Lock()
		f := r.rnd.Float64()
		r.mu.Unlock()
		backoff += backoff * r.policy.Jitter * (2*f - 1)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// Retryable classifies err. Typed errors follow their kind; context errors
// never retry; network errors always do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if e, ok := deverr.As(err); ok {
		return e.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// CheckResponse maps a vendor response status to the error taxonomy
func CheckResponse(resp *http.Response) error {
	if resp == nil {
		return deverr.New(deverr.NetworkError, "no response")
	}
	return deverr.FromHTTPStatus(resp.StatusCode, RetryAfter(resp.Header))
}

// RetryAfter parses a Retry-After header in seconds or HTTP-date form
func RetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
