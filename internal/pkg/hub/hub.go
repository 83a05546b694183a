// Package hub is the caller-facing side of devicehub. It keeps the table of
// tracked devices, fans device listing out to every vendor, and runs commands
// through authorization, rate limiting, the vendor adapter and verification.
package hub

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/korovkin/limiter"
	"github.com/pkg/errors"

	"github.com/jake-scott/devicehub/internal/pkg/audit"
	"github.com/jake-scott/devicehub/internal/pkg/authz"
	"github.com/jake-scott/devicehub/internal/pkg/command"
	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/deverr"
	"github.com/jake-scott/devicehub/internal/pkg/events"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
	"github.com/jake-scott/devicehub/internal/pkg/ratelimit"
	"github.com/jake-scott/devicehub/internal/pkg/vendor"
)

const (
	DefaultSettleDelay      = 2 * time.Second
	DefaultCommandTimeout   = 30 * time.Second
	DefaultFetchConcurrency = 4
)

var ErrDeviceExists = errors.New("hub: device already tracked")

// Authorizer decides whether a principal may run a command on a device or
// change what is tracked. *authz.Service satisfies it.
type Authorizer interface {
	Authorize(p authz.Principal, d device.Device, cmd command.Command) (string, error)
	ConfirmPresence(ctx context.Context, p authz.Principal, d device.Device, cmd command.Command, proof string) error
	Administer(p authz.Principal, deviceID string, scope device.TenancyScope, action string) (string, error)
}

type Hub struct {
	registry *vendor.Registry
	authz    Authorizer
	gate     *ratelimit.Gate
	budget   *ratelimit.Budget
	recorder *audit.Recorder
	bus      *events.Bus

	settleDelay      time.Duration
	commandTimeout   time.Duration
	fetchConcurrency int
	now              func() time.Time
	sleep            func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	devices map[string]device.Device
}

type Option func(*Hub)

func WithAuthorizer(a Authorizer) Option {
	return func(h *Hub) { h.authz = a }
}

func WithGate(g *ratelimit.Gate) Option {
	return func(h *Hub) { h.gate = g }
}

func WithBudget(b *ratelimit.Budget) Option {
	return func(h *Hub) { h.budget = b }
}

func WithRecorder(r *audit.Recorder) Option {
	return func(h *Hub) { h.recorder = r }
}

func WithBus(b *events.Bus) Option {
	return func(h *Hub) { h.bus = b }
}

func WithSettleDelay(d time.Duration) Option {
	return func(h *Hub) { h.settleDelay = d }
}

func WithCommandTimeout(d time.Duration) Option {
	return func(h *Hub) { h.commandTimeout = d }
}

func WithFetchConcurrency(n int) Option {
	return func(h *Hub) { h.fetchConcurrency = n }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func New(registry *vendor.Registry, opts ...Option) *Hub {
	h := &Hub{
		registry:         registry,
		authz:            authz.NewService(nil),
		gate:             ratelimit.NewGate(ratelimit.DefaultMinInterval),
		budget:           ratelimit.NewBudget(0, time.Minute),
		recorder:         audit.NewRecorder(nil, nil),
		bus:              events.NewBus(events.DefaultBuffer),
		settleDelay:      DefaultSettleDelay,
		commandTimeout:   DefaultCommandTimeout,
		fetchConcurrency: DefaultFetchConcurrency,
		now:              time.Now,
		sleep:            sleepContext,
		devices:          make(map[string]device.Device),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Subscribe streams DeviceUpdated and DeviceRemoved events
func (h *Hub) Subscribe() (<-chan events.Event, func()) {
	return h.bus.Subscribe()
}

func (h *Hub) Bus() *events.Bus { return h.bus }

// Devices returns copies of the tracked devices sorted by id
func (h *Hub) Devices() []device.Device {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]device.Device, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device returns the tracked copy of a device without contacting the vendor
func (h *Hub) Device(id string) (device.Device, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.devices[id]
	if !ok {
		return device.Device{}, false
	}
	return d.Clone(), true
}

// FetchAllDevices lists devices from every registered vendor concurrently.
// A failing vendor does not hide the others: the devices that could be
// fetched are returned together with the joined vendor errors.
func (h *Hub) FetchAllDevices(ctx context.Context) ([]device.Device, error) {
	log := logging.Component(ctx, "hub")
	start := h.now()

	var (
		mu   sync.Mutex
		errs []error
	)

	limit := limiter.NewConcurrencyLimiter(h.fetchConcurrency)
	for _, a := range h.registry.All() {
		a := a
		limit.ExecuteWithTicket(func(ticket int) {
			log.Debugf("fetch-goroutine %d: listing %s devices", ticket, a.ID())
			devices, err := a.FetchDevices(ctx)
			if err != nil {
				log.WithError(err).Warnf("listing %s devices", a.ID())
				mu.Lock()
				errs = append(errs, errors.Wrapf(err, "listing %s devices", a.ID()))
				mu.Unlock()
				return
			}
			for _, d := range devices {
				if d.Vendor == "" {
					d.Vendor = a.ID()
				}
				h.store(ctx, d)
			}
		})
	}
	limit.Wait()

	err := stderrors.Join(errs...)
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeWarning
	}
	h.recorder.Observe("fetchAllDevices", h.now().Sub(start))
	h.recorder.Record(ctx, audit.Event{
		Category: audit.CategoryConfiguration,
		Action:   "fetchAllDevices",
		Outcome:  outcome,
		Metadata: map[string]interface{}{"vendors": len(h.registry.All()), "failed": len(errs)},
	})

	return h.Devices(), err
}

// GetDeviceState reads the device from its vendor and updates the tracked copy
func (h *Hub) GetDeviceState(ctx context.Context, id string) (device.Device, error) {
	a, err := h.registry.ForDevice(id)
	if err != nil {
		return device.Device{}, deverr.Wrap(err, deverr.DeviceNotFound, "resolving vendor of "+id)
	}

	start := h.now()
	d, err := a.GetDeviceState(ctx, id)
	h.recorder.Observe("getDeviceState", h.now().Sub(start))
	if err != nil {
		return device.Device{}, err
	}
	if d.Vendor == "" {
		d.Vendor = a.ID()
	}
	return h.store(ctx, d), nil
}

// UpdateDeviceHealth records a reachability report for a tracked device
func (h *Hub) UpdateDeviceHealth(ctx context.Context, p authz.Principal, id string, online bool) (device.Device, error) {
	tracked, ok := h.Device(id)
	if !ok {
		return device.Device{}, deverr.Newf(deverr.DeviceNotFound, "device %s is not tracked", id)
	}
	if err := h.administer(ctx, p, id, tracked.TenancyScope(), "updateDeviceHealth"); err != nil {
		return device.Device{}, err
	}

	h.mu.Lock()
	d, ok := h.devices[id]
	if !ok {
		h.mu.Unlock()
		return device.Device{}, deverr.Newf(deverr.DeviceNotFound, "device %s is not tracked", id)
	}
	changed := d.Online != online
	d.MarkSeen(online, h.now().UTC())
	h.devices[id] = d
	out := d.Clone()
	h.mu.Unlock()

	if changed {
		h.publish(events.DeviceUpdated, out)
	}
	h.recorder.Record(ctx, audit.Event{
		Category: audit.CategoryConfiguration,
		Action:   "updateDeviceHealth",
		Outcome:  audit.OutcomeSuccess,
		Actor:    p.UserID,
		Metadata: map[string]interface{}{"deviceId": id, "online": online},
	})
	return out, nil
}

// AddDevice starts tracking a device. Its id must carry a registered vendor
// prefix and cannot be changed afterwards. The caller must administer the
// scope the device is filed under.
func (h *Hub) AddDevice(ctx context.Context, p authz.Principal, d device.Device) (device.Device, error) {
	if err := d.Validate(); err != nil {
		return device.Device{}, deverr.Wrap(err, deverr.MappingError, "invalid device")
	}
	a, err := h.registry.ForDevice(d.ID)
	if err != nil {
		return device.Device{}, deverr.Wrap(err, deverr.DeviceNotFound, "resolving vendor of "+d.ID)
	}
	if err := h.administer(ctx, p, d.ID, d.TenancyScope(), "addDevice"); err != nil {
		return device.Device{}, err
	}

	d = d.Clone()
	d.Vendor = a.ID()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = h.now().UTC()
	}
	// access records are only ever appended by the hub
	if l, ok := d.AsLock(); ok {
		l.InheritHistory(nil)
	}

	h.mu.Lock()
	if _, exists := h.devices[d.ID]; exists {
		h.mu.Unlock()
		return device.Device{}, errors.Wrap(ErrDeviceExists, d.ID)
	}
	h.devices[d.ID] = d.Clone()
	h.mu.Unlock()

	h.recorder.Record(ctx, audit.Event{
		Category: audit.CategoryConfiguration,
		Action:   "addDevice",
		Outcome:  audit.OutcomeSuccess,
		Actor:    p.UserID,
		Metadata: map[string]interface{}{"deviceId": d.ID, "kind": string(d.Kind())},
	})
	h.publish(events.DeviceUpdated, d)
	return d.Clone(), nil
}

// RemoveDevice stops tracking a device. The caller must administer the
// scope of the tracked copy.
func (h *Hub) RemoveDevice(ctx context.Context, p authz.Principal, id string) error {
	tracked, ok := h.Device(id)
	if !ok {
		return deverr.Newf(deverr.DeviceNotFound, "device %s is not tracked", id)
	}
	if err := h.administer(ctx, p, id, tracked.TenancyScope(), "removeDevice"); err != nil {
		return err
	}

	h.mu.Lock()
	d, ok := h.devices[id]
	delete(h.devices, id)
	h.mu.Unlock()

	if !ok {
		return deverr.Newf(deverr.DeviceNotFound, "device %s is not tracked", id)
	}
	h.gate.Forget(id)

	h.recorder.Record(ctx, audit.Event{
		Category: audit.CategoryConfiguration,
		Action:   "removeDevice",
		Outcome:  audit.OutcomeSuccess,
		Actor:    p.UserID,
		Metadata: map[string]interface{}{"deviceId": id},
	})
	h.publish(events.DeviceRemoved, d)
	return nil
}

// administer checks that p may change the tracking of a device filed under
// scope. Denials are security events.
func (h *Hub) administer(ctx context.Context, p authz.Principal, id string, scope device.TenancyScope, action string) error {
	reason, err := h.authz.Administer(p, id, scope, action)
	md := map[string]interface{}{"deviceId": id, "operation": action}
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailed
		md["error"] = err
		md["kind"] = deverr.KindOf(err).String()
	} else {
		md["reason"] = reason
	}
	h.recorder.Record(ctx, audit.Event{
		Category: audit.CategorySecurity,
		Action:   "administer " + action,
		Outcome:  outcome,
		Actor:    p.UserID,
		Metadata: md,
	})
	return err
}

// store replaces the tracked copy with a vendor snapshot and tells
// subscribers when the state changed
func (h *Hub) store(ctx context.Context, d device.Device) device.Device {
	out, old, known := h.keep(d)
	if !known || changed(old, out) {
		logging.Component(ctx, "hub").Debugf("device %s changed", d.ID)
		h.publish(events.DeviceUpdated, out)
	}
	return out
}

// keep replaces the tracked copy with a vendor snapshot. Attributes owned
// locally (scope, creation time, lock history) survive the replacement.
func (h *Hub) keep(d device.Device) (stored, previous device.Device, known bool) {
	d = d.Clone()

	h.mu.Lock()
	defer h.mu.Unlock()

	previous, known = h.devices[d.ID]
	if known {
		if d.Scope == nil && previous.Scope != nil {
			s := *previous.Scope
			d.Scope = &s
		}
		if !previous.CreatedAt.IsZero() {
			d.CreatedAt = previous.CreatedAt
		}
		carryHistory(previous, d)
		previous = previous.Clone()
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = h.now().UTC()
	}
	h.devices[d.ID] = d
	return d.Clone(), previous, known
}

// carryHistory makes the tracked copy's access history win over whatever
// the replacing snapshot holds
func carryHistory(from, to device.Device) {
	cur, ok := to.AsLock()
	if !ok {
		return
	}
	old, _ := from.AsLock()
	cur.InheritHistory(old)
}

// appendAccess adds one record to the tracked lock's history
func (h *Hub) appendAccess(id string, rec device.AccessRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[id]
	if !ok {
		return
	}
	if l, ok := d.AsLock(); ok {
		l.AppendAccess(rec)
	}
}

func changed(a, b device.Device) bool {
	if a.Online != b.Online || a.Kind() != b.Kind() {
		return true
	}
	sa, errA := json.Marshal(a.State)
	sb, errB := json.Marshal(b.State)
	return errA != nil || errB != nil || string(sa) != string(sb)
}

func (h *Hub) publish(t events.Type, d device.Device) {
	h.bus.Publish(events.Event{Type: t, Time: h.now().UTC(), Device: d})
}
