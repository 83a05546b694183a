package hub

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jake-scott/devicehub/internal/pkg/audit"
	"github.com/jake-scott/devicehub/internal/pkg/authz"
	"github.com/jake-scott/devicehub/internal/pkg/command"
	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/deverr"
	"github.com/jake-scott/devicehub/internal/pkg/events"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
	"github.com/jake-scott/devicehub/internal/pkg/vendor"
)

// Phase is the position of a command in the dispatch state machine
type Phase string

const (
	PhasePending              Phase = "pending"
	PhaseAuthorized           Phase = "authorized"
	PhaseDispatched           Phase = "dispatched"
	PhaseAwaitingVerification Phase = "awaiting-verification"
	PhaseVerified             Phase = "verified"
	PhaseVerificationFailed   Phase = "verification-failed"
	PhaseRejected             Phase = "rejected"
	PhaseTimedOut             Phase = "timed-out"
	PhaseFailed               Phase = "failed"
)

// Terminal reports whether no further transition can follow
func (p Phase) Terminal() bool {
	switch p {
	case PhaseVerified, PhaseVerificationFailed, PhaseRejected, PhaseTimedOut, PhaseFailed:
		return true
	}
	return false
}

type Request struct {
	DeviceID  string
	Command   command.Command
	Principal authz.Principal
	// Presence is the proof-of-presence assertion required for unlocking
	Presence string
}

type Result struct {
	Device device.Device
	Phase  Phase
	// Reason names the rule that authorized the command
	Reason string
}

type outcome struct {
	device device.Device
	phase  Phase
	err    error
}

// tracker logs every phase transition of one command
type tracker struct {
	phase Phase
	log   *logrus.Entry
}

func (t *tracker) to(p Phase) {
	t.log.Debugf("%s -> %s", t.phase, p)
	t.phase = p
}

// ExecuteCommand runs one command to completion. The caller is released once
// the device state has been verified, verification has failed, or the
// command timeout elapsed. A vendor call that is still in flight at the
// deadline is left to finish in the background.
func (h *Hub) ExecuteCommand(ctx context.Context, req Request) (Result, error) {
	start := h.now()
	tr := &tracker{
		phase: PhasePending,
		log: logging.Component(ctx, "dispatch").WithFields(logrus.Fields{
			"deviceId": req.DeviceID,
			"command":  req.Command.Name(),
		}),
	}

	res, err := h.execute(ctx, req, tr)
	res.Phase = tr.phase

	result := audit.OutcomeSuccess
	switch {
	case tr.phase == PhaseTimedOut:
		// the vendor may still carry the command out
		result = audit.OutcomePending
	case err != nil:
		result = audit.OutcomeFailed
	}

	latency := h.now().Sub(start)
	h.recorder.Observe("executeCommand", latency)
	md := map[string]interface{}{
		"deviceId":  req.DeviceID,
		"operation": req.Command.Name(),
		"phase":     string(tr.phase),
		"latencyMs": latency.Milliseconds(),
	}
	if err != nil {
		md["error"] = err
	}
	h.recorder.Record(ctx, audit.Event{
		Category: audit.CategoryDeviceControl,
		Action:   req.Command.Name(),
		Outcome:  result,
		Actor:    req.Principal.UserID,
		Metadata: md,
	})

	if err != nil {
		tr.log.WithError(err).Infof("command ended %s", tr.phase)
	} else {
		tr.log.Infof("command ended %s", tr.phase)
	}
	return res, err
}

func (h *Hub) execute(ctx context.Context, req Request, tr *tracker) (res Result, err error) {
	d, a, err := h.lookup(ctx, req.DeviceID)
	if err != nil {
		tr.to(PhaseRejected)
		return res, err
	}
	res.Device = d

	// one access record per lock or unlock, whatever the outcome
	if op, isLockOp := command.LockOperation(req.Command); isLockOp && d.Kind() == device.KindLock {
		defer func() {
			rec := device.AccessRecord{
				Time:      h.now().UTC(),
				Operation: op,
				ActorID:   req.Principal.UserID,
				Success:   err == nil && tr.phase == PhaseVerified,
			}
			if err != nil {
				rec.FailureReason = deverr.KindOf(err).String()
			}
			h.appendAccess(d.ID, rec)
			if cur, ok := h.Device(d.ID); ok {
				res.Device = cur
			}
		}()
	}

	if !command.Supports(d.Kind(), req.Command) {
		tr.to(PhaseRejected)
		return res, vendor.Unsupported(d, req.Command)
	}

	if res.Reason, err = h.authz.Authorize(req.Principal, d, req.Command); err != nil {
		tr.to(PhaseRejected)
		h.securityEvent(ctx, req, audit.OutcomeFailed, err)
		return res, err
	}
	if err = h.authz.ConfirmPresence(ctx, req.Principal, d, req.Command, req.Presence); err != nil {
		tr.to(PhaseRejected)
		h.securityEvent(ctx, req, audit.OutcomeFailed, err)
		return res, err
	}
	tr.to(PhaseAuthorized)
	if command.IsSensitive(req.Command) {
		h.securityEvent(ctx, req, audit.OutcomeSuccess, nil)
	}

	if err = h.budget.Take(a.ID()); err != nil {
		tr.to(PhaseRejected)
		return res, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()
	if err = h.gate.Wait(waitCtx, d.ID); err != nil {
		tr.to(PhaseTimedOut)
		return res, err
	}

	// the vendor call outlives the caller; only waiting is bounded
	done := make(chan outcome, 1)
	phases := make(chan Phase, 4)
	go func() {
		done <- h.dispatch(context.WithoutCancel(ctx), a, d, req.Command, phases)
	}()

	timer := time.NewTimer(h.commandTimeout)
	defer timer.Stop()
	for {
		select {
		case p := <-phases:
			tr.to(p)
		case o := <-done:
			drain(phases, tr)
			tr.to(o.phase)
			if o.device.ID != "" {
				res.Device = o.device
			}
			return res, o.err
		case <-timer.C:
			drain(phases, tr)
			tr.to(PhaseTimedOut)
			return res, deverr.Newf(deverr.Timeout, "%s on %s did not complete within %v", req.Command.Name(), d.ID, h.commandTimeout)
		case <-ctx.Done():
			drain(phases, tr)
			tr.to(PhaseTimedOut)
			return res, deverr.Wrap(ctx.Err(), deverr.Timeout, "caller stopped waiting for "+req.Command.Name())
		}
	}
}

func drain(phases <-chan Phase, tr *tracker) {
	for {
		select {
		case p := <-phases:
			tr.to(p)
		default:
			return
		}
	}
}

// lookup finds the tracked device, reading it from the vendor when it is not
// tracked yet
func (h *Hub) lookup(ctx context.Context, id string) (device.Device, vendor.Adapter, error) {
	a, err := h.registry.ForDevice(id)
	if err != nil {
		return device.Device{}, nil, deverr.Wrap(err, deverr.DeviceNotFound, "resolving vendor of "+id)
	}
	if d, ok := h.Device(id); ok {
		return d, a, nil
	}
	d, err := h.GetDeviceState(ctx, id)
	if err != nil {
		return device.Device{}, nil, err
	}
	return d, a, nil
}

// dispatch calls the vendor, applies the optimistic update, waits for the
// vendor to settle and verifies the result against a fresh read
func (h *Hub) dispatch(ctx context.Context, a vendor.Adapter, before device.Device, cmd command.Command, phases chan<- Phase) outcome {
	phases <- PhaseDispatched
	if _, err := a.ExecuteCommand(ctx, before.ID, cmd); err != nil {
		return outcome{phase: PhaseFailed, err: err}
	}

	expected := before.Clone()
	if err := command.Apply(&expected, cmd, h.now().UTC()); err != nil {
		return outcome{phase: PhaseFailed, err: deverr.Wrap(err, deverr.CommandFailed, "applying "+cmd.Name())}
	}
	h.replace(expected)

	phases <- PhaseAwaitingVerification
	if err := h.sleep(ctx, h.settleDelay); err != nil {
		return outcome{phase: PhaseFailed, err: deverr.Wrap(err, deverr.Timeout, "waiting for the device to settle")}
	}

	actual, err := a.GetDeviceState(ctx, before.ID)
	if err != nil {
		h.replace(before)
		return outcome{
			phase: PhaseVerificationFailed,
			err:   deverr.Wrap(err, deverr.StateVerificationFailed, "re-reading "+before.ID),
		}
	}
	if actual.Vendor == "" {
		actual.Vendor = a.ID()
	}
	actual = h.storeQuiet(actual)

	if detail := mismatch(cmd, expected, actual); detail != "" {
		return outcome{device: actual, phase: PhaseVerificationFailed, err: deverr.Verification(detail)}
	}

	h.publish(events.DeviceUpdated, actual)
	return outcome{device: actual, phase: PhaseVerified}
}

// replace swaps the tracked copy without notifying subscribers. Access
// records appended since d was taken are kept; a device removed meanwhile
// stays removed.
func (h *Hub) replace(d device.Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old, ok := h.devices[d.ID]
	if !ok {
		return
	}
	d = d.Clone()
	carryHistory(old, d)
	h.devices[d.ID] = d
}

// storeQuiet stores a vendor snapshot without notifying subscribers
func (h *Hub) storeQuiet(d device.Device) device.Device {
	out, _, _ := h.keep(d)
	return out
}

func (h *Hub) securityEvent(ctx context.Context, req Request, result audit.Outcome, err error) {
	md := map[string]interface{}{
		"deviceId":  req.DeviceID,
		"operation": req.Command.Name(),
	}
	if err != nil {
		md["error"] = err
		md["kind"] = deverr.KindOf(err).String()
	}
	h.recorder.Record(ctx, audit.Event{
		Category: audit.CategorySecurity,
		Action:   "authorize " + req.Command.Name(),
		Outcome:  result,
		Actor:    req.Principal.UserID,
		Metadata: md,
	})
}
